package session

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/registry"
	"github.com/cyberinferno/lpchat/store"
	"github.com/cyberinferno/lpchat/store/mocks"
	"github.com/cyberinferno/lpchat/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeConn is a net.Conn whose inbound bytes are scripted and whose
// outbound bytes are captured. An empty inbound buffer behaves like a read
// deadline expiring.
type fakeConn struct {
	mu         sync.Mutex
	in         bytes.Buffer
	out        bytes.Buffer
	eof        bool
	closed     bool
	writeErr   error
	writeStall bool

	// writeChunk > 0 caps the bytes taken per Write; a longer write is cut
	// short with a deadline error.
	writeChunk int
	// room >= 0 caps the total bytes accepted before writes stall; -1 is
	// unlimited.
	room   int
	writes int
}

func (c *fakeConn) feed(m *wire.Message) {
	c.feedRaw(string(wire.Encode(m)))
}

func (c *fakeConn) feedRaw(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.WriteString(s)
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return 0, net.ErrClosed
	case c.in.Len() > 0:
		return c.in.Read(p)
	case c.eof:
		return 0, io.EOF
	default:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++
	switch {
	case c.closed:
		return 0, net.ErrClosed
	case c.writeErr != nil:
		return 0, c.writeErr
	case c.writeStall:
		return 0, os.ErrDeadlineExceeded
	}

	n := len(p)
	if c.writeChunk > 0 && n > c.writeChunk {
		n = c.writeChunk
	}
	if c.room >= 0 && n > c.room {
		n = c.room
	}
	if c.room >= 0 {
		c.room -= n
	}

	c.out.Write(p[:n])
	if n < len(p) {
		return n, os.ErrDeadlineExceeded
	}

	return n, nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *fakeConn) setRoom(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = n
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sent decodes and clears everything written so far.
func (c *fakeConn) sent(t *testing.T) []*wire.Message {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*wire.Message
	buf := c.out.Bytes()
	for len(buf) > 0 {
		m, n, err := wire.Decode(buf)
		require.NoError(t, err)
		out = append(out, m)
		buf = buf[n:]
	}

	c.out.Reset()
	return out
}

func (c *fakeConn) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4545} }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type harness struct {
	t      *testing.T
	now    time.Time
	reg    *registry.Registry
	users  *mocks.UserStore
	groups *mocks.GroupStore
	msgs   *mocks.MessageStore
	cfg    Config
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:      t,
		now:    time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		reg:    registry.New(logger.NewNopLogger()),
		users:  &mocks.UserStore{},
		groups: &mocks.GroupStore{},
		msgs:   &mocks.MessageStore{},
		cfg:    DefaultConfig(),
	}
}

// permissive registers catch-all expectations. Register specific ones
// before calling it; testify matches in registration order.
func (h *harness) permissive() *harness {
	h.users.On("Authenticate", mock.Anything, mock.Anything, mock.Anything).Return(store.User{}, nil).Maybe()
	h.users.On("SetLoggedIn", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.users.On("Followers", mock.Anything, mock.Anything).Return([]string(nil), nil).Maybe()
	h.users.On("Find", mock.Anything, mock.Anything).Return(store.User{}, nil).Maybe()
	h.msgs.On("Undelivered", mock.Anything, mock.Anything).Return([]store.StoredMessage(nil), nil).Maybe()
	h.msgs.On("Save", mock.Anything, mock.Anything).Return("key-1", nil).Maybe()
	h.msgs.On("MarkDelivered", mock.Anything, mock.Anything).Return(nil).Maybe()
	return h
}

func (h *harness) connect(id uint32) (*Session, *fakeConn) {
	conn := &fakeConn{room: -1}
	svc := Services{Users: h.users, Groups: h.groups, Messages: h.msgs}
	s := New(id, conn, h.reg, svc, h.cfg, logger.NewNopLogger(), WithClock(func() time.Time { return h.now }))
	return s, conn
}

// login connects a session, claims name and logs in, discarding replies.
func (h *harness) login(id uint32, name string) (*Session, *fakeConn) {
	s, conn := h.connect(id)
	conn.feed(wire.NewHello(name))
	conn.feed(wire.NewLogin(name, "secret123"))
	require.False(h.t, s.Tick())
	require.False(h.t, s.Tick())
	require.True(h.t, s.LoggedIn())
	conn.sent(h.t)
	return s, conn
}

func kinds(msgs []*wire.Message) []wire.Kind {
	out := make([]wire.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind()
	}

	return out
}

func TestHandshake(t *testing.T) {
	t.Run("hello binds the identity", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		assert.Equal(t, Unauthenticated, s.State())

		conn.feed(wire.NewHello("alice"))
		assert.False(t, s.Tick())

		assert.Equal(t, Initialized, s.State())
		assert.Equal(t, "alice", s.Identity())
		assert.False(t, s.LoggedIn())

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewAck("alice", wire.KindHello).Equal(got[0]))

		p, ok := h.reg.Lookup("alice")
		require.True(t, ok)
		assert.Same(t, s, p)
	})

	t.Run("no frame is not an error", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		assert.False(t, s.Tick())
		assert.Equal(t, Unauthenticated, s.State())
		assert.Empty(t, conn.sent(t))
	})

	t.Run("anything but hello is refused", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		conn.feed(wire.NewLogin("alice", "secret123"))
		assert.False(t, s.Tick())

		assert.Equal(t, Unauthenticated, s.State())
		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.Equal(t, wire.KindNak, got[0].Kind())
		assert.Equal(t, "LGN", got[0].Aux())
	})

	t.Run("colliding claims get synthesized names", func(t *testing.T) {
		h := newHarness(t)
		first, c1 := h.connect(1)
		second, c2 := h.connect(2)

		c1.feed(wire.NewHello("alice"))
		c2.feed(wire.NewHello("alice"))
		first.Tick()
		second.Tick()

		assert.Equal(t, "alice", first.Identity())
		assert.Equal(t, "invalid-alice-1", second.Identity())
		assert.Equal(t, "invalid-alice-1", c2.sent(t)[0].Payload())
	})

	t.Run("unknown kind is answered and survivable", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		conn.feedRaw("XYZ 1 a 2 -- 2 --")
		conn.feed(wire.NewHello("alice"))
		assert.False(t, s.Tick())
		assert.False(t, s.Tick())

		got := conn.sent(t)
		require.Len(t, got, 2)
		assert.Equal(t, wire.KindNak, got[0].Kind())
		assert.Equal(t, "XYZ", got[0].Aux())
		assert.Equal(t, Initialized, s.State())
	})

	t.Run("lowercase tag is an unknown kind, not a framing error", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.feed(wire.NewHello("alice"))
		require.False(t, s.Tick())
		conn.sent(t)

		conn.feedRaw("msu 5 alice 2 hi 3 bob")
		assert.False(t, s.Tick())

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewNak("unknown message kind", "msu").Equal(got[0]))
		assert.Equal(t, Initialized, s.State())
		assert.False(t, conn.isClosed())
	})
}

func TestTermination(t *testing.T) {
	t.Run("framing error terminates on the same tick", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		conn.feedRaw("HLO 3 abc X")
		assert.True(t, s.Tick())

		assert.Equal(t, Terminated, s.State())
		assert.True(t, conn.isClosed())
		h.users.AssertNotCalled(t, "SetLoggedIn", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("handshake timeout on a silent connection", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		h.now = h.now.Add(h.cfg.HandshakeTimeout)
		assert.False(t, s.Tick(), "deadline not yet passed")

		h.now = h.now.Add(time.Millisecond)
		assert.True(t, s.Tick())
		assert.Equal(t, Terminated, s.State())
		assert.True(t, conn.isClosed())
	})

	t.Run("idle timeout clears the login flag", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.login(1, "alice")

		h.now = h.now.Add(h.cfg.IdleTimeout / 2)
		conn.feed(wire.NewBroadcast("alice", "still here"))
		assert.False(t, s.Tick())

		h.now = h.now.Add(h.cfg.IdleTimeout)
		assert.False(t, s.Tick(), "the broadcast pushed the deadline")

		h.now = h.now.Add(time.Second)
		assert.True(t, s.Tick())

		h.users.AssertCalled(t, "SetLoggedIn", mock.Anything, "alice", false)
		_, ok := h.reg.Lookup("alice")
		assert.False(t, ok)
	})

	t.Run("peer close", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.login(1, "alice")

		conn.mu.Lock()
		conn.eof = true
		conn.mu.Unlock()

		assert.True(t, s.Tick())
		assert.Zero(t, h.reg.Len())
	})

	t.Run("bye is acknowledged before closing", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.connect(1)

		conn.feed(wire.NewHello("alice"))
		conn.feed(wire.NewBye("alice"))
		assert.False(t, s.Tick())
		assert.True(t, s.Tick())

		got := conn.sent(t)
		assert.Equal(t, []wire.Kind{wire.KindAck, wire.KindBye}, kinds(got))
		assert.True(t, conn.isClosed())
		assert.Zero(t, h.reg.Len())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, _ := h.login(1, "alice")

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.True(t, s.Tick())
		h.users.AssertNumberOfCalls(t, "SetLoggedIn", 2)
	})

	t.Run("enqueue after termination is dropped", func(t *testing.T) {
		h := newHarness(t)
		s, _ := h.connect(1)
		require.NoError(t, s.Close())

		s.Enqueue(wire.NewNotice("late", ""))
		assert.Zero(t, s.Pending())
	})
}

func TestFlush(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)

		s.Enqueue(wire.NewNotice("one", ""))
		s.Enqueue(wire.NewNotice("two", ""))
		s.Enqueue(wire.NewNotice("three", ""))
		assert.False(t, s.Tick())

		got := conn.sent(t)
		require.Len(t, got, 3)
		assert.Equal(t, "one", got[0].Payload())
		assert.Equal(t, "three", got[2].Payload())
		assert.Zero(t, s.Pending())
	})

	t.Run("hard write error terminates", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.writeErr = io.ErrClosedPipe

		s.Enqueue(wire.NewNotice("x", ""))
		assert.True(t, s.Tick())
	})

	t.Run("every frame dropped terminates", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.writeStall = true

		s.Enqueue(wire.NewNotice("x", ""))
		s.Enqueue(wire.NewNotice("y", ""))
		assert.True(t, s.Tick())
	})

	t.Run("stored messages are marked delivered once written", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("MarkDelivered", mock.Anything, "k1").Return(nil).Once()
		s, conn := h.connect(1)

		first := wire.NewDirect("alice", "k1 sent", "bob")
		conn.setRoom(len(wire.Encode(first)))
		s.EnqueueStored(first, "k1")
		s.EnqueueStored(wire.NewDirect("alice", "k2 dropped", "bob"), "k2")
		s.Enqueue(wire.NewNotice("plain", ""))
		h.msgs.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything)

		assert.False(t, s.Tick())
		h.msgs.AssertExpectations(t)
		h.msgs.AssertNotCalled(t, "MarkDelivered", mock.Anything, "k2")
		assert.Equal(t, 1, s.Pending(), "frames behind the dropped one wait")
	})

	t.Run("stalled peer costs one frame's attempts per tick", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.writeStall = true

		for range 50 {
			s.Enqueue(wire.NewNotice("x", ""))
		}
		assert.True(t, s.Tick())
		assert.Equal(t, h.cfg.SendAttempts, conn.writeCount())
	})

	t.Run("frames after a dropped one wait for the next tick", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		first := wire.NewNotice("one", "")
		conn.setRoom(len(wire.Encode(first)))

		s.Enqueue(first)
		s.Enqueue(wire.NewNotice("two", ""))
		s.Enqueue(wire.NewNotice("three", ""))
		s.Enqueue(wire.NewNotice("four", ""))
		assert.False(t, s.Tick())
		assert.Equal(t, 1+h.cfg.SendAttempts, conn.writeCount())
		assert.Equal(t, 2, s.Pending())

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.Equal(t, "one", got[0].Payload())

		s.Enqueue(wire.NewNotice("five", ""))
		conn.setRoom(-1)
		assert.False(t, s.Tick())

		got = conn.sent(t)
		require.Len(t, got, 3)
		assert.Equal(t, "three", got[0].Payload())
		assert.Equal(t, "four", got[1].Payload())
		assert.Equal(t, "five", got[2].Payload())
	})

	t.Run("short writes resume until the frame is complete", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		m := wire.NewNotice("x", "")
		frame := wire.Encode(m)
		conn.writeChunk = (len(frame) + h.cfg.SendAttempts - 1) / h.cfg.SendAttempts

		s.Enqueue(m)
		assert.False(t, s.Tick())
		assert.Equal(t, h.cfg.SendAttempts, conn.writeCount())

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, m.Equal(got[0]))
	})

	t.Run("frame still partial after the last attempt terminates", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.writeChunk = 2

		s.Enqueue(wire.NewNotice("a longer notice", ""))
		s.Enqueue(wire.NewNotice("never sent", ""))
		assert.True(t, s.Tick())
		assert.Equal(t, Terminated, s.State())
		assert.Equal(t, h.cfg.SendAttempts, conn.writeCount())
		assert.True(t, conn.isClosed())
	})

	t.Run("empty outbox never terminates", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.writeStall = true

		assert.False(t, s.Tick())
	})
}

func TestLogin(t *testing.T) {
	t.Run("successful login", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Authenticate", mock.Anything, "alice", "secret123").Return(store.User{Name: "alice"}, nil).Once()
		h.users.On("SetLoggedIn", mock.Anything, "alice", true).Return(nil).Once()
		h.permissive()

		s, conn := h.connect(1)
		conn.feedRaw("HLO 5 alice 2 -- 2 --")
		conn.feedRaw("LGN 5 alice 9 secret123 2 --")
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		assert.NotContains(t, kinds(got), wire.KindNak)
		assert.True(t, wire.NewAck("logged in", wire.KindLogin).Equal(got[len(got)-1]))
		assert.True(t, s.LoggedIn())
		h.users.AssertCalled(t, "SetLoggedIn", mock.Anything, "alice", true)
	})

	t.Run("wrong password", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Authenticate", mock.Anything, "alice", "nope").Return(store.User{}, store.ErrInvalidCredentials)

		s, conn := h.connect(1)
		conn.feed(wire.NewHello("alice"))
		conn.feed(wire.NewLogin("alice", "nope"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		require.Len(t, got, 2)
		assert.Equal(t, wire.KindNak, got[1].Kind())
		assert.Equal(t, store.ErrInvalidCredentials.Error(), got[1].Payload())
		assert.False(t, s.LoggedIn())
		h.users.AssertNotCalled(t, "SetLoggedIn", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store failure is a nak, not a crash", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Authenticate", mock.Anything, "alice", "secret123").Return(store.User{}, nil)
		h.users.On("SetLoggedIn", mock.Anything, "alice", true).Return(errors.New("disk on fire"))

		s, conn := h.connect(1)
		conn.feed(wire.NewHello("alice"))
		conn.feed(wire.NewLogin("alice", "secret123"))
		s.Tick()
		assert.False(t, s.Tick())

		got := conn.sent(t)
		assert.True(t, wire.NewNak("internal error", "LGN").Equal(got[len(got)-1]))
		assert.False(t, s.LoggedIn())
	})

	t.Run("queued messages are delivered at login", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("Undelivered", mock.Anything, "bob").Return([]store.StoredMessage{
			{Key: "k9", Kind: "MSU", Sender: "alice", Recipient: "bob", Aux: "bob", Text: "while you were out"},
		}, nil)
		h.msgs.On("MarkDelivered", mock.Anything, "k9").Return(nil).Once()
		h.permissive()

		s, conn := h.connect(1)
		conn.feed(wire.NewHello("bob"))
		conn.feed(wire.NewLogin("bob", "secret123"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		require.Len(t, got, 3)
		assert.True(t, wire.NewDirect("alice", "k9 while you were out", "bob").Equal(got[2]))
		h.msgs.AssertExpectations(t)
	})

	t.Run("followers are told", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Followers", mock.Anything, "alice").Return([]string{"bob", "carol"}, nil)
		h.permissive()

		_, bobConn := h.login(2, "bob")
		bob, _ := h.reg.Lookup("bob")

		h.login(1, "alice")
		bob.(*Session).Tick()

		got := bobConn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewNotice("alice is online", "presence").Equal(got[0]))
	})
}

func TestRegister(t *testing.T) {
	t.Run("creates the account and logs in", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Create", mock.Anything, "dave", "pw12").Return(store.User{Name: "dave"}, nil).Once()
		h.permissive()

		s, conn := h.connect(1)
		conn.feed(wire.NewHello("dave"))
		conn.feed(wire.NewRegister("dave", "pw12", "pw12"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		assert.True(t, wire.NewAck("registered", wire.KindRegister).Equal(got[1]))
		assert.True(t, s.LoggedIn())
	})

	t.Run("mismatched confirmation", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.feed(wire.NewHello("dave"))
		conn.feed(wire.NewRegister("dave", "pw12", "pw13"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		assert.True(t, wire.NewNak("passwords do not match", "REG").Equal(got[1]))
		h.users.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("synthesized names cannot register", func(t *testing.T) {
		h := newHarness(t)
		first, c1 := h.connect(1)
		c1.feed(wire.NewHello("dave"))
		first.Tick()

		s, conn := h.connect(2)
		conn.feed(wire.NewHello("dave"))
		conn.feed(wire.NewRegister("invalid-dave-1", "pw12", "pw12"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		assert.True(t, wire.NewNak("name is reserved", "REG").Equal(got[1]))
	})
}

func TestDispatch(t *testing.T) {
	t.Run("sender must match identity", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.login(1, "alice")

		conn.feed(wire.NewBroadcast("mallory", "hi"))
		s.Tick()

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewNak("sender does not match session identity", "BCT").Equal(got[0]))
	})

	t.Run("sender match ignores case", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.login(1, "alice")

		conn.feed(wire.NewBroadcast("ALICE", "hi"))
		s.Tick()

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.Equal(t, wire.KindBroadcast, got[0].Kind())
	})

	t.Run("login required", func(t *testing.T) {
		h := newHarness(t)
		s, conn := h.connect(1)
		conn.feed(wire.NewHello("alice"))
		conn.feed(wire.NewBroadcast("alice", "hi"))
		s.Tick()
		s.Tick()

		got := conn.sent(t)
		assert.True(t, wire.NewNak("login required", "BCT").Equal(got[1]))
	})

	t.Run("server kinds are unexpected", func(t *testing.T) {
		h := newHarness(t).permissive()
		s, conn := h.login(1, "alice")

		conn.feed(wire.New(wire.KindHello, "alice", "", ""))
		conn.feed(wire.New(wire.KindAck, "alice", "x", ""))
		s.Tick()
		s.Tick()

		for _, m := range conn.sent(t) {
			assert.Equal(t, "unexpected message", m.Payload())
		}
	})

	t.Run("broadcast reaches every initialized session once", func(t *testing.T) {
		h := newHarness(t).permissive()
		alice, aliceConn := h.login(1, "alice")
		bob, bobConn := h.login(2, "bob")
		pending, pendingConn := h.connect(3)

		aliceConn.feed(wire.NewBroadcast("alice", "hello all"))
		alice.Tick()
		bob.Tick()
		bob.Tick()
		pending.Tick()

		assert.Len(t, aliceConn.sent(t), 1, "sender gets its own echo")
		assert.Len(t, bobConn.sent(t), 1)
		assert.Empty(t, pendingConn.sent(t))
	})
}

func TestDirectMessages(t *testing.T) {
	t.Run("online recipient gets the stamped copy", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return sm.Sender == "alice" && sm.Recipient == "bob" && !sm.Delivered && sm.Kind == "MSU"
		})).Return("k1", nil).Once()
		h.msgs.On("MarkDelivered", mock.Anything, "k1").Return(nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		bob, bobConn := h.login(2, "bob")

		aliceConn.feed(wire.NewDirect("alice", "hello bob", "bob"))
		alice.Tick()
		h.msgs.AssertNotCalled(t, "MarkDelivered", mock.Anything, "k1")
		bob.Tick()

		assert.True(t, wire.NewAck("k1", wire.KindDirect).Equal(aliceConn.sent(t)[0]))
		got := bobConn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewDirect("alice", "k1 hello bob", "bob").Equal(got[0]))
		h.msgs.AssertExpectations(t)
	})

	t.Run("offline recipient is queued", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return sm.Recipient == "bob" && !sm.Delivered
		})).Return("k2", nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		aliceConn.feed(wire.NewDirect("alice", "later", "bob"))
		alice.Tick()

		assert.True(t, wire.NewAck("k2", wire.KindDirect).Equal(aliceConn.sent(t)[0]))
		h.msgs.AssertExpectations(t)
		h.msgs.AssertNotCalled(t, "MarkDelivered", mock.Anything, "k2")
	})

	t.Run("copy that never reaches the socket stays undelivered", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("Save", mock.Anything, mock.Anything).Return("k7", nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		bob, bobConn := h.login(2, "bob")

		aliceConn.feed(wire.NewDirect("alice", "lost", "bob"))
		alice.Tick()
		bobConn.mu.Lock()
		bobConn.writeStall = true
		bobConn.mu.Unlock()

		assert.True(t, bob.Tick())
		assert.Equal(t, Terminated, bob.State())
		h.msgs.AssertNotCalled(t, "MarkDelivered", mock.Anything, "k7")
	})

	t.Run("unauthenticated holder of the name is not a recipient", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return !sm.Delivered
		})).Return("k3", nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		impostor, impostorConn := h.connect(2)
		impostorConn.feed(wire.NewHello("bob"))
		impostor.Tick()
		impostorConn.sent(t)

		aliceConn.feed(wire.NewDirect("alice", "secret", "bob"))
		alice.Tick()
		impostor.Tick()

		assert.Empty(t, impostorConn.sent(t))
		h.msgs.AssertExpectations(t)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Find", mock.Anything, "ghost").Return(store.User{}, store.ErrNotFound)
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.NewDirect("alice", "boo", "ghost"))
		alice.Tick()

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.Equal(t, wire.KindNak, got[0].Kind())
		h.msgs.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("private reply goes to the original sender", func(t *testing.T) {
		h := newHarness(t)
		h.msgs.On("ResolveSender", mock.Anything, "k1").Return("alice", nil)
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return sm.Kind == "PRE" && sm.Recipient == "alice" && sm.Aux == "k1"
		})).Return("k5", nil).Once()
		h.permissive()

		_, aliceConn := h.login(1, "alice")
		alice, _ := h.reg.Lookup("alice")
		bob, bobConn := h.login(2, "bob")

		bobConn.feed(wire.NewPrivateReply("bob", "got it", "k1"))
		bob.Tick()
		alice.(*Session).Tick()

		got := aliceConn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewPrivateReply("bob", "k5 got it", "k1").Equal(got[0]))
	})
}

func TestGroups(t *testing.T) {
	ops := store.Group{Name: "ops", Moderator: "alice", Members: []string{"alice", "bob", "carol"}}

	t.Run("group message fans out to other members", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("Find", mock.Anything, "ops").Return(ops, nil)
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return sm.Recipient == "bob" && sm.Group == "ops" && !sm.Delivered
		})).Return("kb", nil).Once()
		h.msgs.On("Save", mock.Anything, mock.MatchedBy(func(sm store.StoredMessage) bool {
			return sm.Recipient == "carol" && !sm.Delivered
		})).Return("kc", nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		bob, bobConn := h.login(2, "bob")

		aliceConn.feed(wire.NewGroupMessage("alice", "standup", "ops"))
		alice.Tick()
		bob.Tick()

		assert.True(t, wire.NewAck("ops", wire.KindGroupMessage).Equal(aliceConn.sent(t)[0]))
		got := bobConn.sent(t)
		require.Len(t, got, 1)
		assert.True(t, wire.NewGroupMessage("alice", "kb standup", "ops").Equal(got[0]))
		h.msgs.AssertExpectations(t)
	})

	t.Run("non member cannot post", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("Find", mock.Anything, "ops").Return(ops, nil)
		h.permissive()

		dave, conn := h.login(1, "dave")
		conn.feed(wire.NewGroupMessage("dave", "hi", "ops"))
		dave.Tick()

		assert.True(t, wire.NewNak("not a member", "GRM").Equal(conn.sent(t)[0]))
	})

	t.Run("create", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("Create", mock.Anything, "ops", "alice").Return(ops, nil).Once()
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindCreateGroup, "alice", "ops", ""))
		alice.Tick()

		assert.True(t, wire.NewAck("ops", wire.KindCreateGroup).Equal(conn.sent(t)[0]))
	})

	t.Run("moderator only operations", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("IsModerator", mock.Anything, "ops", "bob").Return(false, nil)
		h.permissive()

		bob, conn := h.login(1, "bob")
		conn.feed(wire.New(wire.KindDeleteGroup, "bob", "ops", ""))
		conn.feed(wire.New(wire.KindAddToGroup, "bob", "ops", "dave"))
		conn.feed(wire.New(wire.KindUpdateGroup, "bob", "ops", "description=x"))
		conn.feed(wire.New(wire.KindRemoveFromGroup, "bob", "ops", "carol"))
		for range 4 {
			bob.Tick()
		}

		for _, m := range conn.sent(t) {
			assert.Equal(t, "only the moderator can do that", m.Payload())
		}

		h.groups.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("add notifies the new member", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("IsModerator", mock.Anything, "ops", "alice").Return(true, nil)
		h.groups.On("AddMember", mock.Anything, "ops", "bob").Return(nil).Once()
		h.permissive()

		alice, aliceConn := h.login(1, "alice")
		bob, bobConn := h.login(2, "bob")

		aliceConn.feed(wire.New(wire.KindAddToGroup, "alice", "ops", "bob"))
		alice.Tick()
		bob.Tick()

		assert.True(t, wire.NewAck("bob", wire.KindAddToGroup).Equal(aliceConn.sent(t)[0]))
		assert.True(t, wire.NewNotice("alice added you to ops", "ops").Equal(bobConn.sent(t)[0]))
	})

	t.Run("members may leave on their own", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("RemoveMember", mock.Anything, "ops", "bob").Return(nil).Once()
		h.permissive()

		bob, conn := h.login(1, "bob")
		conn.feed(wire.New(wire.KindRemoveFromGroup, "bob", "ops", "bob"))
		bob.Tick()

		assert.True(t, wire.NewAck("bob", wire.KindRemoveFromGroup).Equal(conn.sent(t)[0]))
		h.groups.AssertNotCalled(t, "IsModerator", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("update group", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("IsModerator", mock.Anything, "ops", "alice").Return(true, nil)
		h.groups.On("Update", mock.Anything, "ops", "description", "on call").Return(nil).Once()
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindUpdateGroup, "alice", "ops", "description=on call"))
		conn.feed(wire.New(wire.KindUpdateGroup, "alice", "ops", "nonsense"))
		alice.Tick()
		alice.Tick()

		got := conn.sent(t)
		require.Len(t, got, 2)
		assert.True(t, wire.NewAck("description", wire.KindUpdateGroup).Equal(got[0]))
		assert.True(t, wire.NewNak("expected attribute=value", "UPG").Equal(got[1]))
	})

	t.Run("group info", func(t *testing.T) {
		h := newHarness(t)
		h.groups.On("Find", mock.Anything, "ops").Return(ops, nil)
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindGroupInfo, "alice", "ops", ""))
		alice.Tick()

		got := conn.sent(t)
		require.Len(t, got, 1)
		assert.Equal(t, "ops moderator=alice members=alice,bob,carol online=alice", got[0].Payload())
	})
}

func TestProfileAndFollows(t *testing.T) {
	t.Run("update profile", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("UpdateProfile", mock.Anything, "alice", "status", "away").Return(nil).Once()
		h.users.On("UpdateProfile", mock.Anything, "alice", "shoe", "9").Return(store.ErrUnknownAttribute).Once()
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindUpdateUser, "alice", "status", "away"))
		conn.feed(wire.New(wire.KindUpdateUser, "alice", "shoe", "9"))
		alice.Tick()
		alice.Tick()

		got := conn.sent(t)
		require.Len(t, got, 2)
		assert.Equal(t, wire.KindAck, got[0].Kind())
		assert.True(t, wire.NewNak(store.ErrUnknownAttribute.Error(), "UPU").Equal(got[1]))
	})

	t.Run("delete account ends the session", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Delete", mock.Anything, "alice").Return(nil).Once()
		h.users.On("SetLoggedIn", mock.Anything, "alice", false).Return(store.ErrNotFound)
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindDeleteUser, "alice", "", ""))
		assert.True(t, alice.Tick())

		assert.True(t, wire.NewAck("account deleted", wire.KindDeleteUser).Equal(conn.sent(t)[0]))
		assert.Zero(t, h.reg.Len())
	})

	t.Run("follow and unfollow", func(t *testing.T) {
		h := newHarness(t)
		h.users.On("Follow", mock.Anything, "alice", "bob").Return(nil).Once()
		h.users.On("Unfollow", mock.Anything, "alice", "bob").Return(store.ErrNotFound).Once()
		h.permissive()

		alice, conn := h.login(1, "alice")
		conn.feed(wire.New(wire.KindFollow, "alice", "", "bob"))
		conn.feed(wire.New(wire.KindUnfollow, "alice", "", "bob"))
		conn.feed(wire.New(wire.KindFollow, "alice", "", "alice"))
		for range 3 {
			alice.Tick()
		}

		got := conn.sent(t)
		require.Len(t, got, 3)
		assert.True(t, wire.NewAck("bob", wire.KindFollow).Equal(got[0]))
		assert.Equal(t, wire.KindNak, got[1].Kind())
		assert.True(t, wire.NewNak("cannot follow yourself", "FWU").Equal(got[2]))
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "initialized", Initialized.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "unknown", State(9).String())
}
