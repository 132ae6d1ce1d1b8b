// Package session implements the per-connection protocol state machine.
//
// A Session never blocks its caller: the scheduler calls Tick at a fixed
// interval and each tick reads at most one frame, handles it, flushes the
// outbox and checks the inactivity deadline. Other sessions reach it only
// through Enqueue.
package session

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/lpchat/framereader"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/registry"
	"github.com/cyberinferno/lpchat/store"
	"github.com/cyberinferno/lpchat/wire"
)

// State is the lifecycle position of a session.
type State int32

const (
	Unauthenticated State = iota
	Initialized
	Terminated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Initialized:
		return "initialized"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now for deadline bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

var _ registry.Recipient = (*Session)(nil)

// Session is one client connection. Tick and Close may be called from any
// goroutine but never run concurrently with each other; Enqueue and the
// accessors are safe from anywhere.
type Session struct {
	id       uint32
	conn     net.Conn
	reader   *framereader.FrameReader
	registry *registry.Registry
	svc      Services
	cfg      Config
	logger   logger.Logger
	now      func() time.Time

	state    atomic.Int32
	identity atomic.Pointer[string]
	loggedIn atomic.Bool

	outboxMu sync.Mutex
	outbox   []outgoing

	// tickMu serializes Tick and Close. Fields below it belong to the
	// goroutine holding it.
	tickMu     sync.Mutex
	deadline   time.Time
	stopReason string
}

// New wraps an accepted connection. The handshake deadline starts now.
//
// Parameters:
//   - id: Process-unique session id
//   - conn: The accepted connection; the session owns and closes it
//   - reg: Registry the identity is bound in
//   - svc: Stores used by protocol handlers
//   - cfg: Timeouts and retry limits
//   - log: Base logger; session and remote fields are added
func New(id uint32, conn net.Conn, reg *registry.Registry, svc Services, cfg Config, log logger.Logger, opts ...Option) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		registry: reg,
		svc:      svc,
		cfg:      cfg,
		now:      time.Now,
		logger: log.With(
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.reader = framereader.New(conn, framereader.WithReadWait(cfg.ReadWait))
	s.deadline = s.now().Add(cfg.HandshakeTimeout)
	return s
}

func (s *Session) ID() uint32 { return s.id }

// Identity returns the bound name, or "" while Unauthenticated.
func (s *Session) Identity() string {
	if p := s.identity.Load(); p != nil {
		return *p
	}

	return ""
}

func (s *Session) State() State { return State(s.state.Load()) }

// Initialized reports whether the identity claim has been accepted and the
// session has not terminated.
func (s *Session) Initialized() bool { return s.State() == Initialized }

// LoggedIn reports whether the client authenticated as the account named
// by its identity.
func (s *Session) LoggedIn() bool { return s.loggedIn.Load() }

// Tick runs one scheduling step.
//
// Returns:
//   - true once the session is Terminated and may be dropped
func (s *Session) Tick() bool {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	switch s.State() {
	case Terminated:
		return true
	case Unauthenticated:
		s.handshake()
	case Initialized:
		s.receive()
	}

	s.flush()

	if s.stopReason == "" && s.now().After(s.deadline) {
		if s.State() == Unauthenticated {
			s.stop("handshake timeout")
		} else {
			s.stop("idle timeout")
		}
	}

	if s.stopReason != "" {
		s.terminate(s.stopReason)
		return true
	}

	return false
}

// Close terminates the session outside the tick schedule, for example at
// server shutdown. Calling it again is a no-op.
func (s *Session) Close() error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.terminate("closed by server")
	return nil
}

// handshake waits for the identity claim.
func (s *Session) handshake() {
	f, ok := s.poll()
	if !ok {
		return
	}

	if f.Err != nil {
		s.reject(f.Err)
		return
	}

	m := f.Message
	if m.Kind() != wire.KindHello || m.Sender() == "" {
		s.nak("identify with HLO first", m.Kind())
		return
	}

	bound := s.registry.Register(m.Sender(), s)
	s.identity.Store(&bound)
	s.state.Store(int32(Initialized))
	s.deadline = s.now().Add(s.cfg.IdleTimeout)
	s.logger = s.logger.With(logger.Field{Key: "identity", Value: bound})
	s.logger.Info("identity bound", logger.Field{Key: "claimed", Value: m.Sender()})

	s.Enqueue(wire.NewAck(bound, wire.KindHello))
}

// receive handles at most one frame from an identified client.
func (s *Session) receive() {
	f, ok := s.poll()
	if !ok {
		return
	}

	if f.Err != nil {
		s.reject(f.Err)
		return
	}

	m := f.Message
	if !strings.EqualFold(m.Sender(), s.Identity()) {
		s.logger.Warn("sender mismatch", logger.Field{Key: "sender", Value: m.Sender()})
		s.nak("sender does not match session identity", m.Kind())
		return
	}

	s.deadline = s.now().Add(s.cfg.IdleTimeout)
	s.dispatch(m)
}

// poll reads one frame. Fatal reader errors request termination.
func (s *Session) poll() (framereader.Frame, bool) {
	f, ok, err := s.reader.Poll()
	switch {
	case err == nil:
		return f, ok
	case errors.Is(err, wire.ErrFraming):
		s.logger.Warn("framing error", logger.Field{Key: "error", Value: err})
		s.stop("framing error")
	case errors.Is(err, framereader.ErrPeerClosed):
		s.stop("peer closed")
	default:
		s.logger.Warn("read failed", logger.Field{Key: "error", Value: err})
		s.stop("read error")
	}

	return framereader.Frame{}, false
}

// reject answers a recoverable protocol violation such as an unknown tag.
func (s *Session) reject(err error) {
	var unknown *wire.UnknownKindError
	if errors.As(err, &unknown) {
		s.logger.Debug("unknown message kind", logger.Field{Key: "tag", Value: unknown.Tag})
		s.Enqueue(wire.NewNak("unknown message kind", unknown.Tag))
		return
	}

	s.Enqueue(wire.NewNak("protocol violation", ""))
}

// stop requests termination at the end of the current tick. The first
// reason wins.
func (s *Session) stop(reason string) {
	if s.stopReason == "" {
		s.stopReason = reason
	}
}

// terminate closes the connection and releases everything bound to the
// session. Only the first call has an effect.
func (s *Session) terminate(reason string) {
	prev := State(s.state.Swap(int32(Terminated)))
	if prev == Terminated {
		return
	}

	s.logger.Info("session terminated", logger.Field{Key: "reason", Value: reason})

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close connection", logger.Field{Key: "error", Value: err})
	}

	s.outboxMu.Lock()
	s.outbox = nil
	s.outboxMu.Unlock()

	if prev != Initialized {
		return
	}

	s.registry.Deregister(s)

	ctx, cancel := s.storeContext()
	defer cancel()

	if s.loggedIn.Swap(false) {
		s.notifyFollowers(ctx, "offline")
	}

	if err := s.svc.Users.SetLoggedIn(ctx, s.Identity(), false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}

		s.logger.Warn("clear logged-in flag", logger.Field{Key: "error", Value: err})
	}
}

func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
}
