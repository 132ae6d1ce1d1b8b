// Package framereader turns a byte stream into complete wire messages
// without blocking the caller. Each Poll performs at most one short read,
// scans every complete frame out of the receive buffer and keeps a trailing
// partial frame for the next call.
package framereader

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cyberinferno/lpchat/wire"
)

// BufferSize is the fixed capacity of the receive buffer.
const BufferSize = wire.MaxFrameSize

// DefaultReadWait bounds each read when the reader runs in non-blocking mode.
const DefaultReadWait = time.Millisecond

var (
	// ErrPeerClosed is returned once the remote end has closed the stream
	// and every frame received before that has been handed out.
	ErrPeerClosed = fmt.Errorf("peer closed connection: %w", io.EOF)

	// ErrBufferOverflow means the buffer filled up without holding a single
	// complete frame.
	ErrBufferOverflow = fmt.Errorf("%w: receive buffer full without a complete frame", wire.ErrFraming)
)

// Conn is the part of net.Conn the reader needs.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Frame is one decoded frame. Err is set, and Message is nil, when the
// frame was well formed but carried an unknown tag (*wire.UnknownKindError).
type Frame struct {
	Message *wire.Message
	Err     error
}

// Option configures a FrameReader.
type Option func(*FrameReader)

// WithReadWait sets how long one read may wait for data. Zero disables the
// deadline, making reads blocking; that mode suits a dedicated read loop.
func WithReadWait(d time.Duration) Option {
	return func(r *FrameReader) {
		r.readWait = d
	}
}

// FrameReader assembles frames out of partial reads. It is owned by a single
// goroutine and is not safe for concurrent use.
type FrameReader struct {
	conn     Conn
	buf      []byte
	filled   int
	ready    []Frame
	readWait time.Duration

	// fatal is a framing error; it is reported before any queued frame.
	fatal error
	// readErr is reported only after the ready queue has drained.
	readErr error
}

// New creates a reader over conn with a BufferSize receive buffer.
func New(conn Conn, opts ...Option) *FrameReader {
	r := &FrameReader{
		conn:     conn,
		buf:      make([]byte, BufferSize),
		readWait: DefaultReadWait,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Poll returns the next complete frame, reading from the connection first
// if no frame is already queued. It never waits longer than the configured
// read wait.
//
// Returns:
//   - The frame and true if one was ready
//   - A Frame{} and false if nothing is ready yet
//   - An error wrapping wire.ErrFraming, ErrPeerClosed or the underlying
//     read error. Errors are sticky: every later call returns the same one.
func (r *FrameReader) Poll() (Frame, bool, error) {
	if r.fatal != nil {
		return Frame{}, false, r.fatal
	}

	if len(r.ready) == 0 && r.readErr == nil {
		r.fill()
		if r.fatal != nil {
			return Frame{}, false, r.fatal
		}
	}

	if len(r.ready) > 0 {
		f := r.ready[0]
		r.ready[0] = Frame{}
		r.ready = r.ready[1:]
		return f, true, nil
	}

	return Frame{}, false, r.readErr
}

// Buffered returns the number of received bytes not yet decoded.
func (r *FrameReader) Buffered() int {
	return r.filled
}

// Ready returns the number of decoded frames waiting to be polled.
func (r *FrameReader) Ready() int {
	return len(r.ready)
}

// fill performs one read into the free part of the buffer and scans it.
func (r *FrameReader) fill() {
	if r.readWait > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.readWait)); err != nil {
			r.readErr = fmt.Errorf("set read deadline: %w", err)
			return
		}
	}

	n, err := r.conn.Read(r.buf[r.filled:])
	r.filled += n

	if err != nil && !isTimeout(err) {
		if errors.Is(err, io.EOF) {
			r.readErr = ErrPeerClosed
		} else {
			r.readErr = fmt.Errorf("read: %w", err)
		}
	}

	if n > 0 {
		r.scan()
	}
}

// scan decodes every complete frame in the filled region, then moves the
// unconsumed tail to the front of the buffer.
func (r *FrameReader) scan() {
	off := 0
	for off < r.filled {
		msg, n, err := wire.Decode(r.buf[off:r.filled])
		if errors.Is(err, wire.ErrIncomplete) {
			break
		}

		if errors.Is(err, wire.ErrFraming) {
			r.fatal = err
			return
		}

		off += n
		r.ready = append(r.ready, Frame{Message: msg, Err: err})
	}

	if off > 0 {
		r.filled = copy(r.buf, r.buf[off:r.filled])
	}

	if r.filled == len(r.buf) {
		r.fatal = ErrBufferOverflow
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
