package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/wire"
)

var (
	// errSendExhausted means no byte of the frame could be written within
	// the attempt budget. The frame is dropped; the stream is still intact.
	errSendExhausted = errors.New("send attempts exhausted")

	// errPartialWrite means the budget ran out mid-frame, which leaves the
	// peer's stream unparseable.
	errPartialWrite = errors.New("frame partially written")
)

// outgoing is a queued frame. key names the stored message behind it, if
// any, so delivery is recorded only once the frame is written.
type outgoing struct {
	msg *wire.Message
	key string
}

// Enqueue appends m to the outbox. It never blocks and drops m once the
// session has terminated.
func (s *Session) Enqueue(m *wire.Message) {
	s.push(outgoing{msg: m})
}

// EnqueueStored is Enqueue for a persisted message: after m is flushed the
// message behind key is marked delivered. If m never gets out it stays
// undelivered and is offered again at the recipient's next login.
func (s *Session) EnqueueStored(m *wire.Message, key string) {
	s.push(outgoing{msg: m, key: key})
}

func (s *Session) push(o outgoing) {
	if s.State() == Terminated {
		return
	}

	s.outboxMu.Lock()
	s.outbox = append(s.outbox, o)
	s.outboxMu.Unlock()
}

// Pending returns the number of queued outbound messages.
func (s *Session) Pending() int {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return len(s.outbox)
}

func (s *Session) drain() []outgoing {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	batch := s.outbox
	s.outbox = nil
	return batch
}

// flush writes queued messages in FIFO order. A hard write error stops the
// flush and requests termination. A frame that cannot be started within its
// attempts is dropped and ends the flush: the rest go back to the head of
// the outbox for the next tick. When that happens before any frame got out,
// the whole batch counts as failed and termination is requested.
func (s *Session) flush() {
	batch := s.drain()
	if len(batch) == 0 {
		return
	}

	var sent []string
	defer func() { s.markDelivered(sent) }()

	for i, o := range batch {
		err := s.send(wire.Encode(o.msg))
		if err == nil {
			if o.key != "" {
				sent = append(sent, o.key)
			}
			continue
		}

		if errors.Is(err, errSendExhausted) {
			s.logger.Warn("outbound frame dropped",
				logger.Field{Key: "kind", Value: o.msg.Kind().Tag()},
				logger.Field{Key: "attempts", Value: s.cfg.SendAttempts},
				logger.Field{Key: "deferred", Value: len(batch) - i - 1})
			if i == 0 {
				s.stop("delivery failed")
				return
			}

			s.requeue(batch[i+1:])
			return
		}

		s.logger.Warn("write failed",
			logger.Field{Key: "error", Value: err},
			logger.Field{Key: "unsent", Value: len(batch) - i})
		s.stop("write failed")
		return
	}
}

// markDelivered records that the stored messages behind keys reached the
// socket.
func (s *Session) markDelivered(keys []string) {
	if len(keys) == 0 {
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	for _, key := range keys {
		if err := s.svc.Messages.MarkDelivered(ctx, key); err != nil {
			s.logger.Warn("mark delivered", logger.Field{Key: "key", Value: key}, logger.Field{Key: "error", Value: err})
		}
	}
}

// requeue puts rest back in front of anything enqueued since the drain.
func (s *Session) requeue(rest []outgoing) {
	if len(rest) == 0 {
		return
	}

	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	s.outbox = append(append(make([]outgoing, 0, len(rest)+len(s.outbox)), rest...), s.outbox...)
}

// send writes frame with up to SendAttempts deadline-bounded attempts,
// resuming after partial writes.
func (s *Session) send(frame []byte) error {
	total := len(frame)
	for attempt := 0; attempt < s.cfg.SendAttempts && len(frame) > 0; attempt++ {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}

		n, err := s.conn.Write(frame)
		frame = frame[n:]
		if err != nil && !isTimeout(err) {
			return err
		}
	}

	switch {
	case len(frame) == 0:
		return nil
	case len(frame) < total:
		return errPartialWrite
	default:
		return errSendExhausted
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
