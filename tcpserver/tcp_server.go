// Package tcpserver accepts TCP connections and drives their sessions from
// a fixed pool of workers. Accept is the only blocking call; sessions do
// their work in short Tick steps handed out by a periodic scheduler.
package tcpserver

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/lpchat/idgenerator"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/safemap"
	"github.com/cyberinferno/lpchat/safeset"
)

// DefaultTickInterval is how often every live session is scheduled.
const DefaultTickInterval = 10 * time.Millisecond

// NewSessionFunc creates the session for an accepted connection.
type NewSessionFunc func(id uint32, conn net.Conn) TCPServerSession

// TCPServer owns the listener, the session table and the worker pool.
// Exported fields may be adjusted between NewTCPServer and Start.
type TCPServer struct {
	Logger       logger.Logger
	Name         string
	Addr         string
	Listener     net.Listener
	Sessions     *safemap.SafeMap[uint32, TCPServerSession]
	Running      atomic.Bool
	NewSession   NewSessionFunc
	IdGenerator  *idgenerator.IdGenerator
	Workers      int
	TickInterval time.Duration

	// busy holds the ids of sessions queued or ticking right now.
	busy *safeset.SafeSet[uint32]
	jobs chan TCPServerSession
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewTCPServer returns a server with one worker per CPU and the default
// tick interval.
//
// Parameters:
//   - name: Used in log messages
//   - addr: Listen address, e.g. ":4545"; port 0 picks a free port
//   - newSession: Session factory called for every accepted connection
//   - log: Server logger
func NewTCPServer(name, addr string, newSession NewSessionFunc, log logger.Logger) *TCPServer {
	return &TCPServer{
		Logger:       log,
		Name:         name,
		Addr:         addr,
		Sessions:     safemap.NewSafeMap[uint32, TCPServerSession](),
		NewSession:   newSession,
		IdGenerator:  idgenerator.NewIdGenerator(0),
		Workers:      runtime.NumCPU(),
		TickInterval: DefaultTickInterval,
	}
}

// Start binds Addr and launches the accept loop, the scheduler and the
// workers.
//
// Returns:
//   - An error if the server is already running or listening fails
func (s *TCPServer) Start() error {
	if s.Running.Load() {
		s.Logger.Error(fmt.Sprintf("%s server already running", s.Name))
		return fmt.Errorf("server %s already running", s.Name)
	}

	if s.Workers < 1 || s.TickInterval <= 0 {
		return fmt.Errorf("server %s: workers and tick interval must be positive", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error(fmt.Sprintf("%s server failed to start", s.Name), logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.busy = safeset.NewSafeSet[uint32]()
	s.jobs = make(chan TCPServerSession, s.Workers)
	s.quit = make(chan struct{})
	s.Running.Store(true)

	s.wg.Add(s.Workers + 1)
	for range s.Workers {
		go s.worker()
	}
	go s.scheduleLoop()

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "workers", Value: s.Workers})
	go s.AcceptLoop()

	return nil
}

// Stop closes the listener, waits for in-flight ticks to finish and closes
// every remaining session. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.Swap(false) {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return
	}

	_ = s.Listener.Close()
	close(s.quit)
	s.wg.Wait()

	s.Sessions.Range(func(id uint32, session TCPServerSession) bool {
		if err := session.Close(); err != nil {
			s.Logger.Warn("session close failed",
				logger.Field{Key: "session", Value: id},
				logger.Field{Key: "error", Value: err})
		}

		s.RemoveSession(id)
		return true
	})

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// AddSession stores a session under id, making it eligible for scheduling.
// It is safe for concurrent use.
//
// Parameters:
//   - id: The session ID to associate with the session
//   - session: The session to store
func (s *TCPServer) AddSession(id uint32, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession drops the session with the given id. The scheduler stops
// queueing it from the next interval on.
//
// Parameters:
//   - id: The session ID to remove
func (s *TCPServer) RemoveSession(id uint32) {
	s.Sessions.Delete(id)
}

// GetSession returns the session for the given id, if present.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if found, or a zero value and false otherwise
func (s *TCPServer) GetSession(id uint32) (TCPServerSession, bool) {
	return s.Sessions.Load(id)
}

// SessionCount returns the number of live sessions.
func (s *TCPServer) SessionCount() int {
	return s.Sessions.Len()
}

// AcceptLoop accepts connections until the server stops. Each connection
// gets an id from IdGenerator and a session from NewSession.
func (s *TCPServer) AcceptLoop() {
	for s.Running.Load() {
		conn, err := s.Listener.Accept()
		if err != nil {
			if !s.Running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			continue
		}

		id := s.IdGenerator.Id()
		session := s.NewSession(id, conn)
		s.AddSession(id, session)
		s.Logger.Debug("connection accepted",
			logger.Field{Key: "session", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})

		if !s.Running.Load() {
			_ = session.Close()
			s.RemoveSession(id)
		}
	}
}

// scheduleLoop queues every idle session once per interval.
func (s *TCPServer) scheduleLoop() {
	defer s.wg.Done()
	defer close(s.jobs)

	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}

		stopped := false
		s.Sessions.Range(func(id uint32, session TCPServerSession) bool {
			if !s.busy.TryAdd(id) {
				return true
			}

			// Range may still yield a session a worker has just removed.
			if !s.Sessions.Has(id) {
				s.busy.Remove(id)
				return true
			}

			select {
			case s.jobs <- session:
				return true
			case <-s.quit:
				s.busy.Remove(id)
				stopped = true
				return false
			}
		})

		if stopped {
			return
		}
	}
}

func (s *TCPServer) worker() {
	defer s.wg.Done()

	for session := range s.jobs {
		id := session.ID()
		start := time.Now()
		done := session.Tick()
		if elapsed := time.Since(start); elapsed > s.TickInterval {
			s.Logger.Warn("slow session tick",
				logger.Field{Key: "session", Value: id},
				logger.Field{Key: "elapsed", Value: elapsed.String()})
		}

		if done {
			s.RemoveSession(id)
		}

		s.busy.Remove(id)
	}
}
