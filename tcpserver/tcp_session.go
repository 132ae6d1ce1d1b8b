package tcpserver

// TCPServerSession is one accepted connection as seen by the scheduler. The
// server never reads or writes the connection itself; it only calls Tick
// periodically from its worker pool.
type TCPServerSession interface {
	// ID returns the identifier assigned by the server at accept time.
	ID() uint32

	// Tick performs one bounded, non-blocking step of work. The server never
	// runs two ticks of the same session concurrently.
	//
	// Returns:
	//   - true when the session has finished and should be dropped
	Tick() bool

	// Close ends the session from outside the schedule, e.g. at shutdown.
	// It must be safe to call more than once.
	Close() error
}
