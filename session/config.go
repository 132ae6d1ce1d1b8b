package session

import (
	"time"

	"github.com/cyberinferno/lpchat/framereader"
	"github.com/cyberinferno/lpchat/store"
)

// Config holds the per-session timing knobs.
type Config struct {
	// HandshakeTimeout bounds how long a connection may stay
	// Unauthenticated.
	HandshakeTimeout time.Duration

	// IdleTimeout disconnects an Initialized session that sends nothing.
	IdleTimeout time.Duration

	// ReadWait bounds each socket read of a tick.
	ReadWait time.Duration

	// WriteWait bounds each write attempt during a flush.
	WriteWait time.Duration

	// SendAttempts is how many write attempts one outbound frame gets.
	SendAttempts int

	// StoreTimeout bounds every call into the stores.
	StoreTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		ReadWait:         framereader.DefaultReadWait,
		WriteWait:        50 * time.Millisecond,
		SendAttempts:     3,
		StoreTimeout:     2 * time.Second,
	}
}

// Services bundles the stores a session talks to.
type Services struct {
	Users    store.UserStore
	Groups   store.GroupStore
	Messages store.MessageStore
}
