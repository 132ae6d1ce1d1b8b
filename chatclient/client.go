// Package chatclient is an event-driven client for the chat server. It
// claims an identity on connect, sends requests as wire messages and reports
// connection state changes, inbound messages and errors through handlers.
// It supports optional auto-reconnect.
package chatclient

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/lpchat/framereader"
	"github.com/cyberinferno/lpchat/logger"
	"github.com/cyberinferno/lpchat/wire"
)

var (
	ErrClosed           = errors.New("client is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Connected and HLO sent
	Reconnecting                        // Waiting to reconnect (AutoReconnect only)
	Closed                              // Client has been closed and will not reconnect
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// MessageEvent carries one decoded inbound message.
type MessageEvent struct {
	Message   *wire.Message
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write, decode or dial error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called from its own goroutine.
type ConnectionStateHandler func(event ConnectionStateEvent)

// MessageHandler is called on the read goroutine, in arrival order. It must
// not block for long.
type MessageHandler func(event MessageEvent)

// ErrorHandler is called from its own goroutine.
type ErrorHandler func(event ErrorEvent)

// Config holds client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// Name is the identity claimed with HLO after every (re)connect.
	Name string
	// AutoReconnect enables reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout bounds a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds dialing.
	ConnectionTimeout time.Duration
	// Logger receives debug output; nil discards it.
	Logger logger.Logger
}

// DefaultConfig returns a Config with AutoReconnect off, a 5s reconnect
// interval and 10s write and connection timeouts.
func DefaultConfig(address, name string) Config {
	return Config{
		Address:           address,
		Name:              name,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is safe for concurrent use. Register handlers before Connect.
type Client struct {
	config Config
	logger logger.Logger

	conn     net.Conn
	state    ConnectionState
	identity string

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	mu               sync.RWMutex
	writeMu          sync.Mutex
	stopChan         chan struct{}
	reconnectChan    chan struct{}
	wg               sync.WaitGroup
	closed           bool
	reconnecting     bool
	reconnectStarted bool
}

// New creates a client in Disconnected state.
func New(config Config) *Client {
	log := config.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config:        config,
		logger:        log.With(logger.Field{Key: "server", Value: config.Address}),
		state:         Disconnected,
		identity:      config.Name,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState replaces the state change handler.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage replaces the inbound message handler.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError replaces the error handler.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server and claims Config.Name.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or the dial or handshake write error
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	startReconnect := c.config.AutoReconnect && !c.reconnectStarted
	c.reconnectStarted = c.reconnectStarted || startReconnect
	c.mu.Unlock()

	if startReconnect {
		c.wg.Add(1)
		go c.reconnectHandler()
	}

	err := c.connect()
	if err != nil {
		c.triggerReconnect()
	}

	return err
}

// Disconnect closes the current connection without closing the client;
// Connect may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected || c.state == Closed {
		return nil
	}

	return c.disconnect()
}

func (c *Client) disconnect() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.setStateLocked(Disconnected, nil)
	return err
}

// Close shuts the client down and waits for its goroutines. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// Send writes one encoded message.
func (c *Client) Send(m *wire.Message) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if err := c.write(conn, wire.Encode(m)); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// Request sends a message of the given kind from the current identity.
func (c *Client) Request(kind wire.Kind, payload, aux string) error {
	return c.Send(wire.New(kind, c.Identity(), payload, aux))
}

// Identity returns the name the server bound this client to, which differs
// from Config.Name after a collision.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

func (c *Client) write(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	_, err := conn.Write(frame)
	return err
}

func (c *Client) connect() error {
	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.Dial("tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	if err := c.write(conn, wire.Encode(wire.NewHello(c.config.Name))); err != nil {
		_ = conn.Close()
		err = fmt.Errorf("handshake: %w", err)
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}

	c.conn = conn
	c.identity = c.config.Name
	c.setStateLocked(Connected, nil)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("connected", logger.Field{Key: "name", Value: c.config.Name})
	go c.readLoop(conn)

	return nil
}

// readLoop decodes frames from conn until it fails or is replaced.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := framereader.New(conn, framereader.WithReadWait(0))
	for {
		frame, ok, err := reader.Poll()
		if err != nil {
			if c.current(conn) {
				c.emitError(err)
				c.lost(conn)
			}

			return
		}

		if !ok {
			continue
		}

		if frame.Err != nil {
			c.emitError(frame.Err)
			continue
		}

		c.observe(frame.Message)
		c.emitMessage(frame.Message)
	}
}

// current reports whether conn is still the live connection of an open
// client.
func (c *Client) current(conn net.Conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.conn == conn
}

// lost handles a dead connection: reconnect if enabled, else drop to
// Disconnected.
func (c *Client) lost(conn net.Conn) {
	if c.config.AutoReconnect {
		c.triggerReconnect()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.disconnect()
	}
}

// observe tracks the identity the server bound.
func (c *Client) observe(m *wire.Message) {
	if m.Kind() != wire.KindAck || m.Aux() != wire.KindHello.Tag() || m.Payload() == "" {
		return
	}

	c.mu.Lock()
	c.identity = m.Payload()
	c.mu.Unlock()

	if m.Payload() != c.config.Name {
		c.logger.Info("name taken, server bound another", logger.Field{Key: "bound", Value: m.Payload()})
	}
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		c.mu.Lock()
		if c.reconnecting || c.closed {
			c.mu.Unlock()
			continue
		}

		c.reconnecting = true
		err := c.disconnect()
		c.setStateLocked(Reconnecting, nil)
		c.mu.Unlock()

		if err != nil {
			c.emitError(err)
		}

		c.logger.Debug("reconnecting", logger.Field{Key: "in", Value: c.config.ReconnectInterval.String()})

		select {
		case <-c.stopChan:
			c.setReconnecting(false)
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		err = c.connect()
		c.setReconnecting(false)

		if err != nil {
			c.triggerReconnect()
		}
	}
}

func (c *Client) setReconnecting(v bool) {
	c.mu.Lock()
	c.reconnecting = v
	c.mu.Unlock()
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state, err)
}

// setStateLocked requires c.mu held for writing.
func (c *Client) setStateLocked(state ConnectionState, err error) {
	c.state = state
	if handler := c.onConnectionState; handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitMessage(m *wire.Message) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		handler(MessageEvent{Message: m, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
