package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRegisterTimeout is used when ConnectorOptions.RegisterTimeout is zero.
const DefaultRegisterTimeout = 2 * time.Second

type ConnectorOptions struct {
	// RegisterTimeout bounds the wait for the relay's answer to our register
	// envelope. A relay that stays silent is taken to have accepted it.
	RegisterTimeout time.Duration
	Log             *log.Entry
}

// Connector owns the single relay connection of a client. It picks the first
// usable relay from an ordered candidate list, registers the local identity
// and then hands every envelope addressed to that identity to OnEnvelope.
type Connector struct {
	identity string
	dialer   Dialer
	opts     ConnectorOptions
	log      *log.Entry

	mu           sync.Mutex
	conn         Conn
	url          string
	closed       bool
	onEnvelope   func(Envelope)
	onError      func(error)
	onDisconnect func(error)

	writeMu sync.Mutex
}

type readResult struct {
	data []byte
	err  error
}

func NewConnector(identity string, dialer Dialer, opts ConnectorOptions) *Connector {
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	logger := opts.Log
	if logger == nil {
		logger = log.WithField("prefix", "signal")
	}
	return &Connector{
		identity: identity,
		dialer:   dialer,
		opts:     opts,
		log:      logger.WithField("id", identity),
	}
}

// OnEnvelope sets the handler for inbound receive envelopes and relay errors
// other than id-taken. Handlers run on the read goroutine, in arrival order.
func (c *Connector) OnEnvelope(f func(Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnvelope = f
}

// OnError sets the handler for errors that end the connection after Connect
// returned, such as an id-taken rejection that arrives late.
func (c *Connector) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

// OnDisconnect sets the handler called when the relay connection drops
// without Close having been called.
func (c *Connector) OnDisconnect(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = f
}

func (c *Connector) Identity() string {
	return c.identity
}

// URL returns the relay the connector registered with, "" before Connect succeeds.
func (c *Connector) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect tries each candidate relay in order. A candidate that cannot be
// dialed, or that drops the connection before answering the registration,
// is skipped. An id-taken answer stops the search with an *IdentityTakenError.
// When every candidate fails the result is a *ConnectionError. Connect never retries.
func (c *Connector) Connect(ctx context.Context, candidates []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connector is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("connector is already connected")
	}
	c.mu.Unlock()

	connErr := &ConnectionError{}
	for _, url := range candidates {
		if err := ctx.Err(); err != nil {
			connErr.Attempts = append(connErr.Attempts, AttemptError{URL: url, Err: err})
			break
		}

		conn, err := c.dialer.Dial(ctx, url)
		if err != nil {
			c.log.WithField("url", url).Warn("Failed to reach relay: ", err)
			connErr.Attempts = append(connErr.Attempts, AttemptError{URL: url, Err: err})
			continue
		}

		msgs := make(chan readResult, 16)
		go pump(conn, msgs)

		early, err := c.register(ctx, conn, url, msgs)
		if err != nil {
			conn.Close()
			go drain(msgs)
			var taken *IdentityTakenError
			if errors.As(err, &taken) {
				c.log.WithField("url", url).Error(err)
				return err
			}
			c.log.WithField("url", url).Warn("Relay registration failed: ", err)
			connErr.Attempts = append(connErr.Attempts, AttemptError{URL: url, Err: err})
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			go drain(msgs)
			return errors.New("connector is closed")
		}
		c.conn = conn
		c.url = url
		c.mu.Unlock()

		c.log.WithField("url", url).Info("Registered with relay")
		go c.readLoop(conn, msgs, early)
		return nil
	}
	return connErr
}

// register sends our identity and waits for the relay's verdict. Envelopes
// that arrive before the verdict are returned so they can be dispatched once
// the connection is installed.
func (c *Connector) register(ctx context.Context, conn Conn, url string, msgs <-chan readResult) ([]Envelope, error) {
	reg, err := NewRegister(c.identity).Marshal()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(reg); err != nil {
		return nil, fmt.Errorf("sending register: %w", err)
	}

	timer := time.NewTimer(c.opts.RegisterTimeout)
	defer timer.Stop()

	var early []Envelope
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			c.log.WithField("url", url).Debug("Relay did not acknowledge registration, assuming accepted")
			return early, nil
		case r, ok := <-msgs:
			if !ok {
				return nil, errors.New("connection closed before registration completed")
			}
			if r.err != nil {
				return nil, fmt.Errorf("connection lost before registration completed: %w", r.err)
			}
			env, err := ParseEnvelope(r.data)
			if err != nil {
				c.log.Warn("Dropping malformed envelope from relay: ", err)
				continue
			}
			switch {
			case env.Action == ActionRegistered:
				return early, nil
			case env.Action == ActionError && env.Code == CodeIDTaken:
				return nil, &IdentityTakenError{Identity: c.identity, URL: url}
			default:
				early = append(early, env)
			}
		}
	}
}

func (c *Connector) readLoop(conn Conn, msgs <-chan readResult, early []Envelope) {
	for _, env := range early {
		c.dispatch(conn, env)
	}
	for r := range msgs {
		if r.err != nil {
			c.handleDisconnect(conn, r.err)
			return
		}
		env, err := ParseEnvelope(r.data)
		if err != nil {
			c.log.Warn("Dropping malformed envelope from relay: ", err)
			continue
		}
		c.dispatch(conn, env)
	}
}

func (c *Connector) dispatch(conn Conn, env Envelope) {
	switch env.Action {
	case ActionReceive:
		if env.Target != c.identity {
			c.log.WithField("target", env.Target).Debug("Ignoring envelope addressed to another identity")
			return
		}
	case ActionError:
		if env.Code == CodeIDTaken {
			err := &IdentityTakenError{Identity: c.identity, URL: c.URL()}
			c.log.Error(err)
			c.detach(conn)
			conn.Close()
			if f := c.errorHandler(); f != nil {
				f(err)
			}
			return
		}
	case ActionRegistered:
		c.log.Debug("Late registration acknowledgement from relay")
		return
	default:
		c.log.WithField("action", env.Action).Debug("Ignoring unexpected envelope from relay")
		return
	}

	c.mu.Lock()
	f := c.onEnvelope
	c.mu.Unlock()
	if f != nil {
		f(env)
	}
}

func (c *Connector) handleDisconnect(conn Conn, err error) {
	if !c.detach(conn) {
		// Close, or an id-taken rejection, already took the connection down
		return
	}
	c.log.Warn("Lost connection to relay: ", err)
	conn.Close()
	c.mu.Lock()
	f := c.onDisconnect
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// detach forgets conn if it is still the active connection.
func (c *Connector) detach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	return true
}

func (c *Connector) errorHandler() func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onError
}

// Send forwards an encoded description to target through the relay.
// Safe for concurrent use.
func (c *Connector) Send(target string, kind SignalKind, data string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg, err := NewSend(c.identity, target, kind, data).Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("sending %s to %s: %w", kind, target, err)
	}
	return nil
}

// Close drops the relay connection. The connector cannot be reused.
func (c *Connector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.log.Debug("Closing relay connection")
	return conn.Close()
}

func pump(conn Conn, out chan<- readResult) {
	defer close(out)
	for {
		data, err := conn.ReadMessage()
		out <- readResult{data: data, err: err}
		if err != nil {
			return
		}
	}
}

func drain(msgs <-chan readResult) {
	for range msgs {
	}
}
