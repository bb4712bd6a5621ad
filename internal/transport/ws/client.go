package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/pkg/protocol"
)

const (
	// DefaultAckTimeout bounds the wait for connection_ack.
	DefaultAckTimeout = 10 * time.Second

	// DefaultDialTimeout bounds one dial.
	DefaultDialTimeout = 10 * time.Second

	// DefaultMaxReconnectElapsed bounds one reconnect series.
	DefaultMaxReconnectElapsed = 5 * time.Minute

	writeTimeout = 5 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("streaming channel closed")

	errRestart = errors.New("restart requested")
)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the dial function.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithAckTimeout sets the connection_ack timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithDialTimeout sets the dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithBackOff sets the reconnect policy. newBackOff is called for every
// reconnect series.
func WithBackOff(newBackOff func() backoff.BackOff, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
		if maxElapsed > 0 {
			c.maxElapsed = maxElapsed
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "stream").Logger() }
}

// WithMetrics records restarts and received frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client multiplexes subscriptions over one streaming connection.
//
// The connection is opened lazily by the first Subscribe and kept open,
// reconnecting with exponential backoff after unexpected drops. Every
// reconnect starts the active subscriptions again and notifies them with a
// Restarted event. Credentials are read at every dial, so Reconnect after a
// token change moves the stream to the new token.
type Client struct {
	url         string
	authorize   func() string
	dial        DialFunc
	ackTimeout  time.Duration
	dialTimeout time.Duration
	newBackOff  func() backoff.BackOff
	maxElapsed  time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      Conn
	pending   Conn
	subs      map[string]*Subscription
	started   bool
	closed    bool
	restart   chan struct{}
	connected chan struct{}
	wg        sync.WaitGroup
}

// New creates a Client for url. authorize returns the current authorization
// value and is called on every dial.
func New(url string, authorize func() string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:         url,
		authorize:   authorize,
		dial:        Dial,
		ackTimeout:  DefaultAckTimeout,
		dialTimeout: DefaultDialTimeout,
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxElapsed:  DefaultMaxReconnectElapsed,
		logger:      zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]*Subscription),
		restart:     make(chan struct{}, 1),
		connected:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe starts op on the streaming channel. Events arrive once the
// connection is acknowledged.
func (c *Client) Subscribe(ctx context.Context, op protocol.Operation) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(uuid.NewString(), op, c)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[sub.id] = sub
	conn := c.conn
	if conn != nil {
		sub.started = true
	}
	if !c.started {
		c.started = true
		c.wg.Add(1)
		go c.run()
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendStart(conn, sub); err != nil {
			// The read loop notices the broken connection and starts it again.
			c.logger.Debug().Err(err).Str("id", sub.id).Msg("failed to send start")
		}
	}
	c.logger.Debug().Str("id", sub.id).Str("operation", op.Name).Msg("subscribed")
	return sub, nil
}

// Reconnect drops the current connection and dials again with fresh
// credentials. It does nothing before the first Subscribe.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	select {
	case c.restart <- struct{}{}:
	default:
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected receives a value every time a connection is acknowledged.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Close terminates the connection and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, pending := c.conn, c.pending
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	if conn != nil {
		c.send(conn, protocol.FrameTypeConnectionTerminate, "", nil)
		_ = conn.Close()
	}
	if pending != nil {
		_ = pending.Close()
	}
	c.cancel()
	c.wg.Wait()
	for _, sub := range subs {
		sub.finish()
	}
	c.logger.Info().Msg("streaming channel closed")
	return nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	_, ok := c.subs[sub.id]
	delete(c.subs, sub.id)
	conn := c.conn
	c.mu.Unlock()

	if ok && conn != nil {
		c.send(conn, protocol.FrameTypeStop, sub.id, nil)
	}
	sub.finish()
}

// run owns the connection: dial, start subscriptions, read, and repeat until
// the client is closed.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.restart:
		default:
		}

		conn, err := c.connectWithBackOff()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("streaming channel unavailable")
			c.broadcast(Event{Err: err})
			select {
			case <-c.ctx.Done():
				return
			case <-c.restart:
				continue
			}
		}

		if !c.activate(conn) {
			_ = conn.Close()
			return
		}

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()
		if closed {
			return
		}

		c.metrics.Restart()
		if errors.Is(err, errRestart) {
			c.logger.Info().Msg("restarting streaming channel with new credentials")
		} else {
			c.logger.Warn().Err(err).Msg("streaming channel dropped, reconnecting")
		}
	}
}

func (c *Client) connectWithBackOff() (Conn, error) {
	attempt := 0
	op := func() (Conn, error) {
		attempt++
		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("connect failed")
			if errors.Is(err, protocol.ErrUnauthenticated) {
				// Redialing with the same credentials cannot succeed.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}
	return backoff.Retry(c.ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(c.maxElapsed),
	)
}

// connect dials and completes the connection_init handshake.
func (c *Client) connect() (Conn, error) {
	authorization := c.authorize()

	dctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dial(dctx, c.url, authorization)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.pending = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	payload := map[string]string{}
	if authorization != "" {
		payload["Authorization"] = authorization
	}
	if err := c.write(conn, protocol.FrameTypeConnectionInit, "", payload); err != nil {
		_ = conn.Close()
		return nil, err
	}

	actx, cancel := context.WithTimeout(c.ctx, c.ackTimeout)
	defer cancel()
	for {
		data, err := conn.Read(actx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: waiting for connection ack: %w", protocol.ErrTransport, err)
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			c.logger.Debug().Err(err).Msg("failed to decode frame")
			continue
		}
		switch f.Type {
		case protocol.FrameTypeConnectionAck:
			return conn, nil
		case protocol.FrameTypeConnectionError:
			_ = conn.Close()
			return nil, connectionError(f)
		}
	}
}

// activate installs conn and starts every registered subscription on it.
func (c *Client) activate(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	subs := make([]*Subscription, 0, len(c.subs))
	restarted := make(map[string]bool, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
		restarted[sub.id] = sub.started
		sub.started = true
	}
	c.mu.Unlock()

	c.logger.Info().Int("subscriptions", len(subs)).Msg("streaming channel connected")
	for _, sub := range subs {
		if err := c.sendStart(conn, sub); err != nil {
			c.logger.Debug().Err(err).Str("id", sub.id).Msg("failed to send start")
		}
		if restarted[sub.id] {
			sub.deliver(Event{Restarted: true}, c.ctx.Done())
		}
	}

	select {
	case c.connected <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) readLoop(conn Conn) error {
	for {
		select {
		case <-c.restart:
			return errRestart
		default:
		}

		data, err := conn.Read(c.ctx)
		if err != nil {
			select {
			case <-c.restart:
				return errRestart
			default:
			}
			return err
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			c.logger.Debug().Err(err).Msg("failed to decode frame")
			continue
		}
		c.metrics.StreamEvent(f.Type.String())
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeKeepAlive, protocol.FrameTypeConnectionAck:
		return
	case protocol.FrameTypeConnectionError:
		c.broadcast(Event{Err: connectionError(f)})
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[f.ID]
	if ok && (f.Type == protocol.FrameTypeError || f.Type == protocol.FrameTypeComplete) {
		delete(c.subs, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("id", f.ID).Stringer("type", f.Type).Msg("frame for unknown subscription")
		return
	}

	switch f.Type {
	case protocol.FrameTypeData:
		var resp protocol.Response
		if err := f.DecodePayload(&resp); err != nil {
			sub.deliver(Event{Err: err}, c.ctx.Done())
			return
		}
		sub.deliver(Event{Data: resp.Data, Errors: resp.Errors}, c.ctx.Done())
	case protocol.FrameTypeError:
		sub.deliver(Event{Err: frameError(f)}, c.ctx.Done())
		sub.finish()
	case protocol.FrameTypeComplete:
		sub.finish()
	}
}

func (c *Client) broadcast(ev Event) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev, c.ctx.Done())
	}
}

func (c *Client) sendStart(conn Conn, sub *Subscription) error {
	return c.write(conn, protocol.FrameTypeStart, sub.id, sub.op.Request())
}

// send writes a frame, logging failures.
func (c *Client) send(conn Conn, ft protocol.FrameType, id string, payload any) {
	if err := c.write(conn, ft, id, payload); err != nil {
		c.logger.Debug().Err(err).Stringer("type", ft).Msg("failed to send frame")
	}
}

func (c *Client) write(conn Conn, ft protocol.FrameType, id string, payload any) error {
	f, err := protocol.NewFrame(ft, id, payload)
	if err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: failed to send %s: %w", protocol.ErrTransport, ft, err)
	}
	return nil
}

// connectionError converts a connection_error frame. A payload carrying the
// UNAUTHENTICATED code wraps protocol.ErrUnauthenticated.
func connectionError(f protocol.Frame) error {
	var e protocol.Error
	if len(f.Payload) > 0 && f.DecodePayload(&e) == nil {
		if e.Code() == protocol.CodeUnauthenticated {
			return fmt.Errorf("%w: %w", protocol.ErrUnauthenticated, e)
		}
		return fmt.Errorf("connection rejected: %w", e)
	}
	return errors.New("connection rejected")
}

// frameError converts an error frame. The payload is either a list of
// GraphQL errors or a single one.
func frameError(f protocol.Frame) error {
	var errs protocol.Errors
	if err := f.DecodePayload(&errs); err == nil && len(errs) > 0 {
		return errs
	}
	var e protocol.Error
	if err := f.DecodePayload(&e); err == nil && e.Message != "" {
		return protocol.Errors{e}
	}
	return errors.New("subscription failed")
}
