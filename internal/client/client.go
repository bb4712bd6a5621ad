// Package client is the consumer-facing entry point: it wires the session, the
// transports and the refresh gate, and owns the focused room.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omochice/roomlink/internal/auth"
	"github.com/omochice/roomlink/internal/backend"
	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/internal/room"
	"github.com/omochice/roomlink/internal/session"
	"github.com/omochice/roomlink/internal/transport"
	"github.com/omochice/roomlink/internal/transport/request"
	"github.com/omochice/roomlink/internal/transport/ws"
)

// AccessCookie is the cookie the backend may carry the access token in.
const AccessCookie = "access_token"

var (
	// ErrSignedOut is returned by Focus without a signed-in identity.
	ErrSignedOut = errors.New("not signed in")

	// ErrNoRoom is returned by room operations while no room is focused.
	ErrNoRoom = errors.New("no room focused")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

type options struct {
	store          session.Store
	maxRetries     int
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
	refreshTimeout time.Duration
	limiter        *rate.Limiter
	dialTimeout    time.Duration
	ackTimeout     time.Duration
	backOff        func() backoff.BackOff
	maxElapsed     time.Duration
	roomOpts       []room.Option
}

// Option configures a Client.
type Option func(*options)

// WithStore persists credentials.
func WithStore(s session.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMaxRetries sets the process-wide refresh budget.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithLogger sets the logger passed to every component.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRequestTimeout bounds a single request channel operation.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithRefreshTimeout bounds a credential refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

// WithRateLimit throttles the request channel.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithStreamTimeouts sets the streaming dial and acknowledgement timeouts.
func WithStreamTimeouts(dial, ack time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = dial
		o.ackTimeout = ack
	}
}

// WithStreamBackOff sets the reconnect policy of the streaming channel.
func WithStreamBackOff(newBackOff func() backoff.BackOff, maxElapsed time.Duration) Option {
	return func(o *options) {
		o.backOff = newBackOff
		o.maxElapsed = maxElapsed
	}
}

// WithRoomOptions applies opts to every focused room.
func WithRoomOptions(opts ...room.Option) Option {
	return func(o *options) { o.roomOpts = append(o.roomOpts, opts...) }
}

// Client drives one signed-in user and at most one focused room.
type Client struct {
	session  *session.Session
	requests *request.Channel
	router   *transport.Router
	api      *backend.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	roomOpts []room.Option

	mu         sync.Mutex
	current    *room.Room
	updates    chan room.Update
	wg         sync.WaitGroup
	isShutdown bool
}

// New creates a Client for the GraphQL endpoint and its streaming endpoint.
// Stored credentials are restored.
func New(endpoint, streamURL string, opts ...Option) (*Client, error) {
	o := options{maxRetries: session.DefaultMaxRetries, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	sessOpts := []session.Option{session.WithMaxRetries(o.maxRetries), session.WithLogger(o.logger)}
	if o.store != nil {
		sessOpts = append(sessOpts, session.WithStore(o.store))
	}
	s := session.New(sessOpts...)
	if err := s.Restore(); err != nil {
		return nil, err
	}

	reqOpts := []request.Option{request.WithLogger(o.logger), request.WithMetrics(o.metrics)}
	if o.requestTimeout > 0 {
		reqOpts = append(reqOpts, request.WithTimeout(o.requestTimeout))
	}
	if o.limiter != nil {
		reqOpts = append(reqOpts, request.WithLimiter(o.limiter))
	}
	requests, err := request.New(endpoint, reqOpts...)
	if err != nil {
		return nil, err
	}

	wsOpts := []ws.Option{ws.WithLogger(o.logger), ws.WithMetrics(o.metrics)}
	if o.dialTimeout > 0 {
		wsOpts = append(wsOpts, ws.WithDialTimeout(o.dialTimeout))
	}
	if o.ackTimeout > 0 {
		wsOpts = append(wsOpts, ws.WithAckTimeout(o.ackTimeout))
	}
	if o.backOff != nil {
		wsOpts = append(wsOpts, ws.WithBackOff(o.backOff, o.maxElapsed))
	}
	streams := ws.New(streamURL, s.Authorization, wsOpts...)

	gateOpts := []auth.Option{auth.WithLogger(o.logger), auth.WithMetrics(o.metrics)}
	if o.refreshTimeout > 0 {
		gateOpts = append(gateOpts, auth.WithRefreshTimeout(o.refreshTimeout))
	}
	gate := auth.NewGate(s, backend.NewRefresher(requests), gateOpts...)
	router := transport.New(s, requests, streams, gate, transport.WithLogger(o.logger))

	roomOpts := append([]room.Option{room.WithLogger(o.logger), room.WithMetrics(o.metrics)}, o.roomOpts...)
	return &Client{
		session:  s,
		requests: requests,
		router:   router,
		api:      backend.New(router, backend.WithLogger(o.logger)),
		logger:   o.logger.With().Str("component", "client").Logger(),
		metrics:  o.metrics,
		roomOpts: roomOpts,
		updates:  make(chan room.Update, 256),
	}, nil
}

// Session returns the shared session.
func (c *Client) Session() *session.Session {
	return c.session
}

// Identity returns the signed-in user.
func (c *Client) Identity() (chat.User, bool) {
	return c.session.Identity()
}

// Login signs in and stores the credentials.
func (c *Client) Login(ctx context.Context, email, password string) (chat.User, error) {
	res, err := c.api.Login(ctx, email, password)
	if err != nil {
		return chat.User{}, err
	}
	return c.signIn(res)
}

// Register creates an account, signs in and stores the credentials.
func (c *Client) Register(ctx context.Context, in backend.RegisterInput) (chat.User, error) {
	res, err := c.api.Register(ctx, in)
	if err != nil {
		return chat.User{}, err
	}
	return c.signIn(res)
}

func (c *Client) signIn(res backend.AuthResult) (chat.User, error) {
	token := res.AccessToken
	if token == "" {
		token = c.requests.Cookie(AccessCookie)
	}
	if token == "" {
		return chat.User{}, fmt.Errorf("sign in: no access token received")
	}
	if err := c.session.SignIn(token, res.User); err != nil {
		return chat.User{}, err
	}
	c.logger.Info().Str("user", string(res.User.ID)).Msg("signed in")
	return res.User, nil
}

// Logout leaves the focused room, ends the backend session and clears local
// credentials. Local credentials are cleared even when the backend fails.
func (c *Client) Logout(ctx context.Context) error {
	c.Blur()
	err := c.api.Logout(ctx)
	if clearErr := c.session.Clear(); clearErr != nil && err == nil {
		err = clearErr
	}
	c.logger.Info().Msg("signed out")
	return err
}

// Focus makes id the current room. The previous room is left and its state
// discarded before the new room is populated. Focusing the current room again
// is a no-op.
func (c *Client) Focus(ctx context.Context, id chat.ID) error {
	self, ok := c.session.Identity()
	if !ok {
		return ErrSignedOut
	}

	c.mu.Lock()
	if c.isShutdown {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.current != nil && c.current.ID() == id {
		// Already entered.
		c.mu.Unlock()
		return nil
	}
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	c.closeRoom(prev)

	r, err := room.Open(ctx, c.api, id, self, c.roomOpts...)
	if err != nil {
		return fmt.Errorf("failed to focus room %s: %w", id, err)
	}

	c.mu.Lock()
	if c.isShutdown {
		c.mu.Unlock()
		c.closeRoom(r)
		return ErrClosed
	}
	if prev := c.current; prev != nil {
		// Another Focus won the race; the latest call wins.
		defer c.closeRoom(prev)
	}
	c.current = r
	c.wg.Add(1)
	c.mu.Unlock()

	go c.forward(r)
	return nil
}

// Blur leaves the focused room, if any.
func (c *Client) Blur() {
	c.mu.Lock()
	r := c.current
	c.current = nil
	c.mu.Unlock()
	c.closeRoom(r)
}

func (c *Client) closeRoom(r *room.Room) {
	if r == nil {
		return
	}
	r.Close()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.Wait()
	}()
}

// forward copies room updates onto the client channel until the room closes.
func (c *Client) forward(r *room.Room) {
	defer c.wg.Done()
	for u := range r.Updates() {
		select {
		case c.updates <- u:
		default:
			c.logger.Debug().Stringer("kind", u.Kind).Msg("update dropped, consumer is behind")
		}
	}
}

// Room returns the focused room, or nil.
func (c *Client) Room() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Updates returns notifications of the focused room. It is closed by Close.
func (c *Client) Updates() <-chan room.Update {
	return c.updates
}

// Timeline returns the focused room's messages.
func (c *Client) Timeline() []chat.Message {
	if r := c.Room(); r != nil {
		return r.Timeline()
	}
	return nil
}

// TypingUsers returns who else is typing in the focused room.
func (c *Client) TypingUsers() []chat.User {
	if r := c.Room(); r != nil {
		return r.TypingUsers()
	}
	return nil
}

// LiveUsers returns who is live in the focused room.
func (c *Client) LiveUsers() []chat.User {
	if r := c.Room(); r != nil {
		return r.LiveUsers()
	}
	return nil
}

// IsMember reports whether the local user belongs to the focused room.
func (c *Client) IsMember() bool {
	r := c.Room()
	return r != nil && r.IsMember()
}

// Visible reports whether the focused room's chat surface may be shown.
func (c *Client) Visible() bool {
	r := c.Room()
	return r != nil && r.Visible()
}

// SetDraft sets the compose buffer of the focused room.
func (c *Client) SetDraft(content string) error {
	r := c.Room()
	if r == nil {
		return ErrNoRoom
	}
	r.SetDraft(content)
	return nil
}

// Attach sets the attachment of the next message.
func (c *Client) Attach(att *chat.Attachment) error {
	r := c.Room()
	if r == nil {
		return ErrNoRoom
	}
	r.Attach(att)
	return nil
}

// Keystroke records local typing in the focused room.
func (c *Client) Keystroke() {
	if r := c.Room(); r != nil {
		r.Keystroke()
	}
}

// Submit sends the compose buffer of the focused room.
func (c *Client) Submit() error {
	r := c.Room()
	if r == nil {
		return ErrNoRoom
	}
	return r.Submit()
}

// Close leaves the focused room, closes the streaming channel and waits for
// background announcements.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.isShutdown {
		c.mu.Unlock()
		return nil
	}
	c.isShutdown = true
	r := c.current
	c.current = nil
	c.mu.Unlock()

	c.closeRoom(r)
	c.wg.Wait()
	err := c.router.Close()
	close(c.updates)
	return err
}
