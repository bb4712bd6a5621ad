package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/backend"
	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/metrics"
	"github.com/omochice/roomlink/pkg/protocol"
)

const (
	// DefaultSendTimeout bounds a background send or typing notification.
	DefaultSendTimeout = 30 * time.Second

	updateBuffer = 128
)

var (
	// ErrEmptyMessage is returned by Submit without content or attachment.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotVisible is returned by Submit before membership is confirmed.
	ErrNotVisible = errors.New("room is not visible")

	// ErrClosed is returned by operations on a closed Room.
	ErrClosed = errors.New("room closed")
)

// Backend is the set of backend operations a Room uses.
type Backend interface {
	Announcer
	ListMembers(ctx context.Context, room chat.ID) ([]chat.User, error)
	FetchMessages(ctx context.Context, room chat.ID) ([]chat.Message, error)
	SendMessage(ctx context.Context, room chat.ID, content string, att *chat.Attachment) (chat.Message, error)
	NotifyStartedTyping(ctx context.Context, room chat.ID) error
	NotifyStoppedTyping(ctx context.Context, room chat.ID) error
	SubscribeNewMessages(ctx context.Context, room chat.ID) (backend.Stream[chat.Message], error)
	SubscribeTypingStarted(ctx context.Context, room, self chat.ID) (backend.Stream[chat.User], error)
	SubscribeTypingStopped(ctx context.Context, room, self chat.ID) (backend.Stream[chat.User], error)
	SubscribeLiveUsers(ctx context.Context, room chat.ID) (backend.Stream[[]chat.User], error)
}

// UpdateKind says which part of the room state changed.
type UpdateKind int

const (
	UpdateTimeline UpdateKind = iota
	UpdateScrollToLatest
	UpdateTyping
	UpdatePresence
	UpdateMembership
	UpdateError
)

// String returns the kind name
func (k UpdateKind) String() string {
	switch k {
	case UpdateTimeline:
		return "timeline"
	case UpdateScrollToLatest:
		return "scroll_to_latest"
	case UpdateTyping:
		return "typing"
	case UpdatePresence:
		return "presence"
	case UpdateMembership:
		return "membership"
	case UpdateError:
		return "error"
	default:
		return "unknown"
	}
}

// Update notifies the consumer of a state change. Err is set for UpdateError.
type Update struct {
	Kind UpdateKind
	Room chat.ID
	Err  error
}

// Option configures a Room.
type Option func(*Room)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Room) { r.logger = l.With().Str("component", "room").Logger() }
}

// WithMetrics records state sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Room) { r.metrics = m }
}

// WithClock sets the clock for typing timers.
func WithClock(c clock.Clock) Option {
	return func(r *Room) { r.clock = c }
}

// WithTypingIdle sets the typing idle timeout.
func WithTypingIdle(d time.Duration) Option {
	return func(r *Room) { r.typingIdle = d }
}

// WithSendTimeout bounds background sends and typing notifications.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Room) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// Room is the focused room: membership, push streams and reconciled state.
// A Room is discarded on defocus; its state never carries over.
type Room struct {
	id          chat.ID
	self        chat.User
	api         Backend
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	clock       clock.Clock
	typingIdle  time.Duration
	sendTimeout time.Duration

	membership *Membership
	timeline   *chat.Timeline
	typing     *chat.Typing
	presence   *chat.Presence

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []func()

	mu         sync.Mutex
	closing    bool
	closed     bool
	isMember   bool
	draft      string
	attachment *chat.Attachment
	updates    chan Update
}

// Open enters room as self, starts the push streams and loads the message
// list and the member list.
func Open(ctx context.Context, api Backend, id chat.ID, self chat.User, opts ...Option) (*Room, error) {
	r := &Room{
		id:          id,
		self:        self,
		api:         api,
		logger:      zerolog.Nop(),
		clock:       clock.New(),
		sendTimeout: DefaultSendTimeout,
		timeline:    chat.NewTimeline(),
		presence:    chat.NewPresence(),
		updates:     make(chan Update, updateBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.typing = chat.NewTyping(self.ID,
		chat.WithClock(r.clock),
		chat.WithIdle(r.typingIdle),
		chat.WithNotifier(typingNotifier{r}),
		chat.WithOnChange(func() { r.emit(UpdateTyping, nil) }),
	)
	r.membership = NewMembership(api, id, r.logger, func(MembershipState) { r.emit(UpdateMembership, nil) })

	if err := r.open(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Room) open(ctx context.Context) error {
	if err := r.membership.Enter(ctx); err != nil {
		return err
	}

	messages, err := r.api.SubscribeNewMessages(ctx, r.id)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, messages.Close)
	started, err := r.api.SubscribeTypingStarted(ctx, r.id, r.self.ID)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, started.Close)
	stopped, err := r.api.SubscribeTypingStopped(ctx, r.id, r.self.ID)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, stopped.Close)
	live, err := r.api.SubscribeLiveUsers(ctx, r.id)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, live.Close)

	r.wg.Add(4)
	go pump(r, messages, r.handleMessage)
	go pump(r, started, r.handleTypingStarted)
	go pump(r, stopped, r.handleTypingStopped)
	go pump(r, live, r.handleLiveUsers)

	if err := r.RefreshMembers(ctx); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// pump feeds stream events to handle until the stream ends.
func pump[T any](r *Room, s backend.Stream[T], handle func(backend.Event[T])) {
	defer r.wg.Done()
	for {
		ev, err := s.Next(r.ctx)
		if err != nil {
			return
		}
		handle(ev)
	}
}

func (r *Room) handleMessage(ev backend.Event[chat.Message]) {
	switch {
	case ev.Restarted:
		r.logger.Debug().Msg("message stream restarted, reloading snapshot")
		r.reloadAsync()
	case ev.Err != nil:
		r.emit(UpdateError, ev.Err)
		if errors.Is(ev.Err, protocol.ErrUnauthenticated) {
			// The reload goes through the refresh gate; a new token restarts
			// the stream.
			r.reloadAsync()
		}
	default:
		m := ev.Value
		if m.RoomID != "" && m.RoomID != r.id {
			return
		}
		added, tailChanged := r.timeline.Apply(m)
		if !added {
			return
		}
		r.emit(UpdateTimeline, nil)
		if tailChanged {
			r.emit(UpdateScrollToLatest, nil)
		}
	}
}

func (r *Room) handleTypingStarted(ev backend.Event[chat.User]) {
	switch {
	case ev.Err != nil:
		r.emit(UpdateError, ev.Err)
	case !ev.Restarted:
		r.typing.Started(ev.Value)
	}
}

func (r *Room) handleTypingStopped(ev backend.Event[chat.User]) {
	switch {
	case ev.Err != nil:
		r.emit(UpdateError, ev.Err)
	case !ev.Restarted:
		r.typing.Stopped(ev.Value.ID)
	}
}

func (r *Room) handleLiveUsers(ev backend.Event[[]chat.User]) {
	switch {
	case ev.Err != nil:
		r.emit(UpdateError, ev.Err)
	case !ev.Restarted:
		if r.presence.Replace(ev.Value) {
			r.emit(UpdatePresence, nil)
		}
	}
}

// Reload replaces the timeline with the backend's message list.
func (r *Room) Reload(ctx context.Context) error {
	msgs, err := r.api.FetchMessages(ctx, r.id)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	tailChanged := r.timeline.LoadSnapshot(msgs)
	r.emit(UpdateTimeline, nil)
	if tailChanged {
		r.emit(UpdateScrollToLatest, nil)
	}
	return nil
}

func (r *Room) reloadAsync() {
	r.spawn(func(ctx context.Context) {
		if err := r.Reload(ctx); err != nil {
			r.emit(UpdateError, err)
		}
	})
}

// RefreshMembers queries the member list and recomputes IsMember.
func (r *Room) RefreshMembers(ctx context.Context) error {
	members, err := r.api.ListMembers(ctx, r.id)
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}
	isMember := false
	for _, u := range members {
		if u.ID == r.self.ID {
			isMember = true
			break
		}
	}
	r.mu.Lock()
	changed := r.isMember != isMember
	r.isMember = isMember
	r.mu.Unlock()
	if changed {
		r.emit(UpdateMembership, nil)
	}
	return nil
}

// ID returns the room id.
func (r *Room) ID() chat.ID {
	return r.id
}

// Timeline returns the ordered messages.
func (r *Room) Timeline() []chat.Message {
	return r.timeline.Messages()
}

// TypingUsers returns the users typing, other than the local user.
func (r *Room) TypingUsers() []chat.User {
	return r.typing.Users()
}

// LiveUsers returns the users currently live in the room.
func (r *Room) LiveUsers() []chat.User {
	return r.presence.Users()
}

// IsMember reports whether the local user is a member of the room.
func (r *Room) IsMember() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isMember
}

// Membership returns the announcement state.
func (r *Room) Membership() MembershipState {
	return r.membership.State()
}

// Visible reports whether the chat surface may be shown: entered and a
// member.
func (r *Room) Visible() bool {
	return r.membership.State() == Entered && r.IsMember()
}

// Updates returns the notification channel. It is closed by Close.
func (r *Room) Updates() <-chan Update {
	return r.updates
}

// SetDraft replaces the compose buffer.
func (r *Room) SetDraft(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draft = content
}

// Draft returns the compose buffer.
func (r *Room) Draft() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

// Attach sets the file sent with the next message. nil removes it.
func (r *Room) Attach(att *chat.Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachment = att
}

// Attachment returns the pending attachment.
func (r *Room) Attachment() *chat.Attachment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachment
}

// Keystroke records local typing.
func (r *Room) Keystroke() {
	r.typing.Keystroke()
}

// Submit clears the compose buffer and attachment and sends them in the
// background. The message reaches the timeline through the message stream or
// the next snapshot; send failures arrive as UpdateError.
func (r *Room) Submit() error {
	if !r.Visible() {
		return ErrNotVisible
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	content, att := r.draft, r.attachment
	if content == "" && att == nil {
		r.mu.Unlock()
		return ErrEmptyMessage
	}
	r.draft, r.attachment = "", nil
	r.mu.Unlock()

	r.spawn(func(ctx context.Context) {
		if _, err := r.api.SendMessage(ctx, r.id, content, att); err != nil {
			r.logger.Warn().Err(err).Msg("send failed")
			r.emit(UpdateError, err)
		}
	})
	return nil
}

// Close ends typing, stops the streams, announces the leave in the
// background and discards the room state. Only the first call has an effect.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	r.mu.Unlock()

	r.typing.Close()
	for _, c := range r.closers {
		c()
	}
	r.membership.LeaveDetached()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.timeline.Reset()
	r.presence.Reset()
	r.metrics.RoomSizes(0, 0, 0)
	close(r.updates)
	r.logger.Debug().Str("room", string(r.id)).Msg("room closed")
}

// Wait blocks until background leave announcements finished.
func (r *Room) Wait() {
	r.membership.Wait()
}

// spawn runs fn in the background with the send timeout. Work is detached
// from the room context so a send survives the room closing; Close still
// waits for it.
func (r *Room) spawn(fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (r *Room) emit(kind UpdateKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.metrics.RoomSizes(r.timeline.Len(), len(r.typing.Users()), r.presence.Count())
	select {
	case r.updates <- Update{Kind: kind, Room: r.id, Err: err}:
	default:
		r.logger.Debug().Stringer("kind", kind).Msg("update dropped, consumer is behind")
	}
}

type typingNotifier struct {
	r *Room
}

func (n typingNotifier) StartedTyping() {
	n.r.spawn(func(ctx context.Context) {
		if err := n.r.api.NotifyStartedTyping(ctx, n.r.id); err != nil {
			n.r.emit(UpdateError, err)
		}
	})
}

func (n typingNotifier) StoppedTyping() {
	n.r.spawn(func(ctx context.Context) {
		if err := n.r.api.NotifyStoppedTyping(ctx, n.r.id); err != nil {
			n.r.emit(UpdateError, err)
		}
	})
}
