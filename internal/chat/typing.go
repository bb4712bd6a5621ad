package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTypingIdle is how long a user stays typing without a new signal.
const DefaultTypingIdle = 5 * time.Second

// TypingNotifier relays the local user's typing transitions to the backend.
// Implementations must not block.
type TypingNotifier interface {
	StartedTyping()
	StoppedTyping()
}

// TypingOption configures a Typing coordinator.
type TypingOption func(*Typing)

// WithClock sets the clock used for idle timers.
func WithClock(c clock.Clock) TypingOption {
	return func(t *Typing) { t.clock = c }
}

// WithIdle sets the idle timeout.
func WithIdle(d time.Duration) TypingOption {
	return func(t *Typing) {
		if d > 0 {
			t.idle = d
		}
	}
}

// WithNotifier sets the notifier for the local user's transitions.
func WithNotifier(n TypingNotifier) TypingOption {
	return func(t *Typing) { t.notifier = n }
}

// WithOnChange registers a callback run after the visible typing set changed.
func WithOnChange(fn func()) TypingOption {
	return func(t *Typing) { t.onChange = fn }
}

type typingEntry struct {
	user  User
	timer *clock.Timer
	gen   uint64
	local bool
}

// Typing turns started/stopped typing signals and local keystrokes into a
// stable set of typing users.
//
// Every entry owns a live expiry timer. Entries are only created and removed
// through arm and disarm, which pair the entry with its timer.
type Typing struct {
	mu       sync.Mutex
	clock    clock.Clock
	idle     time.Duration
	self     ID
	entries  map[ID]*typingEntry
	gen      uint64
	closed   bool
	notifier TypingNotifier
	onChange func()
}

// NewTyping creates a coordinator for a room as seen by the local user self.
func NewTyping(self ID, opts ...TypingOption) *Typing {
	t := &Typing{
		clock:   clock.New(),
		idle:    DefaultTypingIdle,
		self:    self,
		entries: make(map[ID]*typingEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keystroke records local typing. The backend is told about a start only when
// the local user is not already inside an idle window; the window is extended
// on every keystroke.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	if t.closed || t.self == "" {
		t.mu.Unlock()
		return
	}
	e, ok := t.entries[t.self]
	active := ok && e.local
	t.arm(User{ID: t.self}, true)
	t.mu.Unlock()

	if !active && t.notifier != nil {
		t.notifier.StartedTyping()
	}
}

// Started records a remote started-typing event for u. Repeated events keep a
// single entry and extend its expiry. Events about the local user are ignored;
// its window is driven by Keystroke alone.
func (t *Typing) Started(u User) {
	if u.ID == "" || u.ID == t.self {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, ok := t.entries[u.ID]
	t.arm(u, false)
	t.mu.Unlock()

	if !ok {
		t.changed()
	}
}

// Stopped records a remote stopped-typing event. It cancels any pending timer
// for the user, including the local idle timer when id is the local user.
func (t *Typing) Stopped(id ID) {
	t.mu.Lock()
	removed := t.disarm(id)
	t.mu.Unlock()

	if removed && id != t.self {
		t.changed()
	}
}

// Users returns the users typing, other than the local user, ordered by id.
func (t *Typing) Users() []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]User, 0, len(t.entries))
	for id, e := range t.entries {
		if id == t.self {
			continue
		}
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return CompareIDs(out[i].ID, out[j].ID) < 0 })
	return out
}

// IsTyping reports whether id has a live entry.
func (t *Typing) IsTyping(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Close cancels every timer. A local typing window still open is ended with a
// stopped notification.
func (t *Typing) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	localActive := false
	if e, ok := t.entries[t.self]; ok && e.local {
		localActive = true
	}
	for id := range t.entries {
		t.disarm(id)
	}
	t.mu.Unlock()

	if localActive && t.notifier != nil {
		t.notifier.StoppedTyping()
	}
}

// arm inserts or refreshes the entry for u with a fresh timer. Caller holds mu.
func (t *Typing) arm(u User, local bool) {
	if e, ok := t.entries[u.ID]; ok {
		e.timer.Stop()
	}
	t.gen++
	gen := t.gen
	id := u.ID
	timer := t.clock.AfterFunc(t.idle, func() { t.expire(id, gen) })
	t.entries[id] = &typingEntry{user: u, timer: timer, gen: gen, local: local}
}

// disarm removes the entry for id and cancels its timer. Caller holds mu.
func (t *Typing) disarm(id ID) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, id)
	return true
}

// expire runs when a timer fires. Timers replaced after they fired carry a
// stale generation and are ignored.
func (t *Typing) expire(id ID, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	local := e.local
	t.mu.Unlock()

	if local && t.notifier != nil {
		t.notifier.StoppedTyping()
	}
	if id != t.self {
		t.changed()
	}
}

func (t *Typing) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
