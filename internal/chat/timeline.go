package chat

import (
	"sort"
	"sync"
)

// Timeline is the ordered, deduplicated message list of one room.
//
// It is rebuilt wholesale from snapshots and extended by pushed messages.
// Entries are unique by ID and always sorted by (CreatedAt, ID).
type Timeline struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[ID]struct{}
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[ID]struct{})}
}

// LoadSnapshot replaces the timeline with msgs. Duplicate ids keep their first
// occurrence. It reports whether the tail of the timeline changed.
func (t *Timeline) LoadSnapshot(msgs []Message) bool {
	next := make([]Message, 0, len(msgs))
	ids := make(map[ID]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Less(next[j]) })

	t.mu.Lock()
	defer t.mu.Unlock()

	before, hadTail := t.tailLocked()
	t.messages = next
	t.ids = ids
	after, hasTail := t.tailLocked()

	return hadTail != hasTail || before != after
}

// ApplyPushed merges a pushed message. Known ids are ignored. Messages that
// arrive out of order are inserted at their sorted position. It reports
// whether the tail of the timeline changed.
func (t *Timeline) ApplyPushed(m Message) bool {
	_, tailChanged := t.Apply(m)
	return tailChanged
}

// Apply is ApplyPushed that also reports whether m was added at all.
func (t *Timeline) Apply(m Message) (added, tailChanged bool) {
	if m.ID == "" {
		return false, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[m.ID]; ok {
		return false, false
	}
	t.ids[m.ID] = struct{}{}

	n := len(t.messages)
	if n == 0 || !m.Less(t.messages[n-1]) {
		t.messages = append(t.messages, m)
		return true, true
	}

	pos := sort.Search(n, func(i int) bool { return m.Less(t.messages[i]) })
	t.messages = append(t.messages, Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = m
	return true, false
}

// Messages returns a copy of the timeline in order.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the newest message.
func (t *Timeline) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Reset empties the timeline.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.ids = make(map[ID]struct{})
}

func (t *Timeline) tailLocked() (ID, bool) {
	if len(t.messages) == 0 {
		return "", false
	}
	return t.messages[len(t.messages)-1].ID, true
}
