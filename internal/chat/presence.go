package chat

import "sync"

// Presence is the set of users currently live in a room.
//
// The backend always pushes complete snapshots, so the set is replaced
// wholesale and never patched.
type Presence struct {
	users []User
	index map[ID]struct{}
	mu    sync.RWMutex
}

// NewPresence creates an empty Presence.
func NewPresence() *Presence {
	return &Presence{index: make(map[ID]struct{})}
}

// Replace installs a snapshot and reports whether the set of ids changed.
// Duplicate ids in the snapshot keep their first occurrence.
func (p *Presence) Replace(snapshot []User) bool {
	users := make([]User, 0, len(snapshot))
	index := make(map[ID]struct{}, len(snapshot))
	for _, u := range snapshot {
		if _, dup := index[u.ID]; dup || u.ID == "" {
			continue
		}
		index[u.ID] = struct{}{}
		users = append(users, u)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	changed := len(index) != len(p.index)
	if !changed {
		for id := range index {
			if _, ok := p.index[id]; !ok {
				changed = true
				break
			}
		}
	}
	p.users = users
	p.index = index
	return changed
}

// Users returns the users of the last snapshot in snapshot order.
func (p *Presence) Users() []User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]User, len(p.users))
	copy(out, p.users)
	return out
}

// Contains reports whether id is live.
func (p *Presence) Contains(id ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.index[id]
	return ok
}

// Count returns number of live users.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Reset empties the set.
func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = nil
	p.index = make(map[ID]struct{})
}
