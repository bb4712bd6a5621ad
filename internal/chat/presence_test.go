package chat_test

import (
	"testing"

	"github.com/omochice/roomlink/internal/chat"
)

func TestPresence_Replace(t *testing.T) {
	a := chat.User{ID: "a", Fullname: "A"}
	b := chat.User{ID: "b", Fullname: "B"}
	c := chat.User{ID: "c", Fullname: "C"}

	tests := []struct {
		name        string
		snapshots   [][]chat.User
		wantIDs     []chat.ID
		wantChanged bool
	}{
		{
			name:        "replaces wholesale",
			snapshots:   [][]chat.User{{a, b}, {b, c}},
			wantIDs:     []chat.ID{"b", "c"},
			wantChanged: true,
		},
		{
			name:        "same set reordered",
			snapshots:   [][]chat.User{{a, b}, {b, a}},
			wantIDs:     []chat.ID{"b", "a"},
			wantChanged: false,
		},
		{
			name:        "duplicates collapse",
			snapshots:   [][]chat.User{{a, a, b}},
			wantIDs:     []chat.ID{"a", "b"},
			wantChanged: true,
		},
		{
			name:        "empty snapshot",
			snapshots:   [][]chat.User{{a}, {}},
			wantIDs:     []chat.ID{},
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := chat.NewPresence()
			var changed bool
			for _, s := range tt.snapshots {
				changed = p.Replace(s)
			}
			if changed != tt.wantChanged {
				t.Errorf("last Replace() = %v, want %v", changed, tt.wantChanged)
			}
			users := p.Users()
			if len(users) != len(tt.wantIDs) {
				t.Fatalf("Users() = %v, want ids %v", users, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if users[i].ID != id {
					t.Errorf("Users()[%d] = %s, want %s", i, users[i].ID, id)
				}
				if !p.Contains(id) {
					t.Errorf("Contains(%s) = false", id)
				}
			}
			if p.Count() != len(tt.wantIDs) {
				t.Errorf("Count() = %d, want %d", p.Count(), len(tt.wantIDs))
			}
		})
	}
}

func TestPresence_Reset(t *testing.T) {
	p := chat.NewPresence()
	p.Replace([]chat.User{{ID: "a"}})
	p.Reset()
	if p.Count() != 0 || p.Contains("a") {
		t.Error("Reset() should empty the set")
	}
}
