package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/room"
)

type fakeAnnouncer struct {
	mu       sync.Mutex
	enters   int
	leaves   int
	enterOK  bool
	enterErr error
	leaveErr error
	release  chan struct{}
}

func (a *fakeAnnouncer) EnterRoom(ctx context.Context, _ chat.ID) (bool, error) {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enters++
	return a.enterOK, a.enterErr
}

func (a *fakeAnnouncer) LeaveRoom(context.Context, chat.ID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves++
	return a.leaveErr == nil, a.leaveErr
}

func (a *fakeAnnouncer) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enters, a.leaves
}

func TestMembership_EnterLeave(t *testing.T) {
	api := &fakeAnnouncer{enterOK: true}
	var mu sync.Mutex
	var states []room.MembershipState
	m := room.NewMembership(api, "r1", zerolog.Nop(), func(s room.MembershipState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	if got := m.State(); got != room.NotEntered {
		t.Fatalf("initial state = %s", got)
	}
	if err := m.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := m.Enter(context.Background()); err != nil {
		t.Fatalf("second Enter: %v", err)
	}
	if err := m.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := m.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}

	if enters, leaves := api.counts(); enters != 1 || leaves != 1 {
		t.Errorf("announcements = (%d, %d), want (1, 1)", enters, leaves)
	}
	want := []room.MembershipState{room.Entering, room.Entered, room.Leaving, room.NotEntered}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestMembership_EnterFailure(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeAnnouncer
		wantErr error
	}{
		{
			name:    "not confirmed",
			api:     &fakeAnnouncer{enterOK: false},
			wantErr: room.ErrEnterRejected,
		},
		{
			name:    "backend error",
			api:     &fakeAnnouncer{enterErr: errBackend},
			wantErr: errBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := room.NewMembership(tt.api, "r1", zerolog.Nop(), nil)
			err := m.Enter(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Enter error = %v, want %v", err, tt.wantErr)
			}
			if got := m.State(); got != room.NotEntered {
				t.Errorf("state = %s, want not_entered", got)
			}
		})
	}
}

func TestMembership_LeaveFailureStillResets(t *testing.T) {
	api := &fakeAnnouncer{enterOK: true, leaveErr: errBackend}
	m := room.NewMembership(api, "r1", zerolog.Nop(), nil)
	if err := m.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := m.Leave(context.Background()); !errors.Is(err, errBackend) {
		t.Fatalf("Leave error = %v", err)
	}
	if got := m.State(); got != room.NotEntered {
		t.Errorf("state = %s, want not_entered", got)
	}
}

func TestMembership_LeaveDetached(t *testing.T) {
	api := &fakeAnnouncer{enterOK: true}
	m := room.NewMembership(api, "r1", zerolog.Nop(), nil)
	if err := m.Enter(context.Background()); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	m.LeaveDetached()
	m.Wait()

	if _, leaves := api.counts(); leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}
	if got := m.State(); got != room.NotEntered {
		t.Errorf("state = %s, want not_entered", got)
	}
}

func TestMembership_LeaveDuringEnter(t *testing.T) {
	api := &fakeAnnouncer{enterOK: true, release: make(chan struct{})}
	m := room.NewMembership(api, "r1", zerolog.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- m.Enter(context.Background()) }()
	eventually(t, func() bool { return m.State() == room.Entering }, "entering")

	if err := m.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	close(api.release)
	if err := <-done; err != nil {
		t.Fatalf("Enter: %v", err)
	}

	if got := m.State(); got != room.NotEntered {
		t.Errorf("state = %s, want not_entered after leave overtook enter", got)
	}
}
