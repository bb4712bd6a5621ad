// Package room drives a focused chat room: membership announcements, the
// push streams and the reconciled room state.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/chat"
)

// DefaultLeaveTimeout bounds a detached leave announcement.
const DefaultLeaveTimeout = 5 * time.Second

// ErrEnterRejected is returned when the backend did not confirm the enter.
var ErrEnterRejected = errors.New("enter room not confirmed")

// MembershipState is the announcement state of the local user in a room.
type MembershipState int

const (
	NotEntered MembershipState = iota
	Entering
	Entered
	Leaving
)

// String returns the state name
func (s MembershipState) String() string {
	switch s {
	case Entering:
		return "entering"
	case Entered:
		return "entered"
	case Leaving:
		return "leaving"
	default:
		return "not_entered"
	}
}

// Announcer sends enter and leave signals.
type Announcer interface {
	EnterRoom(ctx context.Context, room chat.ID) (bool, error)
	LeaveRoom(ctx context.Context, room chat.ID) (bool, error)
}

// Membership tracks NotEntered → Entering → Entered → Leaving → NotEntered
// for one room.
type Membership struct {
	api          Announcer
	room         chat.ID
	leaveTimeout time.Duration
	logger       zerolog.Logger
	onChange     func(MembershipState)

	mu    sync.Mutex
	state MembershipState
	gen   uint64
	wg    sync.WaitGroup
}

// NewMembership creates a Membership for room in state NotEntered. onChange,
// if not nil, runs after every transition.
func NewMembership(api Announcer, room chat.ID, logger zerolog.Logger, onChange func(MembershipState)) *Membership {
	return &Membership{
		api:          api,
		room:         room,
		leaveTimeout: DefaultLeaveTimeout,
		logger:       logger,
		onChange:     onChange,
	}
}

// State returns the current state.
func (m *Membership) State() MembershipState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Enter announces the local user. It is a no-op while entering or entered.
func (m *Membership) Enter(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Entering || m.state == Entered {
		m.mu.Unlock()
		return nil
	}
	gen := m.transitionLocked(Entering)
	m.mu.Unlock()
	m.changed(Entering)

	ok, err := m.api.EnterRoom(ctx, m.room)
	if err == nil && !ok {
		err = ErrEnterRejected
	}

	next := Entered
	if err != nil {
		next = NotEntered
	}
	m.mu.Lock()
	if m.gen != gen {
		// A leave overtook this enter.
		m.mu.Unlock()
		return err
	}
	m.transitionLocked(next)
	m.mu.Unlock()
	m.changed(next)

	if err != nil {
		return fmt.Errorf("failed to enter room %s: %w", m.room, err)
	}
	m.logger.Info().Str("room", string(m.room)).Msg("entered room")
	return nil
}

// Leave announces that the local user left and waits for the backend. The
// state becomes NotEntered whatever the outcome.
func (m *Membership) Leave(ctx context.Context) error {
	if !m.beginLeave() {
		return nil
	}
	_, err := m.api.LeaveRoom(ctx, m.room)
	m.endLeave(err)
	if err != nil {
		return fmt.Errorf("failed to leave room %s: %w", m.room, err)
	}
	return nil
}

// LeaveDetached announces the leave in the background with its own timeout,
// for teardown paths that cannot wait.
func (m *Membership) LeaveDetached() {
	if !m.beginLeave() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.leaveTimeout)
		defer cancel()
		_, err := m.api.LeaveRoom(ctx, m.room)
		m.endLeave(err)
	}()
}

// Wait blocks until detached leaves finished.
func (m *Membership) Wait() {
	m.wg.Wait()
}

func (m *Membership) beginLeave() bool {
	m.mu.Lock()
	if m.state == NotEntered || m.state == Leaving {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(Leaving)
	m.mu.Unlock()
	m.changed(Leaving)
	return true
}

func (m *Membership) endLeave(err error) {
	if err != nil {
		m.logger.Warn().Err(err).Str("room", string(m.room)).Msg("leave announcement failed")
	} else {
		m.logger.Info().Str("room", string(m.room)).Msg("left room")
	}
	m.mu.Lock()
	m.transitionLocked(NotEntered)
	m.mu.Unlock()
	m.changed(NotEntered)
}

func (m *Membership) transitionLocked(s MembershipState) uint64 {
	m.state = s
	m.gen++
	return m.gen
}

func (m *Membership) changed(s MembershipState) {
	if m.onChange != nil {
		m.onChange(s)
	}
}
