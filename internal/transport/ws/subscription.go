package ws

import (
	"encoding/json"
	"sync"

	"github.com/omochice/roomlink/pkg/protocol"
)

// eventBuffer is the per-subscription event queue length.
const eventBuffer = 64

// Event is one notification on a subscription.
//
// Restarted is set, with no data, after the streaming channel reconnected and
// the subscription was started again; events may have been missed.
type Event struct {
	Data      json.RawMessage
	Errors    protocol.Errors
	Err       error
	Restarted bool
}

// Subscription is one active subscription operation.
type Subscription struct {
	id     string
	op     protocol.Operation
	client *Client
	events chan Event

	// started reports whether a start frame was sent on some connection.
	// Guarded by client.mu.
	started bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSubscription(id string, op protocol.Operation, c *Client) *Subscription {
	return &Subscription{
		id:     id,
		op:     op,
		client: c,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the operation id used on the wire.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the channel of notifications. It is never closed; select on
// Done as well.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed once the subscription ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops the subscription on the backend and ends it locally.
func (s *Subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}

// deliver queues ev, waiting while the consumer catches up.
func (s *Subscription) deliver(ev Event, clientDone <-chan struct{}) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-clientDone:
	}
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
