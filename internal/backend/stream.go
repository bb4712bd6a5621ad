package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/omochice/roomlink/internal/transport/ws"
)

// ErrStreamClosed is returned by Next once a stream ended.
var ErrStreamClosed = errors.New("stream closed")

// Event is one decoded push event. Restarted is set, with no value, after the
// stream was started again on a new connection.
type Event[T any] struct {
	Value     T
	Restarted bool
	Err       error
}

// Stream is a typed push subscription.
type Stream[T any] interface {
	// Next blocks until the next event. It returns ErrStreamClosed once the
	// stream ended.
	Next(ctx context.Context) (Event[T], error)

	// Close unsubscribes.
	Close()
}

type subscriptionStream[T any] struct {
	sub    *ws.Subscription
	decode func(json.RawMessage) (T, error)
}

func newStream[T any](sub *ws.Subscription, decode func(json.RawMessage) (T, error)) Stream[T] {
	return &subscriptionStream[T]{sub: sub, decode: decode}
}

func (s *subscriptionStream[T]) Next(ctx context.Context) (Event[T], error) {
	select {
	case ev := <-s.sub.Events():
		switch {
		case ev.Restarted:
			return Event[T]{Restarted: true}, nil
		case ev.Err != nil:
			return Event[T]{Err: ev.Err}, nil
		case len(ev.Errors) > 0:
			return Event[T]{Err: ev.Errors}, nil
		}
		v, err := s.decode(ev.Data)
		if err != nil {
			return Event[T]{Err: err}, nil
		}
		return Event[T]{Value: v}, nil
	case <-s.sub.Done():
		return Event[T]{}, ErrStreamClosed
	case <-ctx.Done():
		return Event[T]{}, ctx.Err()
	}
}

func (s *subscriptionStream[T]) Close() {
	s.sub.Unsubscribe()
}
