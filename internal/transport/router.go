// Package transport routes operations to the request channel or the
// streaming channel and ties both to the shared session.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/auth"
	"github.com/omochice/roomlink/internal/session"
	"github.com/omochice/roomlink/internal/transport/ws"
	"github.com/omochice/roomlink/pkg/protocol"
)

// Channel identifies where an operation is sent.
type Channel int

const (
	ChannelRequest Channel = iota
	ChannelStream
)

// String returns the channel name
func (c Channel) String() string {
	if c == ChannelStream {
		return "stream"
	}
	return "request"
}

// ErrWrongChannel is returned when an operation is sent to a method of the
// other channel.
var ErrWrongChannel = errors.New("operation not supported on this channel")

// RequestChannel sends one-shot operations.
type RequestChannel interface {
	Do(ctx context.Context, op protocol.Operation, authorization string) (*protocol.Response, error)
}

// StreamChannel carries subscriptions.
type StreamChannel interface {
	Subscribe(ctx context.Context, op protocol.Operation) (*ws.Subscription, error)
	Reconnect()
	Close() error
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l.With().Str("component", "router").Logger() }
}

// Router dispatches operations by kind. Requests pass through the refresh
// gate; subscriptions go to the streaming channel, which is redialed on every
// access token change.
type Router struct {
	session  *session.Session
	requests RequestChannel
	streams  StreamChannel
	gate     *auth.Gate
	logger   zerolog.Logger

	stopListening func()
}

// New creates a Router. gate wraps every request channel operation.
func New(s *session.Session, requests RequestChannel, streams StreamChannel, gate *auth.Gate, opts ...Option) *Router {
	r := &Router{
		session:  s,
		requests: requests,
		streams:  streams,
		gate:     gate,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stopListening = s.OnChange(func(string) {
		r.logger.Debug().Msg("access token changed, restarting streams")
		streams.Reconnect()
	})
	return r
}

// Route returns the channel for op.
func (r *Router) Route(op protocol.Operation) Channel {
	if op.ResolvedKind() == protocol.OperationKindSubscription {
		return ChannelStream
	}
	return ChannelRequest
}

// Execute sends a query or mutation through the refresh gate. GraphQL errors
// in the response are returned as typed errors along with the response.
func (r *Router) Execute(ctx context.Context, op protocol.Operation) (*protocol.Response, error) {
	if r.Route(op) != ChannelRequest {
		return nil, fmt.Errorf("%w: %s is a subscription", ErrWrongChannel, op.Name)
	}
	resp, err := r.gate.Do(ctx, func(ctx context.Context, authorization string) (*protocol.Response, error) {
		return r.requests.Do(ctx, op, authorization)
	})
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

// Subscribe starts a subscription on the streaming channel.
func (r *Router) Subscribe(ctx context.Context, op protocol.Operation) (*ws.Subscription, error) {
	if r.Route(op) != ChannelStream {
		return nil, fmt.Errorf("%w: %s is not a subscription", ErrWrongChannel, op.Name)
	}
	return r.streams.Subscribe(ctx, op)
}

// Close stops listening to the session and closes the streaming channel.
func (r *Router) Close() error {
	r.stopListening()
	return r.streams.Close()
}
