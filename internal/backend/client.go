// Package backend maps the chat backend's GraphQL operations to typed calls.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/transport/ws"
	"github.com/omochice/roomlink/pkg/protocol"
)

// Executor runs operations on the right channel.
type Executor interface {
	Execute(ctx context.Context, op protocol.Operation) (*protocol.Response, error)
	Subscribe(ctx context.Context, op protocol.Operation) (*ws.Subscription, error)
}

// Doer sends an operation on the request channel without the refresh gate.
type Doer interface {
	Do(ctx context.Context, op protocol.Operation, authorization string) (*protocol.Response, error)
}

// AuthResult is returned by Login and Register.
type AuthResult struct {
	User        chat.User `json:"user"`
	AccessToken string    `json:"accessToken"`
}

// RegisterInput holds the registration form.
type RegisterInput struct {
	Fullname        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Client issues backend operations through an Executor.
type Client struct {
	exec   Executor
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l.With().Str("component", "backend").Logger() }
}

// New creates a Client.
func New(exec Executor, opts ...Option) *Client {
	c := &Client{exec: exec, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRefresher returns a refresh function that calls refreshToken directly on
// the request channel. The refresh credential travels as a cookie.
func NewRefresher(d Doer) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		resp, err := d.Do(ctx, protocol.Operation{
			Name:  "RefreshToken",
			Kind:  protocol.OperationKindMutation,
			Query: refreshTokenDoc,
		}, "")
		if err != nil {
			return "", err
		}
		if len(resp.Errors) > 0 {
			return "", resp.Errors
		}
		var token string
		if err := resp.Field("refreshToken", &token); err != nil {
			return "", err
		}
		if token == "" {
			return "", fmt.Errorf("new access token not received")
		}
		return token, nil
	}
}

// Login signs in with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	return call[AuthResult](ctx, c, "LoginUser", loginDoc, "login", map[string]any{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and signs in.
func (c *Client) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	return call[AuthResult](ctx, c, "RegisterUser", registerDoc, "register", map[string]any{
		"fullname":        in.Fullname,
		"email":           in.Email,
		"password":        in.Password,
		"confirmPassword": in.ConfirmPassword,
	})
}

// Logout ends the backend session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := call[string](ctx, c, "LogoutUser", logoutDoc, "logout", nil)
	return err
}

// EnterRoom announces the local user in room.
func (c *Client) EnterRoom(ctx context.Context, room chat.ID) (bool, error) {
	return call[bool](ctx, c, "EnterChatroom", enterChatroomDoc, "enterChatroom", roomVars(room))
}

// LeaveRoom announces that the local user left room.
func (c *Client) LeaveRoom(ctx context.Context, room chat.ID) (bool, error) {
	return call[bool](ctx, c, "LeaveChatroom", leaveChatroomDoc, "leaveChatroom", roomVars(room))
}

// ListMembers returns the members of room.
func (c *Client) ListMembers(ctx context.Context, room chat.ID) ([]chat.User, error) {
	return call[[]chat.User](ctx, c, "GetUsersOfChatroom", getUsersOfChatroomDoc, "getUsersOfChatroom", roomVars(room))
}

// FetchMessages returns the authoritative message list of room.
func (c *Client) FetchMessages(ctx context.Context, room chat.ID) ([]chat.Message, error) {
	wire, err := call[[]wireMessage](ctx, c, "GetMessagesForChatroom", getMessagesForChatroomDoc, "getMessagesForChatroom", roomVars(room))
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, len(wire))
	for i, w := range wire {
		msgs[i] = w.message(room)
	}
	return msgs, nil
}

// SendMessage posts a message with an optional image attachment.
func (c *Client) SendMessage(ctx context.Context, room chat.ID, content string, att *chat.Attachment) (chat.Message, error) {
	vars := roomVars(room)
	vars["content"] = content
	vars["image"] = nil

	op := protocol.Operation{
		Name:      "SendMessage",
		Kind:      protocol.OperationKindMutation,
		Query:     sendMessageDoc,
		Variables: vars,
	}
	if att != nil {
		op.Files = map[string]protocol.Upload{
			"variables.image": {
				Filename:    att.Filename,
				ContentType: att.ContentType,
				Body:        bytes.NewReader(att.Data),
			},
		}
	}
	wire, err := execute[wireMessage](ctx, c, op, "sendMessage")
	if err != nil {
		return chat.Message{}, err
	}
	return wire.message(room), nil
}

// NotifyStartedTyping tells room the local user started typing.
func (c *Client) NotifyStartedTyping(ctx context.Context, room chat.ID) error {
	_, err := call[chat.User](ctx, c, "UserStartedTypingMutation", userStartedTypingMutationDoc, "userStartedTypingMutation", roomVars(room))
	return err
}

// NotifyStoppedTyping tells room the local user stopped typing.
func (c *Client) NotifyStoppedTyping(ctx context.Context, room chat.ID) error {
	_, err := call[chat.User](ctx, c, "UserStoppedTypingMutation", userStoppedTypingMutationDoc, "userStoppedTypingMutation", roomVars(room))
	return err
}

// SubscribeNewMessages streams messages posted to room.
func (c *Client) SubscribeNewMessages(ctx context.Context, room chat.ID) (Stream[chat.Message], error) {
	sub, err := c.subscribe(ctx, "NewMessage", newMessageDoc, roomVars(room))
	if err != nil {
		return nil, err
	}
	return newStream(sub, func(data json.RawMessage) (chat.Message, error) {
		w, err := decodeField[wireMessage](data, "newMessage")
		if err != nil {
			return chat.Message{}, err
		}
		return w.message(room), nil
	}), nil
}

// SubscribeTypingStarted streams users other than self who start typing.
func (c *Client) SubscribeTypingStarted(ctx context.Context, room, self chat.ID) (Stream[chat.User], error) {
	return c.subscribeUser(ctx, "UserStartedTyping", userStartedTypingDoc, "userStartedTyping", room, self)
}

// SubscribeTypingStopped streams users other than self who stop typing.
func (c *Client) SubscribeTypingStopped(ctx context.Context, room, self chat.ID) (Stream[chat.User], error) {
	return c.subscribeUser(ctx, "UserStoppedTyping", userStoppedTypingDoc, "userStoppedTyping", room, self)
}

// SubscribeLiveUsers streams complete snapshots of the users live in room.
func (c *Client) SubscribeLiveUsers(ctx context.Context, room chat.ID) (Stream[[]chat.User], error) {
	sub, err := c.subscribe(ctx, "LiveUsersInChatroom", liveUsersInChatroomDoc, roomVars(room))
	if err != nil {
		return nil, err
	}
	return newStream(sub, func(data json.RawMessage) ([]chat.User, error) {
		return decodeField[[]chat.User](data, "liveUsersInChatroom")
	}), nil
}

func (c *Client) subscribeUser(ctx context.Context, name, doc, field string, room, self chat.ID) (Stream[chat.User], error) {
	vars := roomVars(room)
	vars["userId"] = self.Value()
	sub, err := c.subscribe(ctx, name, doc, vars)
	if err != nil {
		return nil, err
	}
	return newStream(sub, func(data json.RawMessage) (chat.User, error) {
		return decodeField[chat.User](data, field)
	}), nil
}

func (c *Client) subscribe(ctx context.Context, name, doc string, vars map[string]any) (*ws.Subscription, error) {
	sub, err := c.exec.Subscribe(ctx, protocol.Operation{
		Name:      name,
		Kind:      protocol.OperationKindSubscription,
		Query:     doc,
		Variables: vars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	return sub, nil
}

func call[T any](ctx context.Context, c *Client, name, doc, field string, vars map[string]any) (T, error) {
	return execute[T](ctx, c, protocol.Operation{Name: name, Query: doc, Variables: vars}, field)
}

func execute[T any](ctx context.Context, c *Client, op protocol.Operation, field string) (T, error) {
	var v T
	resp, err := c.exec.Execute(ctx, op)
	if err != nil {
		c.logger.Debug().Err(err).Str("operation", op.Name).Msg("operation failed")
		return v, fmt.Errorf("%s: %w", op.Name, err)
	}
	if err := resp.Field(field, &v); err != nil {
		return v, fmt.Errorf("%s: %w", op.Name, err)
	}
	return v, nil
}

func roomVars(room chat.ID) map[string]any {
	return map[string]any{"chatroomId": room.Value()}
}
