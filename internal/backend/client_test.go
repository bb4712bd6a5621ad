package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/omochice/roomlink/internal/backend"
	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/transport/ws"
	"github.com/omochice/roomlink/pkg/protocol"
)

type fakeExecutor struct {
	ops  []protocol.Operation
	resp *protocol.Response
	err  error
}

func (e *fakeExecutor) Execute(_ context.Context, op protocol.Operation) (*protocol.Response, error) {
	e.ops = append(e.ops, op)
	return e.resp, e.err
}

func (e *fakeExecutor) Subscribe(context.Context, protocol.Operation) (*ws.Subscription, error) {
	return nil, errors.New("not supported")
}

func data(s string) *protocol.Response {
	return &protocol.Response{Data: json.RawMessage(s)}
}

func TestClient_SendMessageWithAttachment(t *testing.T) {
	exec := &fakeExecutor{resp: data(`{"sendMessage":{"id":"10","content":"look","imageUrl":"/uploads/cat.png","createdAt":"2024-03-01T10:30:00Z","user":{"id":"1"}}}`)}
	c := backend.New(exec)

	att := &chat.Attachment{Filename: "cat.png", ContentType: "image/png", Data: []byte("PNG")}
	m, err := c.SendMessage(context.Background(), "3", "look", att)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if m.ID != "10" || m.AttachmentRef != "/uploads/cat.png" || m.RoomID != "3" {
		t.Errorf("message = %+v", m)
	}

	op := exec.ops[0]
	if op.ResolvedKind() != protocol.OperationKindMutation {
		t.Errorf("kind = %v, want mutation", op.ResolvedKind())
	}
	if op.Variables["chatroomId"] != int64(3) || op.Variables["content"] != "look" {
		t.Errorf("variables = %v", op.Variables)
	}
	upload, ok := op.Files["variables.image"]
	if !ok {
		t.Fatalf("files = %v, want variables.image", op.Files)
	}
	body, _ := io.ReadAll(upload.Body)
	if upload.Filename != "cat.png" || string(body) != "PNG" {
		t.Errorf("upload = %s %q", upload.Filename, body)
	}
}

func TestClient_SendMessageWithoutAttachment(t *testing.T) {
	exec := &fakeExecutor{resp: data(`{"sendMessage":{"id":"10","content":"hi","createdAt":"2024-03-01T10:30:00Z","user":{"id":"1"}}}`)}
	if _, err := backend.New(exec).SendMessage(context.Background(), "3", "hi", nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(exec.ops[0].Files) != 0 {
		t.Errorf("files = %v, want none", exec.ops[0].Files)
	}
}

func TestClient_FetchMessages(t *testing.T) {
	exec := &fakeExecutor{resp: data(`{"getMessagesForChatroom":[
		{"id":"1","content":"a","createdAt":"1709289000000","user":{"id":"2"}},
		{"id":"2","content":"b","createdAt":1709289001000,"user":{"id":"3"}}
	]}`)}
	msgs, err := backend.New(exec).FetchMessages(context.Background(), "7")
	if err != nil {
		t.Fatalf("FetchMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "b" || msgs[1].RoomID != "7" {
		t.Errorf("messages = %+v", msgs)
	}
	if !msgs[0].CreatedAt.Before(msgs[1].CreatedAt) {
		t.Error("timestamps not decoded")
	}
}

func TestClient_ExecuteErrorWrapped(t *testing.T) {
	exec := &fakeExecutor{err: protocol.ErrUnauthenticated}
	_, err := backend.New(exec).EnterRoom(context.Background(), "1")
	if !errors.Is(err, protocol.ErrUnauthenticated) {
		t.Errorf("EnterRoom() error = %v, want ErrUnauthenticated", err)
	}
}

type fakeDoer struct {
	resp *protocol.Response
	err  error
	auth string
}

func (d *fakeDoer) Do(_ context.Context, _ protocol.Operation, authorization string) (*protocol.Response, error) {
	d.auth = authorization
	return d.resp, d.err
}

func TestNewRefresher(t *testing.T) {
	tests := []struct {
		name      string
		doer      *fakeDoer
		wantToken string
		wantErr   bool
	}{
		{name: "new token", doer: &fakeDoer{resp: data(`{"refreshToken":"fresh"}`)}, wantToken: "fresh"},
		{name: "empty token", doer: &fakeDoer{resp: data(`{"refreshToken":""}`)}, wantErr: true},
		{name: "graphql error", doer: &fakeDoer{resp: &protocol.Response{Errors: protocol.Errors{{Message: protocol.RefreshTokenMissingMessage}}}}, wantErr: true},
		{name: "transport", doer: &fakeDoer{err: protocol.ErrTransport}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := backend.NewRefresher(tt.doer)(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("refresh error = %v, wantErr %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
			if tt.doer.auth != "" {
				t.Errorf("refresh sent authorization %q, want none", tt.doer.auth)
			}
		})
	}
}
