package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/omochice/roomlink/internal/backend"
	"github.com/omochice/roomlink/internal/backendtest"
	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/client"
	"github.com/omochice/roomlink/pkg/protocol"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

func newClient(t *testing.T, srv *backendtest.Server) *client.Client {
	t.Helper()
	c, err := client.New(srv.URL(), srv.WSURL(),
		client.WithStreamBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }, time.Second))
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func login(t *testing.T, c *client.Client, email, password string) chat.User {
	t.Helper()
	u, err := c.Login(context.Background(), email, password)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return u
}

func contents(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// TestClient_RoomLifecycle exercises a focused room end to end
func TestClient_RoomLifecycle(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	bob := srv.AddUser("Bob", "bob@example.com", "secret")
	room := srv.AddRoom(ann.ID, bob.ID)
	start := time.Now().Add(-time.Hour)
	srv.AddMessage(room, bob.ID, "earlier", start)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")

	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if !c.Visible() || !c.IsMember() {
		t.Fatal("room should be visible to a member")
	}
	if got := contents(c.Timeline()); len(got) != 1 || got[0] != "earlier" {
		t.Fatalf("Timeline() = %v, want [earlier]", got)
	}

	eventually(t, func() bool { return srv.Subscriptions("newMessage") == 1 }, "message subscription")
	eventually(t, func() bool { return srv.Subscriptions("userStartedTyping") == 1 }, "typing subscription")
	eventually(t, func() bool { return len(srv.Live(room)) == 1 }, "entered room")

	srv.PushMessage(room, bob.ID, "pushed", start.Add(time.Minute))
	eventually(t, func() bool { return len(c.Timeline()) == 2 }, "pushed message")

	srv.PushTyping(room, bob.ID, true)
	eventually(t, func() bool {
		users := c.TypingUsers()
		return len(users) == 1 && users[0].ID == bob.ID
	}, "bob typing")
	srv.PushTyping(room, bob.ID, false)
	eventually(t, func() bool { return len(c.TypingUsers()) == 0 }, "bob stopped typing")

	if err := c.SetDraft("hello"); err != nil {
		t.Fatalf("SetDraft() error = %v", err)
	}
	if err := c.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	eventually(t, func() bool { return len(c.Timeline()) == 3 }, "own message delivered")
	if last := c.Timeline()[2]; last.Content != "hello" || last.AuthorID != ann.ID {
		t.Errorf("last message = %+v", last)
	}

	c.Blur()
	if c.Room() != nil || len(c.Timeline()) != 0 {
		t.Error("Blur should discard the room")
	}
	eventually(t, func() bool { return len(srv.Live(room)) == 0 }, "left room")
}

func TestClient_FocusAnotherRoomDiscardsState(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	first := srv.AddRoom(ann.ID)
	second := srv.AddRoom(ann.ID)
	srv.AddMessage(first, ann.ID, "in first", time.Now())
	srv.AddMessage(second, ann.ID, "in second", time.Now())

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")

	if err := c.Focus(context.Background(), first); err != nil {
		t.Fatalf("Focus(first) error = %v", err)
	}
	if err := c.Focus(context.Background(), second); err != nil {
		t.Fatalf("Focus(second) error = %v", err)
	}

	if got := contents(c.Timeline()); len(got) != 1 || got[0] != "in second" {
		t.Errorf("Timeline() = %v, want [in second]", got)
	}
	eventually(t, func() bool { return len(srv.Live(first)) == 0 }, "left first room")
	if live := srv.Live(second); len(live) != 1 || live[0] != ann.ID {
		t.Errorf("Live(second) = %v", live)
	}
}

func TestClient_FocusSameRoomKeepsIt(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	room := srv.AddRoom(ann.ID)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")

	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	focused := c.Room()
	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("second Focus() error = %v", err)
	}

	if c.Room() != focused {
		t.Error("focusing the current room should keep it")
	}
	if got := srv.Calls("enterChatroom"); got != 1 {
		t.Errorf("enterChatroom calls = %d, want 1", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := srv.Calls("leaveChatroom"); got != 0 {
		t.Errorf("leaveChatroom calls = %d, want 0", got)
	}
	if live := srv.Live(room); len(live) != 1 || live[0] != ann.ID {
		t.Errorf("Live() = %v, want [%s]", live, ann.ID)
	}
}

func TestClient_NotMemberIsHidden(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddUser("Ann", "ann@example.com", "secret")
	bob := srv.AddUser("Bob", "bob@example.com", "secret")
	room := srv.AddRoom(bob.ID)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")

	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if c.IsMember() || c.Visible() {
		t.Error("room should be hidden from a non-member")
	}
}

func TestClient_ExpiredTokenIsRefreshed(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	room := srv.AddRoom(ann.ID)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")
	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	before := c.Session().AccessToken()

	srv.ExpireAccessTokens()
	if err := c.SetDraft("after expiry"); err != nil {
		t.Fatalf("SetDraft() error = %v", err)
	}
	if err := c.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	eventually(t, func() bool {
		for _, m := range c.Timeline() {
			if m.Content == "after expiry" {
				return true
			}
		}
		return false
	}, "message sent after refresh")
	if got := srv.Calls("refreshToken"); got != 1 {
		t.Errorf("refreshToken calls = %d, want 1", got)
	}
	if c.Session().AccessToken() == before {
		t.Error("access token was not replaced")
	}
}

func TestClient_Login(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")

	tests := []struct {
		name      string
		password  string
		wantField string
	}{
		{name: "valid", password: "secret"},
		{name: "wrong password", password: "nope", wantField: "invalidCredentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, srv)
			u, err := c.Login(context.Background(), "ann@example.com", tt.password)
			if tt.wantField != "" {
				var verr *protocol.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Login() error = %v, want ValidationError", err)
				}
				if _, ok := verr.Fields[tt.wantField]; !ok {
					t.Errorf("Fields = %v, want %s", verr.Fields, tt.wantField)
				}
				if _, ok := c.Identity(); ok {
					t.Error("failed login must not sign in")
				}
				return
			}
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if u.ID != ann.ID {
				t.Errorf("user = %+v", u)
			}
			if got, ok := c.Identity(); !ok || got.ID != ann.ID {
				t.Errorf("Identity() = %+v, %v", got, ok)
			}
		})
	}
}

func TestClient_Register(t *testing.T) {
	srv := backendtest.New(t)
	c := newClient(t, srv)

	_, err := c.Register(context.Background(), backend.RegisterInput{
		Fullname: "Cy", Email: "cy@example.com", Password: "a", ConfirmPassword: "b",
	})
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) || verr.Fields["confirmPassword"] == "" {
		t.Fatalf("Register() mismatch error = %v", err)
	}

	u, err := c.Register(context.Background(), backend.RegisterInput{
		Fullname: "Cy", Email: "cy@example.com", Password: "a", ConfirmPassword: "a",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Fullname != "Cy" || c.Session().AccessToken() == "" {
		t.Errorf("registered user = %+v", u)
	}
}

func TestClient_FocusRequiresSignIn(t *testing.T) {
	srv := backendtest.New(t)
	c := newClient(t, srv)

	if err := c.Focus(context.Background(), "1"); !errors.Is(err, client.ErrSignedOut) {
		t.Errorf("Focus() error = %v, want ErrSignedOut", err)
	}
	if err := c.Submit(); !errors.Is(err, client.ErrNoRoom) {
		t.Errorf("Submit() error = %v, want ErrNoRoom", err)
	}
}

func TestClient_Logout(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	room := srv.AddRoom(ann.ID)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")
	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, ok := c.Identity(); ok {
		t.Error("identity should be cleared")
	}
	if c.Room() != nil {
		t.Error("room should be closed")
	}
	if got := srv.Calls("logout"); got != 1 {
		t.Errorf("logout calls = %d, want 1", got)
	}
}

func TestClient_Close(t *testing.T) {
	srv := backendtest.New(t)
	ann := srv.AddUser("Ann", "ann@example.com", "secret")
	room := srv.AddRoom(ann.ID)

	c := newClient(t, srv)
	login(t, c, "ann@example.com", "secret")
	if err := c.Focus(context.Background(), room); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if live := srv.Live(room); len(live) != 0 {
		t.Errorf("Live() = %v, want empty after Close", live)
	}
	for range c.Updates() {
	}
	if err := c.Focus(context.Background(), room); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Focus() after Close error = %v, want ErrClosed", err)
	}
}
