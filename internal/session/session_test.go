package session_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/session"
)

type memStore struct {
	mu      sync.Mutex
	creds   session.Credentials
	cleared int
	saveErr error
}

func (m *memStore) Load() (session.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *memStore) Save(c session.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.creds = c
	return nil
}

func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = session.Credentials{}
	m.cleared++
	return nil
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func TestSession_AcquireRetryIsBounded(t *testing.T) {
	s := session.New(session.WithMaxRetries(3))

	for i := 1; i <= 3; i++ {
		if !s.AcquireRetry() {
			t.Fatalf("AcquireRetry() #%d = false, want true", i)
		}
	}
	if s.AcquireRetry() {
		t.Error("AcquireRetry() beyond budget = true, want false")
	}
	if got := s.RetryCount(); got != 3 {
		t.Errorf("RetryCount() = %d, want 3", got)
	}

	_ = s.Clear()
	if s.AcquireRetry() {
		t.Error("Clear() must not reset the retry budget")
	}
}

func TestSession_Authorization(t *testing.T) {
	s := session.New()
	if got := s.Authorization(); got != "" {
		t.Errorf("Authorization() = %q, want empty", got)
	}
	_ = s.SetAccessToken("abc")
	if got := s.Authorization(); got != "Bearer abc" {
		t.Errorf("Authorization() = %q, want %q", got, "Bearer abc")
	}
}

func TestSession_OnChange(t *testing.T) {
	s := session.New()

	var got []string
	cancel := s.OnChange(func(token string) { got = append(got, token) })

	_ = s.SetAccessToken("one")
	_ = s.SetAccessToken("one")
	_ = s.SetAccessToken("two")
	_ = s.Clear()
	cancel()
	_ = s.SetAccessToken("three")

	want := []string{"one", "two", ""}
	if len(got) != len(want) {
		t.Fatalf("notifications = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSession_PersistsAndRestores(t *testing.T) {
	store := &memStore{}
	s := session.New(session.WithStore(store))

	if err := s.SignIn("tok", chat.User{ID: "7", Fullname: "Ann"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	restored := session.New(session.WithStore(store))
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.AccessToken() != "tok" {
		t.Errorf("AccessToken() = %q, want tok", restored.AccessToken())
	}
	u, ok := restored.Identity()
	if !ok || u.ID != "7" {
		t.Errorf("Identity() = %v, %v", u, ok)
	}

	if err := restored.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if store.cleared != 1 {
		t.Errorf("store cleared %d times, want 1", store.cleared)
	}
	if _, ok := restored.Identity(); ok {
		t.Error("Identity() should be empty after Clear()")
	}
}

func TestSession_SaveErrorIsReturned(t *testing.T) {
	boom := errors.New("disk full")
	s := session.New(session.WithStore(&memStore{saveErr: boom}))

	if err := s.SetAccessToken("x"); !errors.Is(err, boom) {
		t.Errorf("SetAccessToken() error = %v, want %v", err, boom)
	}
	if s.AccessToken() != "x" {
		t.Error("token should be installed even when persisting fails")
	}
}

func TestIdentityFromToken(t *testing.T) {
	tests := []struct {
		name    string
		claims  jwt.MapClaims
		wantID  chat.ID
		wantErr bool
	}{
		{"numeric subject", jwt.MapClaims{"sub": 42, "username": "ann"}, "42", false},
		{"string subject", jwt.MapClaims{"sub": "u-1"}, "u-1", false},
		{"missing subject", jwt.MapClaims{"username": "ann"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := session.IdentityFromToken(signed(t, tt.claims))
			if (err != nil) != tt.wantErr {
				t.Fatalf("IdentityFromToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if u.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", u.ID, tt.wantID)
			}
		})
	}

	if _, err := session.IdentityFromToken("not-a-token"); err == nil {
		t.Error("IdentityFromToken() should reject malformed tokens")
	}
}

func TestSession_IdentityFallsBackToToken(t *testing.T) {
	s := session.New()
	_ = s.SetAccessToken(signed(t, jwt.MapClaims{"sub": 9, "username": "bob"}))

	u, ok := s.Identity()
	if !ok || u.ID != "9" || u.Fullname != "bob" {
		t.Errorf("Identity() = %+v, %v", u, ok)
	}
}

func TestSession_SetAccessTokenIfRejectsStaleEpoch(t *testing.T) {
	store := &memStore{}
	s := session.New(session.WithStore(store))
	if err := s.SignIn("old", chat.User{ID: "1"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	epoch := s.Epoch()
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	ok, err := s.SetAccessTokenIf(epoch, "new")
	if err != nil || ok {
		t.Fatalf("SetAccessTokenIf(stale) = %v, %v, want false, nil", ok, err)
	}
	if s.AccessToken() != "" {
		t.Errorf("AccessToken() = %q, want empty after Clear", s.AccessToken())
	}
	if store.creds.AccessToken != "" {
		t.Errorf("stored token = %q, want empty", store.creds.AccessToken)
	}

	ok, err = s.SetAccessTokenIf(s.Epoch(), "current")
	if err != nil || !ok {
		t.Fatalf("SetAccessTokenIf(current) = %v, %v, want true, nil", ok, err)
	}
	if s.AccessToken() != "current" {
		t.Errorf("AccessToken() = %q, want current", s.AccessToken())
	}
}
