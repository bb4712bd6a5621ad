package credstore_test

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/credstore"
	"github.com/omochice/roomlink/internal/session"
)

func openStore(t *testing.T, fs vfs.FS) *credstore.Store {
	t.Helper()
	s, err := credstore.Open("creds", credstore.WithFS(fs))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestStore_LoadSaveClear(t *testing.T) {
	s := openStore(t, vfs.NewMem())
	defer s.Close()

	creds, err := s.Load()
	if err != nil {
		t.Fatalf("Load() on empty store error = %v", err)
	}
	if creds.AccessToken != "" || creds.Identity != nil {
		t.Fatalf("Load() on empty store = %+v", creds)
	}

	want := session.Credentials{AccessToken: "tok", Identity: &chat.User{ID: "7", Fullname: "Ann"}}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AccessToken != "tok" || got.Identity == nil || got.Identity.ID != "7" || got.Identity.Fullname != "Ann" {
		t.Errorf("Load() = %+v", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := s.Load(); got.AccessToken != "" {
		t.Errorf("Load() after Clear = %+v", got)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs)
	if err := s.Save(session.Credentials{AccessToken: "tok"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = openStore(t, fs)
	defer s.Close()
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AccessToken != "tok" {
		t.Errorf("AccessToken = %q, want tok", got.AccessToken)
	}
}

func TestStore_RestoresSession(t *testing.T) {
	store := openStore(t, vfs.NewMem())
	defer store.Close()

	s := session.New(session.WithStore(store))
	if err := s.SignIn("tok", chat.User{ID: "7"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	restored := session.New(session.WithStore(store))
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.AccessToken() != "tok" {
		t.Errorf("AccessToken() = %q", restored.AccessToken())
	}
	if u, ok := restored.Identity(); !ok || u.ID != "7" {
		t.Errorf("Identity() = %+v, %v", u, ok)
	}
}
