// Package credstore persists session credentials in a local Pebble database.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/omochice/roomlink/internal/session"
)

var credentialsKey = []byte("session:credentials")

// Store is a session.Store backed by Pebble.
type Store struct {
	db *pebble.DB
}

// Option configures Open.
type Option func(*pebble.Options)

// WithFS opens the database on fs, for example vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option {
	return func(o *pebble.Options) { o.FS = fs }
}

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := &pebble.Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.FS == nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := pebble.Open(dir, o)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the stored credentials, or zero Credentials when none are
// stored.
func (s *Store) Load() (session.Credentials, error) {
	v, closer, err := s.db.Get(credentialsKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return session.Credentials{}, nil
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	defer closer.Close()

	var creds session.Credentials
	if err := json.Unmarshal(v, &creds); err != nil {
		return session.Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

// Save replaces the stored credentials.
func (s *Store) Save(creds session.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.db.Set(credentialsKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	if err := s.db.Delete(credentialsKey, pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
