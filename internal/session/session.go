// Package session holds the process-wide credential state shared by every
// outbound operation: the access token, the refresh retry budget and the
// signed-in identity.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/omochice/roomlink/internal/chat"
)

// DefaultMaxRetries is the process-wide number of credential refreshes.
const DefaultMaxRetries = 3

// Credentials is what a Store persists between runs.
type Credentials struct {
	AccessToken string     `json:"accessToken,omitempty"`
	Identity    *chat.User `json:"identity,omitempty"`
}

// Store persists credentials. Load returns zero Credentials when nothing is
// stored.
type Store interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
}

// Option configures a Session.
type Option func(*Session)

// WithMaxRetries sets the refresh budget. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithStore persists credential changes to store.
func WithStore(store Store) Option {
	return func(s *Session) { s.store = store }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l.With().Str("component", "session").Logger() }
}

// Session is the credential context injected into the router and the refresh
// gate.
//
// retryCount only grows. Once it reaches maxRetries no further refresh is
// attempted until the process restarts.
type Session struct {
	mu          sync.RWMutex
	accessToken string
	identity    *chat.User
	retryCount  int
	maxRetries  int
	epoch       uint64
	store       Store
	logger      zerolog.Logger

	listeners    map[int]func(token string)
	nextListener int
}

// New creates an empty Session.
func New(opts ...Option) *Session {
	s := &Session{
		maxRetries: DefaultMaxRetries,
		logger:     zerolog.Nop(),
		listeners:  make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads persisted credentials from the store, if any.
func (s *Session) Restore() error {
	if s.store == nil {
		return nil
	}
	creds, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	s.mu.Lock()
	s.accessToken = creds.AccessToken
	s.identity = creds.Identity
	s.mu.Unlock()

	s.logger.Debug().Bool("has_token", creds.AccessToken != "").Msg("credentials restored")
	return nil
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Authorization returns the bearer authorization value, or "" when signed out.
func (s *Session) Authorization() string {
	return Bearer(s.AccessToken())
}

// Bearer formats token as an authorization value.
func Bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// SetAccessToken installs a new access token, persists it and notifies the
// listeners when it changed.
func (s *Session) SetAccessToken(token string) error {
	s.mu.Lock()
	changed := s.accessToken != token
	s.accessToken = token
	creds := s.credentialsLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	err := s.persist(creds)
	s.notify(token)
	return err
}

// Epoch identifies the current sign-in. It changes on SignIn and Clear.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// SetAccessTokenIf installs token like SetAccessToken, but only while the
// session is still in epoch. It reports whether the token was installed.
func (s *Session) SetAccessTokenIf(epoch uint64, token string) (bool, error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false, nil
	}
	changed := s.accessToken != token
	s.accessToken = token
	creds := s.credentialsLocked()
	s.mu.Unlock()

	if !changed {
		return true, nil
	}
	err := s.persist(creds)
	s.notify(token)
	return true, err
}

// SetIdentity records the signed-in user.
func (s *Session) SetIdentity(u chat.User) error {
	s.mu.Lock()
	s.identity = &u
	creds := s.credentialsLocked()
	s.mu.Unlock()
	return s.persist(creds)
}

// SignIn installs a token and identity together.
func (s *Session) SignIn(token string, u chat.User) error {
	s.mu.Lock()
	changed := s.accessToken != token
	s.accessToken = token
	s.identity = &u
	s.epoch++
	creds := s.credentialsLocked()
	s.mu.Unlock()

	err := s.persist(creds)
	if changed {
		s.notify(token)
	}
	return err
}

// Identity returns the signed-in user. Without a recorded identity it falls
// back to the subject claim of the access token.
func (s *Session) Identity() (chat.User, bool) {
	s.mu.RLock()
	identity, token := s.identity, s.accessToken
	s.mu.RUnlock()

	if identity != nil {
		return *identity, true
	}
	if token == "" {
		return chat.User{}, false
	}
	u, err := IdentityFromToken(token)
	if err != nil {
		s.logger.Debug().Err(err).Msg("access token carries no identity")
		return chat.User{}, false
	}
	return u, true
}

// AcquireRetry consumes one unit of the refresh budget. It returns false once
// the budget is exhausted.
func (s *Session) AcquireRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryCount >= s.maxRetries {
		return false
	}
	s.retryCount++
	return true
}

// RetryCount returns the number of refresh attempts made so far.
func (s *Session) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// MaxRetries returns the refresh budget.
func (s *Session) MaxRetries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxRetries
}

// Clear signs out: token and identity are dropped locally and in the store.
// The retry counter is kept.
func (s *Session) Clear() error {
	s.mu.Lock()
	changed := s.accessToken != ""
	s.accessToken = ""
	s.identity = nil
	s.epoch++
	s.mu.Unlock()

	var err error
	if s.store != nil {
		if cerr := s.store.Clear(); cerr != nil {
			err = fmt.Errorf("failed to clear credentials: %w", cerr)
		}
	}
	s.logger.Info().Msg("session cleared")
	if changed {
		s.notify("")
	}
	return err
}

// OnChange registers fn to run after every access token change. The returned
// func removes the listener.
func (s *Session) OnChange(fn func(token string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify(token string) {
	s.mu.RLock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(token)
	}
}

func (s *Session) credentialsLocked() Credentials {
	return Credentials{AccessToken: s.accessToken, Identity: s.identity}
}

func (s *Session) persist(creds Credentials) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// tokenClaims is the claim set of backend access tokens. The backend issues
// numeric subjects, so sub shadows the registered string claim.
type tokenClaims struct {
	jwt.RegisteredClaims
	Sub      chat.ID `json:"sub,omitempty"`
	Username string  `json:"username,omitempty"`
	Email    string  `json:"email,omitempty"`
}

// ErrNoSubject reports an access token without a subject claim.
var ErrNoSubject = errors.New("token has no subject")

// IdentityFromToken reads the user from the access token claims. The
// signature is not verified; the backend does that on every request.
func IdentityFromToken(token string) (chat.User, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return chat.User{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.Sub == "" {
		return chat.User{}, ErrNoSubject
	}
	return chat.User{
		ID:       claims.Sub,
		Fullname: claims.Username,
		Email:    claims.Email,
	}, nil
}
