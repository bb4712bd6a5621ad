// Package backendtest provides an in-process chat backend for tests. It
// speaks GraphQL over HTTP and the streaming protocol over WebSocket and
// keeps users, rooms and messages in memory.
package backendtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omochice/roomlink/internal/chat"
)

// Cookie names set by the backend.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// Path is the GraphQL endpoint path for both channels.
const Path = "/graphql"

type account struct {
	user     chat.User
	password string
}

type roomState struct {
	members  map[chat.ID]struct{}
	messages []wireMessage
	live     []chat.ID
}

// Server is a fake backend.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	nextID        int
	accounts      map[chat.ID]*account
	access        map[string]chat.ID
	refresh       map[string]chat.ID
	rooms         map[chat.ID]*roomState
	streams       map[*stream]struct{}
	calls         map[string]int
	streamAuth    []string
	rejectRefresh bool
	requireStream bool
	now           func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithStreamAuth makes the streaming channel reject connection_init without a
// valid access token.
func WithStreamAuth() Option {
	return func(s *Server) { s.requireStream = true }
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New starts a Server. It is closed by t.Cleanup when t is not nil.
func New(t interface{ Cleanup(func()) }, opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"graphql-ws"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		accounts: make(map[chat.ID]*account),
		access:   make(map[string]chat.ID),
		refresh:  make(map[string]chat.ID),
		rooms:    make(map[chat.ID]*roomState),
		streams:  make(map[*stream]struct{}),
		calls:    make(map[string]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Post(Path, s.handleHTTP)
	r.Get(Path, s.handleWebSocket)
	s.srv = httptest.NewServer(r)

	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// URL returns the HTTP GraphQL endpoint.
func (s *Server) URL() string {
	return s.srv.URL + Path
}

// WSURL returns the streaming endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + Path
}

// Close drops every stream and stops the server.
func (s *Server) Close() {
	s.DropStreams()
	s.srv.Close()
}

// AddUser registers an account.
func (s *Server) AddUser(fullname, email, password string) chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(fullname, email, password)
}

func (s *Server) addUserLocked(fullname, email, password string) chat.User {
	u := chat.User{ID: s.newIDLocked(), Fullname: fullname, Email: email}
	s.accounts[u.ID] = &account{user: u, password: password}
	return u
}

// AddRoom creates a room with the given members.
func (s *Server) AddRoom(members ...chat.ID) chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newIDLocked()
	rs := &roomState{members: make(map[chat.ID]struct{})}
	for _, m := range members {
		rs.members[m] = struct{}{}
	}
	s.rooms[id] = rs
	return id
}

// AddMessage stores a message without publishing it.
func (s *Server) AddMessage(room, author chat.ID, content string, at time.Time) chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessageLocked(room, author, content, "", at)
	s.rooms[room].messages = append(s.rooms[room].messages, m)
	return m.ID
}

// PushMessage publishes a message to newMessage subscribers without storing
// it, as a backend that delivers out of band would.
func (s *Server) PushMessage(room, author chat.ID, content string, at time.Time) chat.ID {
	s.mu.Lock()
	m := s.newMessageLocked(room, author, content, "", at)
	s.mu.Unlock()
	s.publish("newMessage", room, "", m)
	return m.ID
}

// PushTyping publishes a typing event by user in room.
func (s *Server) PushTyping(room, user chat.ID, started bool) {
	s.mu.Lock()
	u := s.accounts[user].user
	s.mu.Unlock()
	field := "userStoppedTyping"
	if started {
		field = "userStartedTyping"
	}
	s.publish(field, room, user, u)
}

// IssueTokens signs user in without a login call and returns the access and
// refresh tokens.
func (s *Server) IssueTokens(user chat.ID) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(user)
}

func (s *Server) issueLocked(user chat.ID) (string, string) {
	accessToken := "at-" + uuid.NewString()
	refreshToken := "rt-" + uuid.NewString()
	s.access[accessToken] = user
	s.refresh[refreshToken] = user
	return accessToken, refreshToken
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]chat.ID)
}

// RejectRefresh makes refreshToken fail while reject is true.
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// Calls returns how often the named field was resolved over HTTP.
func (s *Server) Calls(field string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[field]
}

// StreamAuthorizations returns the authorization values presented in every
// connection_init so far.
func (s *Server) StreamAuthorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streamAuth...)
}

// Subscriptions returns the number of active subscriptions for field.
func (s *Server) Subscriptions(field string) int {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	n := 0
	for _, st := range streams {
		n += st.count(field)
	}
	return n
}

// Live returns the ids of users live in room.
func (s *Server) Live(room chat.ID) []chat.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.ID(nil), s.rooms[room].live...)
}

// DropStreams closes every streaming connection without a close handshake.
func (s *Server) DropStreams() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.conn.Close()
	}
}

func (s *Server) newIDLocked() chat.ID {
	s.nextID++
	return chat.ID(fmt.Sprint(s.nextID))
}

func (s *Server) newMessageLocked(room, author chat.ID, content, image string, at time.Time) wireMessage {
	var u chat.User
	if a, ok := s.accounts[author]; ok {
		u = a.user
	}
	return wireMessage{
		ID:        s.newIDLocked(),
		Content:   content,
		ImageURL:  image,
		CreatedAt: at.UTC().Format(time.RFC3339Nano),
		User:      u,
		Chatroom:  wireRoom{ID: room},
	}
}
