package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/pkg/protocol"
)

type wireRoom struct {
	ID chat.ID `json:"id"`
}

type wireMessage struct {
	ID        chat.ID   `json:"id"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	CreatedAt string    `json:"createdAt"`
	User      chat.User `json:"user"`
	Chatroom  wireRoom  `json:"chatroom"`
}

type authPayload struct {
	User        chat.User `json:"user"`
	AccessToken string    `json:"accessToken"`
}

func gqlError(message, code string, extra map[string]any) protocol.Errors {
	ext := map[string]any{}
	if code != "" {
		ext["code"] = code
	}
	for k, v := range extra {
		ext[k] = v
	}
	return protocol.Errors{{Message: message, Extensions: ext}}
}

var errUnauthenticated = gqlError("Unauthorized", protocol.CodeUnauthenticated, nil)

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, protocol.Response{Errors: gqlError(err.Error(), "BAD_REQUEST", nil)})
		return
	}

	field := rootField(req.Query)
	s.mu.Lock()
	s.calls[field]++
	s.mu.Unlock()

	data, errs := s.resolve(w, r, field, req.Variables)
	resp := protocol.Response{Errors: errs}
	if errs == nil {
		raw, err := json.Marshal(map[string]any{field: data})
		if err != nil {
			writeResponse(w, http.StatusInternalServerError, protocol.Response{Errors: gqlError(err.Error(), "INTERNAL_SERVER_ERROR", nil)})
			return
		}
		resp.Data = raw
	}
	writeResponse(w, http.StatusOK, resp)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, field string, vars map[string]any) (any, protocol.Errors) {
	switch field {
	case "refreshToken":
		return s.resolveRefresh(w, r)
	case "login":
		return s.resolveLogin(w, vars)
	case "register":
		return s.resolveRegister(w, vars)
	case "logout":
		http.SetCookie(w, &http.Cookie{Name: AccessCookie, Path: "/", MaxAge: -1})
		http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Path: "/", MaxAge: -1})
		return "Successfully logged out", nil
	}

	user, ok := s.authenticate(r.Header.Get("Authorization"))
	if !ok {
		return nil, errUnauthenticated
	}
	room := idVar(vars, "chatroomId")

	s.mu.Lock()
	rs, found := s.rooms[room]
	s.mu.Unlock()
	if !found {
		return nil, gqlError(fmt.Sprintf("Chatroom %s not found", room), "NOT_FOUND", nil)
	}

	switch field {
	case "enterChatroom":
		s.setLive(room, rs, user, true)
		return true, nil
	case "leaveChatroom":
		s.setLive(room, rs, user, false)
		return true, nil
	case "getUsersOfChatroom":
		s.mu.Lock()
		defer s.mu.Unlock()
		users := make([]chat.User, 0, len(rs.members))
		for id := range rs.members {
			users = append(users, s.accounts[id].user)
		}
		return users, nil
	case "getMessagesForChatroom":
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]wireMessage(nil), rs.messages...), nil
	case "sendMessage":
		content, _ := vars["content"].(string)
		image, _ := vars["image"].(string)
		s.mu.Lock()
		m := s.newMessageLocked(room, user, content, image, s.now())
		rs.messages = append(rs.messages, m)
		s.mu.Unlock()
		s.publish("newMessage", room, "", m)
		return m, nil
	case "userStartedTypingMutation", "userStoppedTypingMutation":
		s.mu.Lock()
		u := s.accounts[user].user
		s.mu.Unlock()
		pushed := "userStoppedTyping"
		if field == "userStartedTypingMutation" {
			pushed = "userStartedTyping"
		}
		s.publish(pushed, room, user, u)
		return u, nil
	}
	return nil, gqlError(fmt.Sprintf("Cannot query field %q", field), "GRAPHQL_VALIDATION_FAILED", nil)
}

func (s *Server) resolveRefresh(w http.ResponseWriter, r *http.Request) (any, protocol.Errors) {
	c, err := r.Cookie(RefreshCookie)
	if err != nil {
		return nil, gqlError(protocol.RefreshTokenMissingMessage, protocol.CodeUnauthenticated, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.refresh[c.Value]
	if !ok || s.rejectRefresh {
		return nil, gqlError("Invalid or expired refresh token", protocol.CodeUnauthenticated, nil)
	}
	accessToken, _ := s.issueLocked(user)
	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: accessToken, Path: "/"})
	return accessToken, nil
}

func (s *Server) resolveLogin(w http.ResponseWriter, vars map[string]any) (any, protocol.Errors) {
	email, _ := vars["email"].(string)
	password, _ := vars["password"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.user.Email == email && a.password == password {
			return s.signInLocked(w, a.user), nil
		}
	}
	return nil, gqlError("Invalid credentials", protocol.CodeBadUserInput,
		map[string]any{"invalidCredentials": "Invalid credentials"})
}

func (s *Server) resolveRegister(w http.ResponseWriter, vars map[string]any) (any, protocol.Errors) {
	fullname, _ := vars["fullname"].(string)
	email, _ := vars["email"].(string)
	password, _ := vars["password"].(string)
	confirm, _ := vars["confirmPassword"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if password != confirm {
		return nil, gqlError("Validation failed", protocol.CodeBadUserInput,
			map[string]any{"confirmPassword": "Password and confirm password are not the same"})
	}
	for _, a := range s.accounts {
		if a.user.Email == email {
			return nil, gqlError("Validation failed", protocol.CodeBadUserInput,
				map[string]any{"email": "Email already in use"})
		}
	}
	u := s.addUserLocked(fullname, email, password)
	return s.signInLocked(w, u), nil
}

func (s *Server) signInLocked(w http.ResponseWriter, u chat.User) authPayload {
	accessToken, refreshToken := s.issueLocked(u.ID)
	http.SetCookie(w, &http.Cookie{Name: AccessCookie, Value: accessToken, Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: refreshToken, Path: "/", HttpOnly: true})
	return authPayload{User: u, AccessToken: accessToken}
}

func (s *Server) authenticate(authorization string) (chat.ID, bool) {
	token := strings.TrimPrefix(authorization, "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.access[token]
	return user, ok
}

func (s *Server) setLive(room chat.ID, rs *roomState, user chat.ID, live bool) {
	s.mu.Lock()
	ids := make([]chat.ID, 0, len(rs.live)+1)
	for _, id := range rs.live {
		if id != user {
			ids = append(ids, id)
		}
	}
	if live {
		ids = append(ids, user)
	}
	rs.live = ids
	users := make([]chat.User, 0, len(ids))
	for _, id := range ids {
		users = append(users, s.accounts[id].user)
	}
	s.mu.Unlock()

	s.publish("liveUsersInChatroom", room, "", users)
}

func decodeRequest(r *http.Request) (protocol.Request, error) {
	var req protocol.Request
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
		return req, nil
	}

	if r.Header.Get("Apollo-Require-Preflight") == "" {
		return req, fmt.Errorf("multipart request without preflight header")
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, fmt.Errorf("invalid multipart body: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FormValue("operations")), &req); err != nil {
		return req, fmt.Errorf("invalid operations part: %w", err)
	}
	var mapping map[string][]string
	if err := json.Unmarshal([]byte(r.FormValue("map")), &mapping); err != nil {
		return req, fmt.Errorf("invalid map part: %w", err)
	}
	for part, paths := range mapping {
		_, fh, err := r.FormFile(part)
		if err != nil {
			return req, fmt.Errorf("missing file part %s: %w", part, err)
		}
		for _, path := range paths {
			name := strings.TrimPrefix(path, "variables.")
			if req.Variables == nil {
				req.Variables = map[string]any{}
			}
			req.Variables[name] = "/uploads/" + fh.Filename
		}
	}
	return req, nil
}

func writeResponse(w http.ResponseWriter, status int, resp protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rootField returns the first field selected by the operation.
func rootField(query string) string {
	i := strings.IndexByte(query, '{')
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(query[i+1:])
	end := strings.IndexAny(rest, "({ \n\t}")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func idVar(vars map[string]any, name string) chat.ID {
	switch v := vars[name].(type) {
	case float64:
		return chat.ID(strconv.FormatFloat(v, 'f', -1, 64))
	case string:
		return chat.ID(v)
	}
	return ""
}
