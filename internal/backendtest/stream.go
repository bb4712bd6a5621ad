package backendtest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/pkg/protocol"
)

type activeSub struct {
	field string
	room  chat.ID
	user  chat.ID
}

// stream is one streaming connection.
type stream struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu   sync.Mutex
	subs map[string]activeSub
}

func (st *stream) send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return st.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (st *stream) count(field string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, sub := range st.subs {
		if sub.field == field {
			n++
		}
	}
	return n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	st := &stream{conn: conn, subs: make(map[string]activeSub)}
	defer conn.Close()

	if !s.handshake(st, r.Header.Get("Authorization")) {
		return
	}

	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			continue
		}
		switch f.Type {
		case protocol.FrameTypeStart:
			var req protocol.Request
			if err := f.DecodePayload(&req); err != nil {
				errFrame, _ := protocol.NewFrame(protocol.FrameTypeError, f.ID, gqlError(err.Error(), "BAD_REQUEST", nil))
				_ = st.send(errFrame)
				continue
			}
			st.mu.Lock()
			st.subs[f.ID] = activeSub{
				field: rootField(req.Query),
				room:  idVar(req.Variables, "chatroomId"),
				user:  idVar(req.Variables, "userId"),
			}
			st.mu.Unlock()
		case protocol.FrameTypeStop:
			st.mu.Lock()
			delete(st.subs, f.ID)
			st.mu.Unlock()
			complete := protocol.Frame{Type: protocol.FrameTypeComplete, ID: f.ID}
			_ = st.send(complete)
		case protocol.FrameTypeConnectionTerminate:
			return
		}
	}
}

// handshake waits for connection_init and acknowledges it.
func (s *Server) handshake(st *stream, header string) bool {
	_, data, err := st.conn.ReadMessage()
	if err != nil {
		return false
	}
	var f protocol.Frame
	if err := f.Decode(data); err != nil || f.Type != protocol.FrameTypeConnectionInit {
		return false
	}
	var params struct {
		Authorization string `json:"Authorization"`
	}
	if len(f.Payload) > 0 {
		_ = f.DecodePayload(&params)
	}
	authorization := params.Authorization
	if authorization == "" {
		authorization = header
	}

	s.mu.Lock()
	s.streamAuth = append(s.streamAuth, authorization)
	require := s.requireStream
	s.mu.Unlock()

	if _, ok := s.authenticate(authorization); require && !ok {
		rejected, _ := protocol.NewFrame(protocol.FrameTypeConnectionError, "", errUnauthenticated[0])
		_ = st.send(rejected)
		return false
	}
	return st.send(protocol.Frame{Type: protocol.FrameTypeConnectionAck}) == nil
}

// publish sends payload as field to matching subscriptions. Typing events are
// not delivered back to the user who typed.
func (s *Server) publish(field string, room, actor chat.ID, payload any) {
	data, err := json.Marshal(map[string]any{field: payload})
	if err != nil {
		return
	}

	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		var ids []string
		for id, sub := range st.subs {
			if sub.field != field || sub.room != room {
				continue
			}
			if strings.HasPrefix(field, "user") && actor != "" && sub.user == actor {
				continue
			}
			ids = append(ids, id)
		}
		st.mu.Unlock()

		for _, id := range ids {
			f, err := protocol.NewFrame(protocol.FrameTypeData, id, protocol.Response{Data: data})
			if err != nil {
				continue
			}
			_ = st.send(f)
		}
	}
}
