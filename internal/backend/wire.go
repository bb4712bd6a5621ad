package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/omochice/roomlink/internal/chat"
)

// wireMessage is the Message shape of the GraphQL schema.
type wireMessage struct {
	ID        chat.ID   `json:"id"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"imageUrl"`
	CreatedAt timestamp `json:"createdAt"`
	User      chat.User `json:"user"`
	Chatroom  *struct {
		ID chat.ID `json:"id"`
	} `json:"chatroom"`
}

func (w wireMessage) message(room chat.ID) chat.Message {
	m := chat.Message{
		ID:            w.ID,
		RoomID:        room,
		AuthorID:      w.User.ID,
		Author:        w.User,
		Content:       w.Content,
		AttachmentRef: w.ImageURL,
		CreatedAt:     time.Time(w.CreatedAt),
	}
	if w.Chatroom != nil && w.Chatroom.ID != "" {
		m.RoomID = w.Chatroom.ID
	}
	return m
}

// timestamp decodes an ISO 8601 string or epoch milliseconds, given as a
// number or a numeric string.
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = timestamp{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode timestamp: %w", err)
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = timestamp(time.UnixMilli(ms).UTC())
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
		}
		*t = timestamp(parsed)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("failed to decode timestamp: %w", err)
	}
	*t = timestamp(time.UnixMilli(int64(ms)).UTC())
	return nil
}

func decodeField[T any](data json.RawMessage, field string) (T, error) {
	var zero T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return zero, fmt.Errorf("failed to decode event: %w", err)
	}
	raw, ok := fields[field]
	if !ok {
		return zero, fmt.Errorf("event has no field %q", field)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("failed to decode %s: %w", field, err)
	}
	return v, nil
}
