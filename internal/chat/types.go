// Package chat holds the per-room state reconciled from the backend's event
// streams: the message timeline, the typing set and the presence set.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies users, rooms and messages. Backends may send ids as JSON
// numbers or strings; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("failed to decode id: %w", err)
	}
	*id = ID(strings.TrimSuffix(n.String(), ".0"))
	return nil
}

// Value returns the id as a GraphQL variable: an integer when the id is
// numeric, the string otherwise.
func (id ID) Value() any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

// CompareIDs orders numeric ids numerically and everything else lexically.
// Numeric ids sort before non-numeric ones.
func CompareIDs(a, b ID) int {
	na, errA := strconv.ParseInt(string(a), 10, 64)
	nb, errB := strconv.ParseInt(string(b), 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(string(a), string(b))
}

// User is a chat participant.
type User struct {
	ID        ID     `json:"id"`
	Fullname  string `json:"fullname,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Message is an immutable chat message. Its identity is ID.
type Message struct {
	ID            ID
	RoomID        ID
	AuthorID      ID
	Author        User
	Content       string
	AttachmentRef string
	CreatedAt     time.Time
}

// Less orders messages by CreatedAt, then ID.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return CompareIDs(m.ID, other.ID) < 0
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}
