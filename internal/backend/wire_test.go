package backend

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{name: "rfc3339", input: `"2024-03-01T10:30:00Z"`, want: want},
		{name: "rfc3339 with millis", input: `"2024-03-01T10:30:00.000Z"`, want: want},
		{name: "epoch millis number", input: "1709289000000", want: want},
		{name: "epoch millis string", input: `"1709289000000"`, want: want},
		{name: "null", input: "null"},
		{name: "garbage", input: `"yesterday"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts timestamp
			err := json.Unmarshal([]byte(tt.input), &ts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := time.Time(ts); !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWireMessage_RoomFromPayload(t *testing.T) {
	var w wireMessage
	data := `{"id":"5","content":"hi","createdAt":"2024-03-01T10:30:00Z","user":{"id":2,"fullname":"Bob"},"chatroom":{"id":9}}`
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	m := w.message("1")
	if m.RoomID != "9" {
		t.Errorf("RoomID = %q, want 9", m.RoomID)
	}
	if m.AuthorID != "2" || m.Author.Fullname != "Bob" {
		t.Errorf("author = %q %+v", m.AuthorID, m.Author)
	}

	w.Chatroom = nil
	if got := w.message("1").RoomID; got != "1" {
		t.Errorf("RoomID without chatroom = %q, want 1", got)
	}
}

func TestDecodeField(t *testing.T) {
	got, err := decodeField[[]string](json.RawMessage(`{"names":["a","b"]}`), "names")
	if err != nil {
		t.Fatalf("decodeField() error = %v", err)
	}
	if len(got) != 2 || got[0] != "a" {
		t.Errorf("decodeField() = %v", got)
	}
	if _, err := decodeField[string](json.RawMessage(`{}`), "names"); err == nil {
		t.Error("decodeField() on missing field error = nil")
	}
}
