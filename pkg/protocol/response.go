package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes carried in GraphQL error extensions.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeBadUserInput    = "BAD_USER_INPUT"
)

// RefreshTokenMissingMessage is the backend message for a missing or invalid
// refresh credential.
const RefreshTokenMissingMessage = "Refresh token not found"

var (
	// ErrUnauthenticated reports an authentication failure that was not
	// recovered by a credential refresh.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrRefreshCredentialInvalid reports that the refresh credential itself is
	// missing or invalid. The local identity has been cleared.
	ErrRefreshCredentialInvalid = errors.New("refresh credential invalid")

	// ErrTransport reports a network or timeout failure of a single operation.
	ErrTransport = errors.New("transport failure")
)

// Response is a GraphQL response from either channel.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors Errors          `json:"errors,omitempty"`
}

// Unauthenticated reports whether any error carries the UNAUTHENTICATED code.
func (r *Response) Unauthenticated() bool {
	if r == nil {
		return false
	}
	for _, e := range r.Errors {
		if e.Code() == CodeUnauthenticated {
			return true
		}
	}
	return false
}

// RefreshCredentialMissing reports whether any error says the refresh
// credential is missing.
func (r *Response) RefreshCredentialMissing() bool {
	if r == nil {
		return false
	}
	for _, e := range r.Errors {
		if strings.Contains(e.Message, RefreshTokenMissingMessage) {
			return true
		}
	}
	return false
}

// Err converts the response errors into a typed error value, or nil when the
// response has none.
func (r *Response) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	if r.Unauthenticated() {
		return fmt.Errorf("%w: %w", ErrUnauthenticated, r.Errors)
	}
	for _, e := range r.Errors {
		if e.Code() == CodeBadUserInput {
			return newValidationError(e)
		}
	}
	return r.Errors
}

// Field extracts the named top-level field of Data into v.
func (r *Response) Field(name string, v any) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("response has no data for %q", name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Data, &fields); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("response has no field %q", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode field %q: %w", name, err)
	}
	return nil
}

// Error is a single GraphQL error.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Code returns the extensions code, or "" when absent.
func (e Error) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

func (e Error) Error() string {
	if code := e.Code(); code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, code)
	}
	return e.Message
}

// Errors is the error list of a GraphQL response.
type Errors []Error

func (es Errors) Error() string {
	switch len(es) {
	case 0:
		return "no errors"
	case 1:
		return es[0].Error()
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidationError carries backend-reported field errors. It never affects the
// session.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func newValidationError(e Error) *ValidationError {
	v := &ValidationError{Message: e.Message, Fields: make(map[string]string)}
	for k, val := range e.Extensions {
		if k == "code" || k == "stacktrace" {
			continue
		}
		if s, ok := val.(string); ok {
			v.Fields[k] = s
		}
	}
	return v
}

func (v *ValidationError) Error() string {
	if len(v.Fields) == 0 {
		return "validation failed: " + v.Message
	}
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + v.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
