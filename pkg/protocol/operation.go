// Package protocol defines the wire model shared by the request and streaming
// channels: GraphQL operations, responses, error taxonomy and stream frames.
package protocol

import (
	"io"
	"strings"
)

// OperationKind represents the GraphQL operation type
type OperationKind int

const (
	OperationKindUnknown OperationKind = iota
	OperationKindQuery
	OperationKindMutation
	OperationKindSubscription
)

// String returns the GraphQL keyword of the OperationKind
func (k OperationKind) String() string {
	switch k {
	case OperationKindQuery:
		return "query"
	case OperationKindMutation:
		return "mutation"
	case OperationKindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Upload is a file attached to an operation variable.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Operation describes one outbound GraphQL operation.
//
// Kind may be left unknown; the router then derives it from Query.
// Files maps a variable path (for example "variables.image") to the file that
// replaces it in a multipart request.
type Operation struct {
	Name      string
	Kind      OperationKind
	Query     string
	Variables map[string]any
	Files     map[string]Upload
}

// ResolvedKind returns Kind, or the kind of the main operation definition in
// Query when Kind is unknown.
func (op Operation) ResolvedKind() OperationKind {
	if op.Kind != OperationKindUnknown {
		return op.Kind
	}
	return Classify(op.Query)
}

// Request returns the JSON body of the operation. File variables are left as
// nulls; the multipart encoder fills them through the map part.
func (op Operation) Request() Request {
	return Request{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.Name,
	}
}

// Request is the JSON body of a GraphQL request and the payload of a stream
// start frame.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Classify returns the kind of the first operation definition in a GraphQL
// document. Fragment definitions are skipped and the `{ ... }` shorthand is a
// query.
func Classify(document string) OperationKind {
	depth := 0
	inFragment := false
	s := document
	for len(s) > 0 {
		c := s[0]
		switch {
		case c == '#':
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
			continue
		case c == '"':
			s = skipString(s)
			continue
		case c == '{':
			if depth == 0 && !inFragment {
				return OperationKindQuery
			}
			depth++
		case c == '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					inFragment = false
				}
			}
		case isNameStart(c):
			end := 1
			for end < len(s) && isNameContinue(s[end]) {
				end++
			}
			if depth == 0 && !inFragment {
				switch s[:end] {
				case "query":
					return OperationKindQuery
				case "mutation":
					return OperationKindMutation
				case "subscription":
					return OperationKindSubscription
				case "fragment":
					inFragment = true
				}
			}
			s = s[end:]
			continue
		}
		s = s[1:]
	}
	return OperationKindUnknown
}

// skipString drops a leading string or block string literal.
func skipString(s string) string {
	if strings.HasPrefix(s, `"""`) {
		if i := strings.Index(s[3:], `"""`); i >= 0 {
			return s[3+i+3:]
		}
		return ""
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return s[i+1:]
		}
	}
	return ""
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameContinue(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
