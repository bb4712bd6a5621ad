package protocol_test

import (
	"testing"

	"github.com/omochice/roomlink/pkg/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		document string
		want     protocol.OperationKind
	}{
		{"named query", `query GetMessages($id: Float!) { getMessagesForChatroom(chatroomId: $id) { id } }`, protocol.OperationKindQuery},
		{"shorthand query", `{ me { id } }`, protocol.OperationKindQuery},
		{"mutation", `mutation SendMessage { sendMessage { id } }`, protocol.OperationKindMutation},
		{"subscription", "subscription NewMessage($chatroomId: Float!) {\n newMessage(chatroomId: $chatroomId) { id }\n}", protocol.OperationKindSubscription},
		{"comment first", "# subscription in a comment\nmutation M { x }", protocol.OperationKindMutation},
		{"fragment first", `fragment U on User { id query } subscription S { liveUsers { ...U } }`, protocol.OperationKindSubscription},
		{"description string", `"""subscription docs""" query Q { x }`, protocol.OperationKindQuery},
		{"empty", "", protocol.OperationKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocol.Classify(tt.document); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperation_ResolvedKind(t *testing.T) {
	op := protocol.Operation{Query: `subscription { a }`}
	if got := op.ResolvedKind(); got != protocol.OperationKindSubscription {
		t.Errorf("ResolvedKind() = %v, want subscription", got)
	}

	op.Kind = protocol.OperationKindMutation
	if got := op.ResolvedKind(); got != protocol.OperationKindMutation {
		t.Errorf("explicit kind should win, got %v", got)
	}
}
