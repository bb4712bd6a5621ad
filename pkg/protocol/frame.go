package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType represents the type of a streaming channel frame
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeConnectionInit
	FrameTypeConnectionAck
	FrameTypeConnectionError
	FrameTypeKeepAlive
	FrameTypeStart
	FrameTypeData
	FrameTypeError
	FrameTypeComplete
	FrameTypeStop
	FrameTypeConnectionTerminate
)

// String returns the subscriptions-transport-ws name of the FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeConnectionInit:
		return "connection_init"
	case FrameTypeConnectionAck:
		return "connection_ack"
	case FrameTypeConnectionError:
		return "connection_error"
	case FrameTypeKeepAlive:
		return "ka"
	case FrameTypeStart:
		return "start"
	case FrameTypeData:
		return "data"
	case FrameTypeError:
		return "error"
	case FrameTypeComplete:
		return "complete"
	case FrameTypeStop:
		return "stop"
	case FrameTypeConnectionTerminate:
		return "connection_terminate"
	default:
		return "unknown"
	}
}

// Field numbers of the Frame message in proto/frame.proto.
const (
	frameFieldType    protowire.Number = 1
	frameFieldID      protowire.Number = 2
	frameFieldPayload protowire.Number = 3
)

// Frame is a single message on the streaming channel.
type Frame struct {
	Type    FrameType
	ID      string
	Payload json.RawMessage
}

// NewFrame builds a frame whose payload is v encoded as JSON. A nil v leaves
// the payload empty.
func NewFrame(ft FrameType, id string, v any) (Frame, error) {
	f := Frame{Type: ft, ID: id}
	if v == nil {
		return f, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s payload: %w", ft, err)
	}
	f.Payload = payload
	return f, nil
}

// Encode encodes the frame into protobuf wire bytes
func (f *Frame) Encode() ([]byte, error) {
	if f.Type == FrameTypeUnknown {
		return nil, fmt.Errorf("failed to encode frame: unknown frame type")
	}
	b := make([]byte, 0, 8+len(f.ID)+len(f.Payload))
	b = protowire.AppendTag(b, frameFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, frameTypeToWire(f.Type))
	if f.ID != "" {
		b = protowire.AppendTag(b, frameFieldID, protowire.BytesType)
		b = protowire.AppendString(b, f.ID)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b, nil
}

// Decode decodes protobuf wire bytes into the frame.
// Unknown fields are skipped so newer peers can add fields.
func (f *Frame) Decode(data []byte) error {
	*f = Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == frameFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("failed to decode frame type: %w", protowire.ParseError(n))
			}
			f.Type = frameTypeFromWire(v)
			data = data[n:]
		case num == frameFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("failed to decode frame id: %w", protowire.ParseError(n))
			}
			f.ID = v
			data = data[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("failed to decode frame payload: %w", protowire.ParseError(n))
			}
			f.Payload = append(json.RawMessage(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip frame field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// DecodePayload unmarshals the JSON payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("failed to decode %s payload: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// frameTypeToWire converts FrameType to the protobuf enum number.
func frameTypeToWire(ft FrameType) uint64 {
	if ft < FrameTypeUnknown || ft > FrameTypeConnectionTerminate {
		return 0
	}
	return uint64(ft)
}

// frameTypeFromWire converts the protobuf enum number to FrameType.
// Values this version does not know decode as FrameTypeUnknown and are
// ignored by readers.
func frameTypeFromWire(v uint64) FrameType {
	if v > uint64(FrameTypeConnectionTerminate) {
		return FrameTypeUnknown
	}
	return FrameType(v)
}
