package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType discriminates the three kinds of wire messages.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// Message is one line of the JSON-over-newline protocol exchanged with the
// child process. Request and Response messages carry an ID for correlation;
// Event messages have none.
type Message struct {
	ID      *string         `json:"id"`
	Type    MessageType     `json:"msg_type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Error   *string         `json:"error"`
}

// NewEvent builds an event message with no ID.
func NewEvent(event string, payload json.RawMessage) Message {
	return Message{Type: TypeEvent, Event: event, Payload: payload}
}

// NewRequest builds a request message.
func NewRequest(id, event string, payload json.RawMessage) Message {
	return Message{ID: &id, Type: TypeRequest, Event: event, Payload: payload}
}

// NewResponse builds a successful response message.
func NewResponse(id, event string, payload json.RawMessage) Message {
	return Message{ID: &id, Type: TypeResponse, Event: event, Payload: payload}
}

// NewErrorResponse builds a failed response message. The payload is null.
func NewErrorResponse(id, event, errMsg string) Message {
	return Message{ID: &id, Type: TypeResponse, Event: event, Error: &errMsg}
}

// MarshalPayload converts an arbitrary value into a message payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return b, nil
}

// Encode serializes the message as a single JSON object followed by a
// newline terminator.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return append(b, '\n'), nil
}

// Decode parses one line into a Message. Surrounding whitespace is trimmed
// first. Decoding is pure: a failure leaves no partial state behind.
func Decode(line string) (Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Message{}, &ParseError{Line: line, Err: fmt.Errorf("empty message")}
	}

	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return Message{}, &ParseError{Line: trimmed, Err: err}
	}

	switch msg.Type {
	case TypeEvent, TypeRequest, TypeResponse:
	default:
		return Message{}, &ParseError{Line: trimmed, Err: fmt.Errorf("unknown msg_type %q", msg.Type)}
	}
	if msg.Event == "" {
		return Message{}, &ParseError{Line: trimmed, Err: fmt.Errorf("missing event name")}
	}

	return msg, nil
}
