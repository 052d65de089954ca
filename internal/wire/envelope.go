package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrUnknownType      = errors.New("unknown message type")
	ErrTypeNotInChannel = errors.New("message type not valid for channel")
)

// Envelope is the connection-level message frame, identical in both
// directions.
type Envelope struct {
	ID        string          `json:"id"`
	Channel   Channel         `json:"channel"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ContextID string          `json:"contextId,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodePayload unmarshals the frame payload into v. An absent payload is an
// error; callers that tolerate empty payloads check Payload first.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyFrame
	}
	return json.Unmarshal(e.Payload, v)
}

// Decode parses and validates an inbound frame against the closed
// channel/type sets.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	types, ok := channelTypes[envelope.Channel]
	if !ok {
		return envelope, fmt.Errorf("%w: %q", ErrUnknownChannel, envelope.Channel)
	}
	if _, ok := types[envelope.Type]; !ok {
		if !knownType(envelope.Type) {
			return envelope, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
		}
		return envelope, fmt.Errorf("%w: %q on %q", ErrTypeNotInChannel, envelope.Type, envelope.Channel)
	}
	return envelope, nil
}

func knownType(messageType MessageType) bool {
	for _, types := range channelTypes {
		if _, ok := types[messageType]; ok {
			return true
		}
	}
	return false
}

// NewFrame builds a server-originated frame with a fresh id and UTC
// timestamp. The payload is marshaled to JSON; a marshal failure yields an
// empty payload rather than a dropped frame.
func NewFrame(channel Channel, messageType MessageType, payload any) Envelope {
	return frameWithID(uuid.NewString(), channel, messageType, payload)
}

// Reply builds a frame that answers an inbound frame, reusing its id so the
// caller can correlate request and acknowledgment.
func Reply(inbound Envelope, messageType MessageType, payload any) Envelope {
	id := inbound.ID
	if id == "" {
		id = uuid.NewString()
	}
	reply := frameWithID(id, inbound.Channel, messageType, payload)
	reply.ContextID = inbound.ContextID
	reply.AgentID = inbound.AgentID
	return reply
}

func frameWithID(id string, channel Channel, messageType MessageType, payload any) Envelope {
	envelope := Envelope{
		ID:        id,
		Channel:   channel,
		Type:      messageType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			envelope.Payload = data
		}
	}
	return envelope
}

// ErrorFrame builds a structured error frame on the system channel.
func ErrorFrame(message string) Envelope {
	return NewFrame(ChannelSystem, TypeError, ErrorPayload{Message: message})
}

// ErrorPayload is the payload of system error frames.
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// SubscribePayload accompanies subscribe/unsubscribe requests and their
// acknowledgments.
type SubscribePayload struct {
	Channel   string `json:"channel"`
	ContextID string `json:"contextId,omitempty"`
}

// MessagePayload carries conversation content.
type MessagePayload struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// DocumentEditPayload carries a collaborative edit request.
type DocumentEditPayload struct {
	DocumentID      string          `json:"documentId"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Edit            json.RawMessage `json:"edit"`
}

// PresencePayload accompanies connection_joined and connection_left
// notifications.
type PresencePayload struct {
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"`
	UserID       string `json:"user_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
}

// EstablishedPayload is sent once after a successful connect.
type EstablishedPayload struct {
	SessionID     string `json:"session_id"`
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
}

// PrefetchPayload is the response payload of prefetch_complete frames.
type PrefetchPayload struct {
	Confidence float64         `json:"confidence"`
	Actions    []string        `json:"actions"`
	Data       json.RawMessage `json:"data,omitempty"`
}
