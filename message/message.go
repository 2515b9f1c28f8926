// Package message defines the typed message envelope exchanged over the bus.
// Every inter-component interaction in the kernel travels as a Message: the
// engine dispatches steps to workers, workers report results and heartbeats,
// and the caller receives workflow completion notifications.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the message type. The set is closed: routing tables and
// broadcast channels are keyed by Kind, so unknown kinds are rejected at
// publish time.
type Kind string

const (
	KindJobCreated          Kind = "job-created"
	KindJobStarted          Kind = "job-started"
	KindJobCompleted        Kind = "job-completed"
	KindJobFailed           Kind = "job-failed"
	KindWebsiteAnalyzed     Kind = "website-analyzed"
	KindContentExtracted    Kind = "content-extracted"
	KindContentValidated    Kind = "content-validated"
	KindValidationCompleted Kind = "validation-completed"
	KindAgentHealthCheck    Kind = "agent-health-check"
	KindWorkflowRequest     Kind = "workflow-request"
	KindWorkflowCreated     Kind = "workflow-created"
	KindWorkflowCompleted   Kind = "workflow-completed"
)

// Kinds lists every valid message kind.
var Kinds = []Kind{
	KindJobCreated,
	KindJobStarted,
	KindJobCompleted,
	KindJobFailed,
	KindWebsiteAnalyzed,
	KindContentExtracted,
	KindContentValidated,
	KindValidationCompleted,
	KindAgentHealthCheck,
	KindWorkflowRequest,
	KindWorkflowCreated,
	KindWorkflowCompleted,
}

var kindSet = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(Kinds))
	for _, k := range Kinds {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	_, ok := kindSet[k]
	return ok
}

// Message is the unit of communication between components. Messages are owned
// by the bus while queued; ownership transfers to the consumer on delivery.
type Message struct {
	// ID uniquely identifies this message.
	ID string `json:"id"`

	// Kind is the message type from the closed kind set.
	Kind Kind `json:"kind"`

	// Sender names the publishing component.
	Sender string `json:"sender"`

	// Recipient names the destination queue.
	Recipient string `json:"recipient"`

	// Payload is the structured message body, opaque to the bus.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CorrelationID links request, intermediate messages, and response
	// across a causal chain. Every reply carries the correlation ID of
	// its request.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Timestamp is the creation time.
	Timestamp time.Time `json:"timestamp"`

	// TTL is the optional time-to-live. Zero means no expiry. Messages
	// whose TTL has elapsed at delivery time are discarded.
	TTL time.Duration `json:"ttl,omitempty"`
}

// New creates a message with a fresh ID and correlation ID.
// The payload is JSON-marshaled into the envelope; payloads implementing
// Payload are validated first, so malformed kernel messages are rejected
// at construction rather than at the consumer.
func New(kind Kind, sender, recipient string, payload any) (*Message, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}

	if p, ok := payload.(Payload); ok {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:            uuid.New().String(),
		Kind:          kind,
		Sender:        sender,
		Recipient:     recipient,
		Payload:       raw,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Reply creates a response message carrying the correlation ID of m.
func (m *Message) Reply(kind Kind, sender, recipient string, payload any) (*Message, error) {
	resp, err := New(kind, sender, recipient, payload)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = m.CorrelationID
	return resp, nil
}

// Expired reports whether the message TTL has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(m.TTL))
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Serialize encodes the message for transport or storage.
func (m *Message) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize message %s: %w", m.ID, err)
	}
	return data, nil
}

// Deserialize decodes a serialized message and validates its kind.
func Deserialize(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("deserialize message: %w", err)
	}
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return &m, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
