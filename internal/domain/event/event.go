package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/campus-approvals/internal/domain/workflow"
)

// Payload keys set by FromEntry
const (
	KeyStage     = "stage"
	KeyStageName = "stage_name"
	KeyStatus    = "status"
	KeyActorID   = "actor_id"
	KeyActorRole = "actor_role"
	KeyDecision  = "decision"
	KeyComment   = "comment"
	KeyVersion   = "version"
)

// Event represents a domain event
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	InstanceID    string                 `json:"instance_id"`
	SubjectRef    string                 `json:"subject_ref"`
	Definition    string                 `json:"definition"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent creates a new domain event with auto-generated ID and timestamp
func NewEvent(eventType Type, instanceID, subjectRef, definition string, payload map[string]interface{}) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		InstanceID:    instanceID,
		SubjectRef:    subjectRef,
		Definition:    definition,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
	}
}

// FromEntry builds the event announcing that entry was applied to inst.
// The instance ID is used as correlation ID so every event of one subject chains together.
func FromEntry(inst *workflow.Instance, entry workflow.HistoryEntry) *Event {
	evt := NewEvent(TypeFor(entry.Decision, entry.ResultStatus), inst.ID, inst.SubjectRef, inst.Definition.Name, map[string]interface{}{
		KeyStage:     entry.Stage,
		KeyStageName: entry.StageName,
		KeyStatus:    string(entry.ResultStatus),
		KeyActorID:   entry.Actor.ID,
		KeyActorRole: string(entry.Actor.Role),
		KeyDecision:  string(entry.Decision),
		KeyComment:   entry.Comment,
		KeyVersion:   inst.Version,
	})
	evt.Timestamp = entry.At
	evt.CorrelationID = inst.ID
	return evt
}

// WithPayload returns a new Event with an added payload key-value pair (immutable operation)
func (e *Event) WithPayload(key string, value interface{}) *Event {
	newPayload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		newPayload[k] = v
	}
	newPayload[key] = value

	c := *e
	c.Payload = newPayload
	return &c
}

// GetPayloadString retrieves a string value from the payload
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload.
// float64 is accepted because payloads round-trip through JSON in the outbox.
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}
