package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Role lifecycle events
	EventTypeRoleCreate EventType = "role.create"
	EventTypeRoleUpdate EventType = "role.update"
	EventTypeRoleDelete EventType = "role.delete"

	// Permission policy events
	EventTypePolicyCreate EventType = "policy.create"
	EventTypePolicyUpdate EventType = "policy.update"
	EventTypePolicyDelete EventType = "policy.delete"

	// Enforcement events
	EventTypeEnforcementCheck EventType = "enforcement.check"

	// Reconciliation events
	EventTypeReconcileRun   EventType = "reconcile.run"
	EventTypeSourceUpgrade  EventType = "reconcile.source_upgrade"
	EventTypeFileChange     EventType = "reconcile.file_change"
	EventTypeProviderUpdate EventType = "reconcile.provider_update"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit log entry
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor is the entity reference of whoever caused the change. Automated
	// reconcilers use their source name as the actor.
	Actor  string `json:"actor,omitempty"`
	Source string `json:"source,omitempty"`

	// Subject of the change
	RoleEntityRef string     `json:"role_entity_ref,omitempty"`
	Members       []string   `json:"members,omitempty"`
	Tuples        [][]string `json:"tuples,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
