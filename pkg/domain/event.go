package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventPayload is implemented by every concrete event kind a domain
// aggregate emits. Kind is the explicit dispatch tag spec.md §4.2.1 calls
// for in place of name-mangled reflection — every payload type names its
// own kind, nothing derives it from a Go type name at runtime.
type EventPayload interface {
	Kind() string
	EventVersion() int
}

// Timestamped is implemented by event kinds that carry a domain-time
// occurred_at. Aggregates whose events are not Timestamped leave
// occurred_at null in the stored row.
type Timestamped interface {
	OccurredAt() time.Time
}

// ActionSequenced is implemented by event kinds caused by a user-intent
// Action. ActionID becomes the stored row's sequence_number, the value
// canonical ordering and temporal replay tie-break on.
type ActionSequenced interface {
	ActionID() string
}

// PendingEvent is an event an aggregate has applied this session but not
// yet persisted: it sits in AggregateBase.recorded until the unit of work
// pulls it into its append buffer.
type PendingEvent struct {
	AggregateType  string
	AggregateID    string
	EventType      string
	EventVersion   int
	Payload        EventPayload
	OccurredAt     *time.Time
	SequenceNumber *string
	Metadata       EventMetadata
}

// NewPendingEvent builds a PendingEvent from a payload, deriving
// OccurredAt/SequenceNumber from the optional Timestamped/ActionSequenced
// traits.
func NewPendingEvent(aggregateType, aggregateID string, payload EventPayload) PendingEvent {
	pe := PendingEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     payload.Kind(),
		EventVersion:  payload.EventVersion(),
		Payload:       payload,
	}
	if ts, ok := payload.(Timestamped); ok {
		t := ts.OccurredAt()
		pe.OccurredAt = &t
	}
	if as, ok := payload.(ActionSequenced); ok {
		seq := as.ActionID()
		pe.SequenceNumber = &seq
	}
	return pe
}

// StoredEvent is a persisted event-store row, as read back by the
// EventStore or built for insertion by it.
type StoredEvent struct {
	ID             string
	AggregateID    string
	EventType      string
	EventVersion   int
	EventData      json.RawMessage
	CreatedAt      time.Time
	OccurredAt     *time.Time
	SequenceNumber *string
}

// Less reports whether e sorts strictly before other under canonical
// order: (occurred_at ASC, sequence_number ASC with NULLs first, id ASC).
// A nil OccurredAt is treated as sorting before any non-nil value, mirroring
// SQLite's NULLS FIRST behavior for ascending order on this column.
func (e StoredEvent) Less(other StoredEvent) bool {
	switch {
	case e.OccurredAt == nil && other.OccurredAt != nil:
		return true
	case e.OccurredAt != nil && other.OccurredAt == nil:
		return false
	case e.OccurredAt != nil && other.OccurredAt != nil && !e.OccurredAt.Equal(*other.OccurredAt):
		return e.OccurredAt.Before(*other.OccurredAt)
	}
	switch {
	case e.SequenceNumber == nil && other.SequenceNumber != nil:
		return true
	case e.SequenceNumber != nil && other.SequenceNumber == nil:
		return false
	case e.SequenceNumber != nil && other.SequenceNumber != nil && *e.SequenceNumber != *other.SequenceNumber:
		return *e.SequenceNumber < *other.SequenceNumber
	}
	return e.ID < other.ID
}

// EventMetadata carries dispatch-time correlation data for the
// NotificationBus. CorrelationID/CausationID are google/uuid values, kept
// deliberately separate from aggregate/event-store IDs, which stay ULIDs.
type EventMetadata struct {
	CausationID   string
	CorrelationID string
}

type correlationIDKey struct{}

// WithCorrelationID attaches a correlation ID to ctx so a UnitOfWork scope
// opened further down the call chain picks it up as its CausationID,
// chaining a notification handler's follow-on writes back to the command
// that triggered them. Callers that already have an inbound correlation ID
// (a request header, a job's trace ID) should set it before entering the
// first UnitOfWork.Run of that request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the correlation ID ctx carries, or ""
// if none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// NewCorrelationID generates a fresh correlation ID for a UnitOfWork scope
// that has no inbound one.
func NewCorrelationID() string {
	return uuid.NewString()
}

// PayloadFactory constructs a zero-value payload instance ready for
// json.Unmarshal.
type PayloadFactory func() EventPayload

// EventTypeRegistry maps an event_type string to the Go type that decodes
// it. A lookup miss is ImproperlyConfigured: the store holds a kind no
// aggregate model knows how to read back.
type EventTypeRegistry struct {
	factories map[string]PayloadFactory
}

// NewEventTypeRegistry returns an empty registry.
func NewEventTypeRegistry() *EventTypeRegistry {
	return &EventTypeRegistry{factories: make(map[string]PayloadFactory)}
}

// Register binds an event kind to its payload factory. Intended to be
// called once per kind at package init / aggregate construction time.
func (r *EventTypeRegistry) Register(kind string, factory PayloadFactory) {
	r.factories[kind] = factory
}

// Decode unmarshals raw JSON into the registered payload type for
// eventType.
func (r *EventTypeRegistry) Decode(eventType string, data []byte) (EventPayload, error) {
	factory, ok := r.factories[eventType]
	if !ok {
		return nil, &ImproperlyConfiguredError{Detail: "no event model registered for event_type " + eventType}
	}
	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
