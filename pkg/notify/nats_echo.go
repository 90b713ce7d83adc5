package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/nats-io/nats.go"
)

// natsWireEvent is the JSON shape published to NATS for each echoed
// event. Distinct from domain.PendingEvent: subscribers outside this
// process have no use for the Go Payload value, only its encoded bytes.
type natsWireEvent struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    *time.Time      `json:"occurred_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

// NATSEchoConfig configures NATSEchoSubscriber.
type NATSEchoConfig struct {
	// URL is the NATS server URL (nats.DefaultURL if empty).
	URL string
	// SubjectPrefix prefixes every published subject (default "winelog").
	SubjectPrefix string
}

// NATSEchoSubscriber is a best-effort notify.Handler that republishes
// every dispatched event to NATS as plain core NATS publishes (no
// JetStream, no durable consumer groups — an external observer that
// drops a message loses it, unlike the notification bus itself, which is
// transactionally tied to a committed unit of work).
//
// Grounded on pkg/nats/eventbus.go's subject-building and JSON
// serialization shape, with JetStream and protobuf dropped: this is an
// optional echo for external tooling, not the system of record.
type NATSEchoSubscriber struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSEchoSubscriber connects to NATS and returns a subscriber ready
// to be registered with a Bus via Subscribe/SubscribeAll.
func NewNATSEchoSubscriber(cfg NATSEchoConfig) (*NATSEchoSubscriber, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "winelog"
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats: %w", err)
	}
	return &NATSEchoSubscriber{nc: nc, prefix: prefix}, nil
}

// Handle satisfies Handler: publish event to
// "<prefix>.<aggregate_type>.<event_type>". A marshal failure here is
// reported to the caller; a publish failure is swallowed (flushed
// best-effort on Close) so a down NATS server never aborts dispatch of
// other subscribers.
func (s *NATSEchoSubscriber) Handle(_ context.Context, event domain.PendingEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("notify: marshal %s payload: %w", event.EventType, err)
	}

	wire := natsWireEvent{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		EventVersion:  event.EventVersion,
		Payload:       payload,
		OccurredAt:    event.OccurredAt,
		CorrelationID: event.Metadata.CorrelationID,
		CausationID:   event.Metadata.CausationID,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("notify: marshal wire event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", s.prefix, event.AggregateType, event.EventType)
	_ = s.nc.Publish(subject, data)
	return nil
}

// Close flushes any buffered publishes and closes the connection.
func (s *NATSEchoSubscriber) Close() {
	s.nc.Flush()
	s.nc.Close()
}
