// Package eventstore implements the append-only, per-aggregate-type event
// log spec.md §4.1 describes: bulk append preserving input order, fetch in
// canonical order, bulk delete of retracted rows.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
)

// SequenceCollisionError reports a unique-violation on
// (aggregate_id, sequence_number): two events claim the same tie-break
// slot for one aggregate, which spec.md §4.1 calls out as a reportable
// collision distinct from the aggregate-level error taxonomy in §7.
type SequenceCollisionError struct {
	AggregateID    string
	SequenceNumber string
}

func (e *SequenceCollisionError) Error() string {
	return fmt.Sprintf("event store collision: aggregate %s already has an event with sequence_number %s", e.AggregateID, e.SequenceNumber)
}

// FetchFilter narrows a Fetch call. Reverse asks for descending canonical
// order, for callers that only need the most recent rows; pkg/replay
// always fetches in ascending order.
type FetchFilter struct {
	Reverse bool
	Limit   int // 0 means unlimited
}

// EventStore is the contract for one aggregate type's event log. A
// concrete store is constructed bound to a single backing table, per
// spec.md §6's "one event-store table per aggregate type."
type EventStore interface {
	// Append bulk-inserts events preserving input order, returning fully
	// populated rows (ID and CreatedAt assigned). Atomic with tx.
	Append(ctx context.Context, tx *sql.Tx, events []PendingRow) ([]domain.StoredEvent, error)

	// Fetch returns every stored event for the given aggregate IDs, in
	// canonical order (or reverse, if filter.Reverse). Consistent with
	// tx's own uncommitted writes.
	Fetch(ctx context.Context, tx *sql.Tx, aggregateIDs []string, filter FetchFilter) ([]domain.StoredEvent, error)

	// Delete bulk-removes previously persisted rows by ID.
	Delete(ctx context.Context, tx *sql.Tx, rowIDs []string) error

	// AggregateType names the aggregate type this store's table belongs to.
	AggregateType() string
}

// PendingRow is the input shape Append accepts: everything about an event
// except its surrogate ID and created_at, which the store assigns.
type PendingRow struct {
	AggregateID    string
	EventType      string
	EventVersion   int
	EventData      []byte
	OccurredAt     *time.Time
	SequenceNumber *string
}
