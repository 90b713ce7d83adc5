// Package replay implements spec.md §4.4's Temporal Replay: rebuilding
// aggregate state at a point in time, backdated insertion, downstream
// reapplication, and offline rebuild via cursor pagination.
//
// Grounded on pkg/eventsourcing/projection.go's ProjectionManager.Rebuild
// batch-position loop and pkg/store/sqlite/migrate/migrate.go's
// ordered-application pattern. The cursor is the id alone (id > last id);
// no tiebreaker column is used.
package replay

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
)

// IdentityFactory builds the blank identity() seed for id at the given
// known-persisted version (0 for a never-persisted aggregate). The
// returned Aggregate must also implement domain.Loadable.
type IdentityFactory func(id string, version int) domain.Aggregate

// IDPage is one row of a cursor page: an aggregate's id and its current
// persisted version, used to seed identity() during RebuildAggregates.
type IDPage struct {
	ID      string
	Version int
}

// IDLister provides cursor-paginated iteration over every row in one
// aggregate type's table, ordered by id ascending (spec.md §4.4.6).
// Implemented by each concrete aggregate's table binding in pkg/wine.
type IDLister interface {
	ListIDsAfter(ctx context.Context, tx *sql.Tx, after string, limit int) ([]IDPage, error)
}

// Replayer is the Temporal Replay engine for one aggregate type. Each
// concrete aggregate type (WineLot, Action) constructs its own Replayer,
// bound to its own event store and identity factory.
type Replayer struct {
	store    eventstore.EventStore
	registry *domain.EventTypeRegistry
	identity IdentityFactory
}

// NewReplayer builds a Replayer for one aggregate type.
func NewReplayer(store eventstore.EventStore, registry *domain.EventTypeRegistry, identity IdentityFactory) *Replayer {
	return &Replayer{store: store, registry: registry, identity: identity}
}

func seqCompare(seq *string, other string) int {
	if seq == nil {
		return -1
	}
	return strings.Compare(*seq, other)
}

func occurredAtLE(ev domain.StoredEvent, t time.Time) bool {
	return ev.OccurredAt != nil && !ev.OccurredAt.After(t)
}

func occurredAtLT(ev domain.StoredEvent, t time.Time) bool {
	return ev.OccurredAt != nil && ev.OccurredAt.Before(t)
}

func occurredAtEq(ev domain.StoredEvent, t time.Time) bool {
	return ev.OccurredAt != nil && ev.OccurredAt.Equal(t)
}

func occurredAtGT(ev domain.StoredEvent, t time.Time) bool {
	return ev.OccurredAt != nil && ev.OccurredAt.After(t)
}

// inWindowAt implements the (effective_at only) cutoff: occurred_at <= t.
func inWindowAt(ev domain.StoredEvent, t time.Time) bool {
	return occurredAtLE(ev, t)
}

// inWindowAtSeq implements the (effective_at + sequence) cutoff:
// occurred_at < t OR (occurred_at = t AND sequence_number <= seq). Used by
// §4.4.2's fold window; pkg/composition keeps its own copy of this rule
// for §4.6's action_id-qualified cutoff.
func inWindowAtSeq(ev domain.StoredEvent, t time.Time, seq string) bool {
	if occurredAtLT(ev, t) {
		return true
	}
	return occurredAtEq(ev, t) && seqCompare(ev.SequenceNumber, seq) <= 0
}

// strictlyBeforeAt implements §4.4.3's view cutoff when seq is absent:
// occurred_at < t.
func strictlyBeforeAt(ev domain.StoredEvent, t time.Time) bool {
	return occurredAtLT(ev, t)
}

// strictlyBeforeAtSeq implements §4.4.3's view cutoff when seq is present:
// strictly before (t, seq) in canonical order.
func strictlyBeforeAtSeq(ev domain.StoredEvent, t time.Time, seq string) bool {
	if occurredAtLT(ev, t) {
		return true
	}
	return occurredAtEq(ev, t) && seqCompare(ev.SequenceNumber, seq) < 0
}

// afterAtSeq implements §4.4.4's reapply-downstream window: occurred_at >
// t OR (occurred_at = t AND sequence_number > seq).
func afterAtSeq(ev domain.StoredEvent, t time.Time, seq string) bool {
	if occurredAtGT(ev, t) {
		return true
	}
	return occurredAtEq(ev, t) && seqCompare(ev.SequenceNumber, seq) > 0
}

// fold decodes and Loads every event in events, in the order given, onto
// agg (which must implement domain.Loadable).
func (r *Replayer) fold(agg domain.Aggregate, events []domain.StoredEvent) error {
	loadable := agg.(domain.Loadable)
	for _, ev := range events {
		payload, err := r.registry.Decode(ev.EventType, ev.EventData)
		if err != nil {
			return err
		}
		if err := loadable.Load(payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) fetchAll(ctx context.Context, tx *sql.Tx, id string) ([]domain.StoredEvent, error) {
	return r.store.Fetch(ctx, tx, []string{id}, eventstore.FetchFilter{})
}

// LoadEditableAtTime implements spec.md §4.4.1: seeds an editable instance
// per input aggregate, suitable for inserting a new event at time t.
// Unpersisted inputs are kept as-is and marked for backdating. Persisted
// inputs are rebuilt from identity() by folding every event with
// occurred_at <= t; if none qualify, the aggregate is seeded by folding
// the single earliest event strictly after t and marked for backdating.
func (r *Replayer) LoadEditableAtTime(ctx context.Context, tx *sql.Tx, aggregates []domain.Aggregate, t time.Time) (map[string]domain.Aggregate, error) {
	result := make(map[string]domain.Aggregate, len(aggregates))
	for _, agg := range aggregates {
		if agg.IsNew() {
			agg.MarkForBackdating()
			result[agg.ID()] = agg
			continue
		}

		all, err := r.fetchAll(ctx, tx, agg.ID())
		if err != nil {
			return nil, err
		}

		var window []domain.StoredEvent
		for _, ev := range all {
			if inWindowAt(ev, t) {
				window = append(window, ev)
			}
		}

		seed := r.identity(agg.ID(), agg.Version())
		if len(window) > 0 {
			if err := r.fold(seed, window); err != nil {
				return nil, err
			}
		} else {
			var earliestAfter *domain.StoredEvent
			for i := range all {
				if occurredAtGT(all[i], t) {
					earliestAfter = &all[i]
					break
				}
			}
			if earliestAfter != nil {
				if err := r.fold(seed, []domain.StoredEvent{*earliestAfter}); err != nil {
					return nil, err
				}
			}
			seed.MarkForBackdating()
		}
		result[agg.ID()] = seed
	}
	return result, nil
}

// LoadEditableAtTimeAndPoint implements spec.md §4.4.2: like
// LoadEditableAtTime, but the fold window is occurred_at < t OR
// (occurred_at = t AND sequence_number <= seq), and any event whose
// sequence_number equals seq is returned for retraction. The caller
// queues the returned event for deletion, either via
// UnitOfWork.MarkEventEdited or via the aggregate's own retraction list
// followed by UnitOfWork.Add.
func (r *Replayer) LoadEditableAtTimeAndPoint(ctx context.Context, tx *sql.Tx, aggregates []domain.Aggregate, t time.Time, seq string) (map[string]domain.Aggregate, map[string]domain.StoredEvent, error) {
	result := make(map[string]domain.Aggregate, len(aggregates))
	toRetract := make(map[string]domain.StoredEvent)

	for _, agg := range aggregates {
		if agg.IsNew() {
			agg.MarkForBackdating()
			result[agg.ID()] = agg
			continue
		}

		all, err := r.fetchAll(ctx, tx, agg.ID())
		if err != nil {
			return nil, nil, err
		}

		var window []domain.StoredEvent
		for _, ev := range all {
			if occurredAtEq(ev, t) && ev.SequenceNumber != nil && *ev.SequenceNumber == seq {
				toRetract[agg.ID()] = ev
			}
			if inWindowAtSeq(ev, t, seq) {
				window = append(window, ev)
			}
		}

		seed := r.identity(agg.ID(), agg.Version())
		if len(window) > 0 {
			if err := r.fold(seed, window); err != nil {
				return nil, nil, err
			}
		} else {
			var earliest *domain.StoredEvent
			for i := range all {
				ev := all[i]
				if occurredAtEq(ev, t) && ev.SequenceNumber != nil && *ev.SequenceNumber == seq {
					continue
				}
				earliest = &all[i]
				break
			}
			if earliest != nil {
				if err := r.fold(seed, []domain.StoredEvent{*earliest}); err != nil {
					return nil, nil, err
				}
			}
			seed.MarkForBackdating()
		}
		result[agg.ID()] = seed
	}
	return result, toRetract, nil
}

// LoadStatesBefore implements spec.md §4.4.3: a read-only snapshot per id,
// strictly before (t, seq) (or strictly before t if seq is nil).
// Attempting to Persist a returned instance fails with CannotPersistView.
func (r *Replayer) LoadStatesBefore(ctx context.Context, tx *sql.Tx, ids []string, t time.Time, seq *string) (map[string]domain.Aggregate, error) {
	result := make(map[string]domain.Aggregate, len(ids))
	for _, id := range ids {
		all, err := r.fetchAll(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		var window []domain.StoredEvent
		for _, ev := range all {
			included := false
			if seq != nil {
				included = strictlyBeforeAtSeq(ev, t, *seq)
			} else {
				included = strictlyBeforeAt(ev, t)
			}
			if included {
				window = append(window, ev)
			}
		}
		seed := r.identity(id, 0)
		seed.MarkView()
		if err := r.fold(seed, window); err != nil {
			return nil, err
		}
		result[id] = seed
	}
	return result, nil
}

// ReapplyDownstream implements spec.md §4.4.4: after a new or edited event
// at (t, seq) has been applied to agg, fold every remaining event with
// occurred_at > t OR (occurred_at = t AND sequence_number > seq), via
// Load, re-deriving the current (latest) state from the revised history.
func (r *Replayer) ReapplyDownstream(ctx context.Context, tx *sql.Tx, agg domain.Aggregate, t time.Time, seq string) error {
	all, err := r.fetchAll(ctx, tx, agg.ID())
	if err != nil {
		return err
	}
	var downstream []domain.StoredEvent
	for _, ev := range all {
		if afterAtSeq(ev, t, seq) {
			downstream = append(downstream, ev)
		}
	}
	return r.fold(agg, downstream)
}

// RebuildAggregates implements spec.md §4.4.5/§4.4.6: offline maintenance
// that iterates every aggregate id via cursor pagination and, for each
// chunk, folds each aggregate's complete event history from identity() and
// persists inside one transaction per chunk. If idFilter is non-nil, only
// that single id is rebuilt. onChunk, if non-nil, is called after each
// committed chunk with the ids processed, for progress reporting.
func (r *Replayer) RebuildAggregates(ctx context.Context, db *sql.DB, lister IDLister, chunkSize int, idFilter *string, onChunk func(ids []string)) error {
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	rebuildOne := func(tx *sql.Tx, page IDPage) error {
		all, err := r.fetchAll(ctx, tx, page.ID)
		if err != nil {
			return err
		}
		seed := r.identity(page.ID, page.Version)
		if err := r.fold(seed, all); err != nil {
			return err
		}
		return seed.Persist(ctx, tx)
	}

	if idFilter != nil {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		pages, err := lister.ListIDsAfter(ctx, tx, "", 0)
		if err != nil {
			tx.Rollback()
			return err
		}
		var target *IDPage
		for i := range pages {
			if pages[i].ID == *idFilter {
				target = &pages[i]
				break
			}
		}
		if target == nil {
			tx.Rollback()
			return &domain.MissingEntityError{EntityType: "aggregate", ID: *idFilter}
		}
		if err := rebuildOne(tx, *target); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if onChunk != nil {
			onChunk([]string{*idFilter})
		}
		return nil
	}

	cursor := ""
	for {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		pages, err := lister.ListIDsAfter(ctx, tx, cursor, chunkSize)
		if err != nil {
			tx.Rollback()
			return err
		}
		if len(pages) == 0 {
			tx.Rollback()
			return nil
		}

		ids := make([]string, 0, len(pages))
		for _, page := range pages {
			if err := rebuildOne(tx, page); err != nil {
				tx.Rollback()
				return err
			}
			ids = append(ids, page.ID)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if onChunk != nil {
			onChunk(ids)
		}

		cursor = pages[len(pages)-1].ID
		if len(pages) < chunkSize {
			return nil
		}
	}
}
