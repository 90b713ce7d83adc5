// Package uow implements the per-transaction AggregateRepository / Unit of
// Work spec.md §4.3 describes: batches aggregate persists, event-store
// appends, event retractions, and post-commit notifications under one
// database transaction, context-scoped rather than a process-wide
// singleton (spec.md §5/§9's explicit redesign instruction).
//
// Grounded on pkg/store/repository.go's BaseRepository (Load/Save shape),
// generalized to batch multiple aggregates and stores per scope.
package uow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
)

// Notifier is the subset of pkg/notify.Bus the unit of work
// needs: dispatch every buffered event, in order, after a successful
// commit. Declared locally so pkg/uow does not import pkg/notify.
type Notifier interface {
	DispatchAll(ctx context.Context, events []domain.PendingEvent) error
}

// UnitOfWork is the per-scope coordinator. It is never constructed
// directly by domain code — obtain it via FromContext inside a Run scope.
type UnitOfWork struct {
	tx     *sql.Tx
	stores map[string]eventstore.EventStore // aggregate type -> store

	correlationID string
	causationID   string

	trackedOrder  []string
	tracked       map[string]domain.Aggregate
	bufferedCount map[string]int

	storeAppends map[string][]eventstore.PendingRow
	storeDeletes map[string][]string
	newEvents    []domain.PendingEvent
}

func newUnitOfWork(tx *sql.Tx, stores map[string]eventstore.EventStore, correlationID, causationID string) *UnitOfWork {
	return &UnitOfWork{
		tx:            tx,
		stores:        stores,
		correlationID: correlationID,
		causationID:   causationID,
		tracked:       make(map[string]domain.Aggregate),
		bufferedCount: make(map[string]int),
		storeAppends:  make(map[string][]eventstore.PendingRow),
		storeDeletes:  make(map[string][]string),
	}
}

// Tx returns the transaction this scope is running under. Domain-layer
// callers use it to pass to eventstore.EventStore.Fetch and
// pkg/replay.Replayer calls that must see this scope's own uncommitted
// writes.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
}

func trackingKey(agg domain.Aggregate) string {
	return agg.Type() + ":" + agg.ID()
}

// Add pulls the tail of aggregate's RecordedEvents beyond what this scope
// has already buffered, appends it to the per-store append buffer and the
// notification list, and folds any retracted events the aggregate has
// accumulated into the per-store delete buffer.
func (u *UnitOfWork) Add(agg domain.Aggregate) {
	key := trackingKey(agg)
	if _, ok := u.tracked[key]; !ok {
		u.tracked[key] = agg
		u.trackedOrder = append(u.trackedOrder, key)
	}

	all := agg.RecordedEvents()
	already := u.bufferedCount[key]
	if already > len(all) {
		already = len(all)
	}
	for _, pe := range all[already:] {
		data, err := json.Marshal(pe.Payload)
		if err != nil {
			// A payload that cannot marshal to JSON is a programmer error in
			// the event kind definition, not a runtime condition callers can
			// recover from.
			panic(fmt.Sprintf("winelog: event payload for %s on %s %s does not marshal to JSON: %v", pe.EventType, agg.Type(), agg.ID(), err))
		}
		u.storeAppends[agg.Type()] = append(u.storeAppends[agg.Type()], eventstore.PendingRow{
			AggregateID:    pe.AggregateID,
			EventType:      pe.EventType,
			EventVersion:   pe.EventVersion,
			EventData:      data,
			OccurredAt:     pe.OccurredAt,
			SequenceNumber: pe.SequenceNumber,
		})
		pe.Metadata = domain.EventMetadata{CorrelationID: u.correlationID, CausationID: u.causationID}
		u.newEvents = append(u.newEvents, pe)
	}
	u.bufferedCount[key] = len(all)

	if retracted := agg.RetractedEvents(); len(retracted) > 0 {
		for _, ev := range retracted {
			u.storeDeletes[agg.Type()] = append(u.storeDeletes[agg.Type()], ev.ID)
		}
		agg.ClearRetracted()
	}
}

// MarkEventEdited registers agg for persistence even if it recorded no new
// events this scope, and queues stored for deletion at commit time. It is
// one way to retract the event pkg/replay's LoadEditableAtTimeAndPoint
// returns; pkg/wine instead records the retraction on the aggregate and
// lets Add pick it up.
func (u *UnitOfWork) MarkEventEdited(agg domain.Aggregate, stored domain.StoredEvent) {
	key := trackingKey(agg)
	if _, ok := u.tracked[key]; !ok {
		u.tracked[key] = agg
		u.trackedOrder = append(u.trackedOrder, key)
		u.bufferedCount[key] = len(agg.RecordedEvents())
	}
	u.storeDeletes[agg.Type()] = append(u.storeDeletes[agg.Type()], stored.ID)
}

// Notifications returns every buffered event in the order Add pulled it,
// which equals the order Apply was called (spec.md §5's ordering
// guarantee).
func (u *UnitOfWork) Notifications() []domain.PendingEvent {
	return u.newEvents
}

// persist runs steps (1)-(3) of spec.md §4.3's persist(): optimistic
// version bump on each registered aggregate, bulk-append buffered events,
// bulk-delete retracted events — all inside the enclosing transaction.
func (u *UnitOfWork) persist(ctx context.Context) error {
	for _, key := range u.trackedOrder {
		if err := u.tracked[key].Persist(ctx, u.tx); err != nil {
			return err
		}
	}
	for aggType, rows := range u.storeAppends {
		store, ok := u.stores[aggType]
		if !ok {
			return &domain.ImproperlyConfiguredError{Detail: "no event store registered for aggregate type " + aggType}
		}
		if _, err := store.Append(ctx, u.tx, rows); err != nil {
			return err
		}
	}
	for aggType, ids := range u.storeDeletes {
		store, ok := u.stores[aggType]
		if !ok {
			return &domain.ImproperlyConfiguredError{Detail: "no event store registered for aggregate type " + aggType}
		}
		if err := store.Delete(ctx, u.tx, ids); err != nil {
			return err
		}
	}
	return nil
}

// clear resets all buffered state. Invoked on every exit path — success or
// failure — once persist/rollback has been decided.
func (u *UnitOfWork) clear() {
	u.tracked = make(map[string]domain.Aggregate)
	u.trackedOrder = nil
	u.bufferedCount = make(map[string]int)
	u.storeAppends = make(map[string][]eventstore.PendingRow)
	u.storeDeletes = make(map[string][]string)
	u.newEvents = nil
}

// Run opens a database transaction before fn runs, binds a fresh
// UnitOfWork to ctx, and on fn's return either commits (then dispatches
// notifications) or rolls back (notifications never fire). clear() always
// runs before Run returns, per spec.md §4.3's scope contract.
func Run(ctx context.Context, db *sql.DB, stores map[string]eventstore.EventStore, bus Notifier, fn func(ctx context.Context) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}

	// A scope inherits an inbound correlation ID as its causation ID,
	// chaining events a handler emits back to the command that triggered
	// it; a scope with no inbound ID is the root of a new chain.
	inbound := domain.CorrelationIDFromContext(ctx)
	correlationID, causationID := inbound, inbound
	if correlationID == "" {
		correlationID = domain.NewCorrelationID()
		causationID = correlationID
	}

	uw := newUnitOfWork(tx, stores, correlationID, causationID)
	scopedCtx := domain.WithCorrelationID(WithUnitOfWork(ctx, uw), correlationID)

	if err := fn(scopedCtx); err != nil {
		tx.Rollback()
		uw.clear()
		return err
	}

	if err := uw.persist(scopedCtx); err != nil {
		tx.Rollback()
		uw.clear()
		return err
	}

	if err := tx.Commit(); err != nil {
		uw.clear()
		return fmt.Errorf("commit unit of work: %w", err)
	}

	notifications := uw.Notifications()
	uw.clear()

	if bus != nil && len(notifications) > 0 {
		if err := bus.DispatchAll(domain.WithCorrelationID(ctx, correlationID), notifications); err != nil {
			return fmt.Errorf("dispatch notifications: %w", err)
		}
	}
	return nil
}
