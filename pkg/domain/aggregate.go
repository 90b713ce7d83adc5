package domain

import (
	"context"
	"database/sql"
)

// Aggregate is the contract the UnitOfWork, TemporalReplay, and
// Composition projector hold their aggregates through. AggregateBase
// implements it; concrete aggregates (WineLot, Action) embed AggregateBase
// and add their own RowPersister implementation to satisfy Persist.
type Aggregate interface {
	ID() string
	Type() string
	Version() int
	IsNew() bool
	IsPersistable() bool
	IsBackdating() bool
	MarkForBackdating()
	MarkView()
	MarkEventRetracted(ev StoredEvent)
	RecordedEvents() []PendingEvent
	RetractedEvents() []StoredEvent
	ClearRetracted()
	Persist(ctx context.Context, tx *sql.Tx) error
}

// Loadable is the narrower contract TemporalReplay and Composition need:
// mutate state from history without touching the uncommitted buffer.
type Loadable interface {
	Load(payload EventPayload) error
}

// kindHandler pairs a kind's optional deterministic validator with its
// required state mutator. Both are closures bound to the concrete
// aggregate instance at registration time — see RegisterKind.
type kindHandler struct {
	validate func(payload EventPayload) error
	apply    func(payload EventPayload) error
}

// AggregateBase is embedded by every concrete aggregate. It owns identity,
// optimistic version bookkeeping, the uncommitted-event buffer, and the
// per-kind dispatch table that replaces the name-mangled reflection
// dispatch spec.md §9 flags as a redesign target: each concrete aggregate
// registers one handler per event kind it understands, keyed by the kind's
// own explicit tag rather than a derived type name.
type AggregateBase struct {
	aggregateType string
	id            string
	version       int
	adding        bool
	persistable   bool
	backdating    bool
	handlers      map[string]kindHandler
	recorded      []PendingEvent
	retracted     []StoredEvent
}

// NewAggregateBase starts a brand-new, persistable aggregate (adding=true,
// version=0). Used by factory constructors (WineLot.Create, etc).
func NewAggregateBase(aggregateType, id string) AggregateBase {
	return AggregateBase{
		aggregateType: aggregateType,
		id:            id,
		adding:        true,
		persistable:   true,
		handlers:      make(map[string]kindHandler),
	}
}

// NewIdentityBase returns a blank aggregate carrying only id and version,
// with adding=false — the replay seed spec.md §4.2's identity() describes.
func NewIdentityBase(aggregateType, id string, version int) AggregateBase {
	return AggregateBase{
		aggregateType: aggregateType,
		id:            id,
		version:       version,
		adding:        false,
		persistable:   true,
		handlers:      make(map[string]kindHandler),
	}
}

// RegisterKind binds an event kind to its validator (optional, pass nil)
// and applier (required). Concrete aggregates call this once per kind from
// their constructor, after the handlers map exists but before any event can
// be applied or loaded.
func (ab *AggregateBase) RegisterKind(kind string, validate func(EventPayload) error, apply func(EventPayload) error) {
	ab.handlers[kind] = kindHandler{validate: validate, apply: apply}
}

func (ab *AggregateBase) lookup(kind string) (kindHandler, error) {
	h, ok := ab.handlers[kind]
	if !ok || h.apply == nil {
		return kindHandler{}, &NotImplementedForKindError{AggregateType: ab.aggregateType, Kind: kind}
	}
	return h, nil
}

// Apply validates domain context, mutates in-memory state, and appends the
// event to the uncommitted buffer. Used by domain command methods. A
// validator failure here is an ordinary DomainValidation-style error: it
// aborts the current command, not the whole process.
func (ab *AggregateBase) Apply(payload EventPayload) error {
	h, err := ab.lookup(payload.Kind())
	if err != nil {
		return err
	}
	if h.validate != nil {
		if verr := h.validate(payload); verr != nil {
			return verr
		}
	}
	if err := h.apply(payload); err != nil {
		return err
	}
	ab.recorded = append(ab.recorded, NewPendingEvent(ab.aggregateType, ab.id, payload))
	return nil
}

// Load mutates in-memory state from a historical event without touching
// the uncommitted buffer. Used by TemporalReplay and Composition. A
// validator failure here means the stored history itself violates an
// invariant the aggregate currently enforces — that is ContextValidation,
// a data-integrity fault, not an ordinary control-flow error.
func (ab *AggregateBase) Load(payload EventPayload) error {
	h, err := ab.lookup(payload.Kind())
	if err != nil {
		return err
	}
	if h.validate != nil {
		if verr := h.validate(payload); verr != nil {
			return &ContextValidationError{AggregateType: ab.aggregateType, AggregateID: ab.id, Kind: payload.Kind(), Cause: verr}
		}
	}
	return h.apply(payload)
}

// ID returns the aggregate's identifier.
func (ab *AggregateBase) ID() string { return ab.id }

// Type returns the aggregate's type name (e.g. "wine_lot").
func (ab *AggregateBase) Type() string { return ab.aggregateType }

// Version returns the last persisted version (0 for a never-persisted
// aggregate).
func (ab *AggregateBase) Version() int { return ab.version }

// IsNew reports whether this instance has never been persisted.
func (ab *AggregateBase) IsNew() bool { return ab.adding }

// IsPersistable reports whether Persist is permitted. False for snapshots
// produced by LoadStatesBefore.
func (ab *AggregateBase) IsPersistable() bool { return ab.persistable }

// IsBackdating reports whether this instance was seeded for a backdated
// insertion (mark_for_backdating in spec.md §4.2).
func (ab *AggregateBase) IsBackdating() bool { return ab.backdating }

// MarkForBackdating flags this instance as having been seeded ahead of a
// backdated event insertion.
func (ab *AggregateBase) MarkForBackdating() { ab.backdating = true }

// MarkView flags this instance as a non-persistable temporal snapshot.
func (ab *AggregateBase) MarkView() { ab.persistable = false }

// RecordedEvents returns every event applied this session, uncommitted or
// not yet pulled by the unit of work.
func (ab *AggregateBase) RecordedEvents() []PendingEvent { return ab.recorded }

// RetractedEvents returns stored rows queued for deletion on commit.
func (ab *AggregateBase) RetractedEvents() []StoredEvent { return ab.retracted }

// MarkEventRetracted queues a previously persisted row for deletion,
// called by TemporalReplay when editing the event at a given point.
func (ab *AggregateBase) MarkEventRetracted(ev StoredEvent) {
	ab.retracted = append(ab.retracted, ev)
}

// ClearRetracted empties the retraction queue after the unit of work has
// pulled it.
func (ab *AggregateBase) ClearRetracted() { ab.retracted = nil }

// ConfirmVersion raises OutOfDateVersion if the aggregate's current version
// does not match v.
func (ab *AggregateBase) ConfirmVersion(v int) error {
	if ab.version != v {
		return &OutOfDateVersionError{AggregateType: ab.aggregateType, AggregateID: ab.id, Expected: v}
	}
	return nil
}

// MarkPersisted records a successful insert or compare-and-update: the new
// version becomes current and adding clears.
func (ab *AggregateBase) MarkPersisted(newVersion int) {
	ab.version = newVersion
	ab.adding = false
}

// RowPersister is implemented by each concrete aggregate's own table
// binding. AggregateBase has no knowledge of SQL; Persist below delegates
// the actual row write to this interface and only owns the optimistic
// version arithmetic spec.md §4.2 describes.
type RowPersister interface {
	InsertRow(ctx context.Context, tx *sql.Tx) error
	UpdateRow(ctx context.Context, tx *sql.Tx, expectedVersion int) (rowsAffected int64, err error)
}

// Persist runs the generic insert-or-compare-and-update algorithm spec.md
// §4.2 describes: insert when new (version becomes 1), else
// UPDATE ... WHERE id=? AND version=? incrementing by one; zero rows
// affected is OutOfDateVersion. Concrete aggregates call this from their
// own Persist method, passing themselves as the RowPersister.
func Persist(ctx context.Context, ab *AggregateBase, tx *sql.Tx, rp RowPersister) error {
	if !ab.persistable {
		return &CannotPersistViewError{AggregateType: ab.aggregateType, AggregateID: ab.id}
	}
	if ab.adding {
		if err := rp.InsertRow(ctx, tx); err != nil {
			return err
		}
		ab.MarkPersisted(1)
		return nil
	}
	affected, err := rp.UpdateRow(ctx, tx, ab.version)
	if err != nil {
		return err
	}
	if affected == 0 {
		return &OutOfDateVersionError{AggregateType: ab.aggregateType, AggregateID: ab.id, Expected: ab.version}
	}
	ab.MarkPersisted(ab.version + 1)
	return nil
}
