// Service wires pkg/uow, pkg/replay, pkg/composition, and pkg/notify
// together around the WineLot and Action aggregates: the orchestration
// layer spec.md §8's worked scenarios exercise end to end.
//
// Grounded on examples/bankaccount/handlers/command_handler.go's
// validate-then-persist-then-notify command handler shape, generalized
// from a single aggregate per command to the multi-aggregate batches a
// BLEND action requires.
package wine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/composition"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/cellarstack/winelog/pkg/observability"
	"github.com/cellarstack/winelog/pkg/replay"
	"github.com/cellarstack/winelog/pkg/uow"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// backdatingGrace is spec.md §6's "effective_at <= now - 2s" policy
// window: an action whose effective_at falls inside the last two seconds
// is rejected as not functionally in the past.
const backdatingGrace = 2 * time.Second

// Service is the single entry point for recording and revising wine-lot
// actions. One Service is constructed per process; every method opens
// its own unit-of-work scope.
type Service struct {
	db          *sql.DB
	lotStore    eventstore.EventStore
	actionStore eventstore.EventStore
	registry    *domain.EventTypeRegistry
	lotReplayer *replay.Replayer
	actReplayer *replay.Replayer
	calculator  *composition.Calculator
	bus         uow.Notifier
	clock       clock.Clock
	ids         idgen.IdGen
	tracer      trace.Tracer
}

// NewService builds a Service bound to the given event stores and
// collaborators. tracer may be a no-op tracer.Tracer if observability is
// not configured.
func NewService(db *sql.DB, lotStore, actionStore eventstore.EventStore, bus uow.Notifier, clk clock.Clock, ids idgen.IdGen, tracer trace.Tracer) *Service {
	registry := NewEventTypeRegistry()
	return &Service{
		db:          db,
		lotStore:    lotStore,
		actionStore: actionStore,
		registry:    registry,
		lotReplayer: replay.NewReplayer(lotStore, registry, IdentityFactory),
		actReplayer: replay.NewReplayer(actionStore, registry, ActionIdentityFactory),
		calculator:  composition.NewCalculator(lotStore, registry, WineLotLister{}),
		bus:         bus,
		clock:       clk,
		ids:         ids,
		tracer:      tracer,
	}
}

// stores is the map uow.Run needs: aggregate type -> its event store.
func (s *Service) stores() map[string]eventstore.EventStore {
	return map[string]eventstore.EventStore{
		"wine_lot": s.lotStore,
		"action":   s.actionStore,
	}
}

// validateEffectiveAt truncates effectiveAt to second precision and
// enforces spec.md §6's backdating policy.
func (s *Service) validateEffectiveAt(effectiveAt time.Time) (time.Time, error) {
	t := effectiveAt.Truncate(time.Second)
	if t.After(s.clock.Now().Add(-backdatingGrace)) {
		return time.Time{}, domain.NewDomainValidationError("must be functionally in the past")
	}
	return t, nil
}

// loadEditableLot fetches lotID's current version (if any) and seeds an
// editable instance via pkg/replay, ready for a domain command method.
func (s *Service) loadEditableLot(ctx context.Context, tx *sql.Tx, lotID string, effectiveAt time.Time) (*WineLot, error) {
	version, found, err := lotVersion(ctx, tx, lotID)
	if err != nil {
		return nil, err
	}
	var seed domain.Aggregate
	if found {
		seed = NewWineLotIdentity(lotID, version)
	} else {
		return nil, &domain.MissingEntityError{EntityType: "wine_lot", ID: lotID}
	}

	editable, err := s.lotReplayer.LoadEditableAtTime(ctx, tx, []domain.Aggregate{seed}, effectiveAt)
	if err != nil {
		return nil, err
	}
	lot := editable[lotID].(*WineLot)
	return lot, nil
}

// finishLot reapplies any events already stored after (effectiveAt,
// actionID) onto lot, then stages it for persistence. This runs
// unconditionally, not just when lot.IsBackdating(): LoadEditableAtTime
// only marks backdating when the fold window was empty, but a fold
// window can be non-empty and still leave later events unaccounted for
// (inserting between two existing events) — ReapplyDownstream is a no-op
// when nothing qualifies, so calling it every time is always correct.
func (s *Service) finishLot(ctx context.Context, tx *sql.Tx, lot *WineLot, effectiveAt time.Time, actionID string) error {
	if err := s.lotReplayer.ReapplyDownstream(ctx, tx, lot, effectiveAt, actionID); err != nil {
		return err
	}
	uow.MustFromContext(ctx).Add(lot)
	return nil
}

// CreateLot starts a brand-new WineLot. No Action is recorded for the
// creation; its opening event carries an empty action id. occurredAt
// need not obey the backdating grace, since
// there is no prior history a new lot's creation could be backdated
// against.
func (s *Service) CreateLot(ctx context.Context, code string, components []ComponentAmount, openingVolume decimal.Decimal, occurredAt time.Time) (string, error) {
	ctx, span := observability.StartSpan(ctx, s.tracer, "wine.CreateLot", observability.WithAttributes(observability.CommandAttrs("CREATE_LOT", "")...))
	defer func() { observability.EndSpan(span, nil) }()

	lotID := s.ids.NewID()
	err := uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		lot := NewWineLot(lotID)
		if err := lot.Create(code, components, openingVolume, occurredAt, ""); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(lot)
		return nil
	})
	if err != nil {
		observability.SetSpanError(ctx, err)
		return "", err
	}
	return lotID, nil
}

// recordSingleLotAction is the shared shape behind ReceiveVolume,
// Remeasure, and Bottle: one action, one mutated lot.
func (s *Service) recordSingleLotAction(ctx context.Context, actionType ActionType, lotID string, effectiveAt time.Time, payload ActionPayload, mutate func(lot *WineLot, actionID string) error) (string, error) {
	effectiveAt, err := s.validateEffectiveAt(effectiveAt)
	if err != nil {
		return "", err
	}

	actionID := s.ids.NewID()
	err = uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()

		lot, err := s.loadEditableLot(ctx, tx, lotID, effectiveAt)
		if err != nil {
			return err
		}
		if err := mutate(lot, actionID); err != nil {
			return err
		}
		if err := s.finishLot(ctx, tx, lot, effectiveAt, actionID); err != nil {
			return err
		}

		action := NewAction(actionID)
		if err := action.Record(actionType, effectiveAt, []string{lotID}, payload); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(action)
		return nil
	})
	if err != nil {
		return "", err
	}
	return actionID, nil
}

// ReceiveVolume records a RECEIVE_VOLUME action: amount is added to lotID.
func (s *Service) ReceiveVolume(ctx context.Context, lotID string, amount decimal.Decimal, effectiveAt time.Time) (string, error) {
	return s.recordSingleLotAction(ctx, ActionReceiveVolume, lotID, effectiveAt,
		ReceiveVolumePayload{LotID: lotID, Amount: amount},
		func(lot *WineLot, actionID string) error { return lot.ReceiveVolume(amount, effectiveAt, actionID) })
}

// Remeasure records a REMEASURE action: lotID's volume is set absolutely.
func (s *Service) Remeasure(ctx context.Context, lotID string, newVolume decimal.Decimal, effectiveAt time.Time) (string, error) {
	return s.recordSingleLotAction(ctx, ActionRemeasure, lotID, effectiveAt,
		RemeasurePayload{LotID: lotID, NewVolume: newVolume},
		func(lot *WineLot, actionID string) error { return lot.Remeasure(newVolume, effectiveAt, actionID) })
}

// Bottle records a BOTTLE action: amount is drawn off lotID.
func (s *Service) Bottle(ctx context.Context, lotID string, amount decimal.Decimal, effectiveAt time.Time) (string, error) {
	return s.recordSingleLotAction(ctx, ActionBottle, lotID, effectiveAt,
		BottlePayload{LotID: lotID, Amount: amount},
		func(lot *WineLot, actionID string) error { return lot.Bottle(amount, effectiveAt, actionID) })
}

// Blend records a BLEND action: targetLotID gains volume from each source
// lot named in sourceVolumes, and each source lot's own volume is drawn
// down by the corresponding amount.
func (s *Service) Blend(ctx context.Context, targetLotID string, sourceVolumes map[string]decimal.Decimal, effectiveAt time.Time) (string, error) {
	effectiveAt, err := s.validateEffectiveAt(effectiveAt)
	if err != nil {
		return "", err
	}
	if len(sourceVolumes) == 0 {
		return "", domain.NewDomainValidationError("blend must name at least one source lot")
	}

	actionID := s.ids.NewID()
	err = uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()

		target, err := s.loadEditableLot(ctx, tx, targetLotID, effectiveAt)
		if err != nil {
			return err
		}
		if err := target.RecordBlendTarget(sourceVolumes, effectiveAt, actionID); err != nil {
			return err
		}
		if err := s.finishLot(ctx, tx, target, effectiveAt, actionID); err != nil {
			return err
		}

		for sourceID, amount := range sourceVolumes {
			source, err := s.loadEditableLot(ctx, tx, sourceID, effectiveAt)
			if err != nil {
				return err
			}
			if err := source.RecordVolumeMoved(amount, targetLotID, effectiveAt, actionID); err != nil {
				return err
			}
			if err := s.finishLot(ctx, tx, source, effectiveAt, actionID); err != nil {
				return err
			}
		}

		involved := append([]string{targetLotID}, keysOf(sourceVolumes)...)
		action := NewAction(actionID)
		if err := action.Record(ActionBlend, effectiveAt, involved, BlendPayload{TargetLotID: targetLotID, SourceVolumes: sourceVolumes}); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(action)
		return nil
	})
	if err != nil {
		return "", err
	}
	return actionID, nil
}

// DeleteLot retires lotID, per spec.md §9's Open Question resolution:
// the retired code is recorded in the event, not mutated with a random
// suffix.
func (s *Service) DeleteLot(ctx context.Context, lotID string, deletedAt time.Time) error {
	return uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()
		version, found, err := lotVersion(ctx, tx, lotID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MissingEntityError{EntityType: "wine_lot", ID: lotID}
		}
		lot := NewWineLotIdentity(lotID, version)
		all, err := s.lotStore.Fetch(ctx, tx, []string{lotID}, eventstore.FetchFilter{})
		if err != nil {
			return err
		}
		loadable := domain.Loadable(lot)
		for _, ev := range all {
			payload, err := s.registry.Decode(ev.EventType, ev.EventData)
			if err != nil {
				return err
			}
			if err := loadable.Load(payload); err != nil {
				return err
			}
		}
		if err := lot.Delete(deletedAt); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(lot)
		return nil
	})
}

// RenameLot renames lotID's active code, grounded on original_source's
// WineLot.update()/WineLotUpdated.
func (s *Service) RenameLot(ctx context.Context, lotID, newCode string) error {
	return uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()
		version, found, err := lotVersion(ctx, tx, lotID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MissingEntityError{EntityType: "wine_lot", ID: lotID}
		}
		lot := NewWineLotIdentity(lotID, version)
		all, err := s.lotStore.Fetch(ctx, tx, []string{lotID}, eventstore.FetchFilter{})
		if err != nil {
			return err
		}
		if err := foldAll(s.registry, domain.Loadable(lot), all); err != nil {
			return err
		}
		if err := lot.Update(newCode); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(lot)
		return nil
	})
}

// ReviseAction implements spec.md §4.4.2's edit path (scenario 4): the
// action at actionID is revised with a new payload/effective_at, the
// stale downstream event on each originally-involved lot is retracted,
// the revised event is reinserted, and every lot it touches has its
// downstream history reapplied so its persisted snapshot matches a full
// replay.
func (s *Service) ReviseAction(ctx context.Context, actionID string, newEffectiveAt time.Time, newPayload ActionPayload, newInvolvedLotIDs []string) error {
	newEffectiveAt, err := s.validateEffectiveAt(newEffectiveAt)
	if err != nil {
		return err
	}

	return uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()

		version, found, err := actionVersion(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MissingEntityError{EntityType: "action", ID: actionID}
		}

		actionSeed := NewActionIdentity(actionID, version)
		actionAll, err := s.actionStore.Fetch(ctx, tx, []string{actionID}, eventstore.FetchFilter{})
		if err != nil {
			return err
		}
		if err := foldAll(s.registry, actionSeed, actionAll); err != nil {
			return err
		}
		originalInvolved := actionSeed.InvolvedLotIDs
		resolvedInvolved := newInvolvedLotIDs
		if len(resolvedInvolved) == 0 {
			resolvedInvolved = originalInvolved
		}
		if err := actionSeed.Revise(newEffectiveAt, resolvedInvolved, newPayload); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(actionSeed)

		// lotIDs is the union of the action's previously- and
		// newly-involved lots: a lot dropped by the revision still needs
		// its stale event retracted, and a lot newly added by the
		// revision still needs its event applied.
		seen := make(map[string]bool)
		var lotIDs []string
		for _, id := range originalInvolved {
			if !seen[id] {
				seen[id] = true
				lotIDs = append(lotIDs, id)
			}
		}
		for _, id := range resolvedInvolved {
			if !seen[id] {
				seen[id] = true
				lotIDs = append(lotIDs, id)
			}
		}

		seeds := make([]domain.Aggregate, 0, len(lotIDs))
		for _, lotID := range lotIDs {
			version, found, err := lotVersion(ctx, tx, lotID)
			if err != nil {
				return err
			}
			if !found {
				return &domain.MissingEntityError{EntityType: "wine_lot", ID: lotID}
			}
			seeds = append(seeds, NewWineLotIdentity(lotID, version))
		}

		editable, retracted, err := s.lotReplayer.LoadEditableAtTimeAndPoint(ctx, tx, seeds, newEffectiveAt, actionID)
		if err != nil {
			return err
		}

		for _, lotID := range lotIDs {
			lot := editable[lotID].(*WineLot)
			if err := applyActionPayload(lot, newPayload, newEffectiveAt, actionID); err != nil {
				return err
			}
			if stored, ok := retracted[lotID]; ok {
				lot.MarkEventRetracted(stored)
			}
			if err := s.lotReplayer.ReapplyDownstream(ctx, tx, lot, newEffectiveAt, actionID); err != nil {
				return err
			}
			uow.MustFromContext(ctx).Add(lot)
		}
		return nil
	})
}

// DeleteAction soft-deletes an action, grounded on original_source's
// Action.destroy()/ActionDeleted, symmetric with DeleteLot. It does not
// retract or reapply the action's downstream WineLot events: a deleted
// action remains part of the replayable history, only marked retired.
func (s *Service) DeleteAction(ctx context.Context, actionID string, deletedAt time.Time) error {
	return uow.Run(ctx, s.db, s.stores(), s.bus, func(ctx context.Context) error {
		tx := uow.MustFromContext(ctx).Tx()
		version, found, err := actionVersion(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if !found {
			return &domain.MissingEntityError{EntityType: "action", ID: actionID}
		}
		action := NewActionIdentity(actionID, version)
		all, err := s.actionStore.Fetch(ctx, tx, []string{actionID}, eventstore.FetchFilter{})
		if err != nil {
			return err
		}
		if err := foldAll(s.registry, domain.Loadable(action), all); err != nil {
			return err
		}
		if err := action.Destroy(deletedAt); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(action)
		return nil
	})
}

// applyActionPayload replays one action payload's effect onto lot, used
// by ReviseAction to re-derive the single event the revised action now
// produces for this lot.
func applyActionPayload(lot *WineLot, payload ActionPayload, effectiveAt time.Time, actionID string) error {
	// Normalize to the pointer-typed form DecodeActionPayload produces,
	// so callers may pass either a value or pointer literal.
	kind, data, err := EncodeActionPayload(payload)
	if err != nil {
		return err
	}
	normalized, err := DecodeActionPayload(kind, data)
	if err != nil {
		return err
	}

	switch p := normalized.(type) {
	case *ReceiveVolumePayload:
		if p.LotID != lot.ID() {
			return nil
		}
		return lot.ReceiveVolume(p.Amount, effectiveAt, actionID)
	case *RemeasurePayload:
		if p.LotID != lot.ID() {
			return nil
		}
		return lot.Remeasure(p.NewVolume, effectiveAt, actionID)
	case *BottlePayload:
		if p.LotID != lot.ID() {
			return nil
		}
		return lot.Bottle(p.Amount, effectiveAt, actionID)
	case *BlendPayload:
		if p.TargetLotID == lot.ID() {
			return lot.RecordBlendTarget(p.SourceVolumes, effectiveAt, actionID)
		}
		if amount, ok := p.SourceVolumes[lot.ID()]; ok {
			return lot.RecordVolumeMoved(amount, p.TargetLotID, effectiveAt, actionID)
		}
		return nil
	default:
		return fmt.Errorf("wine: unrecognized action payload type %T", payload)
	}
}

// Composition wraps pkg/composition.Calculator.Calculate in its own
// read-only transaction.
func (s *Service) Composition(ctx context.Context, lotID string, effectiveAt *time.Time, actionID *string) (composition.Composition, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return s.calculator.Calculate(ctx, tx, lotID, effectiveAt, actionID)
}

// RebuildLots runs pkg/replay.RebuildAggregates over every WineLot.
func (s *Service) RebuildLots(ctx context.Context, chunkSize int, idFilter *string, onChunk func(ids []string)) error {
	return s.lotReplayer.RebuildAggregates(ctx, s.db, WineLotLister{}, chunkSize, idFilter, onChunk)
}

// RebuildActions runs pkg/replay.RebuildAggregates over every Action.
func (s *Service) RebuildActions(ctx context.Context, chunkSize int, idFilter *string, onChunk func(ids []string)) error {
	return s.actReplayer.RebuildAggregates(ctx, s.db, ActionLister{}, chunkSize, idFilter, onChunk)
}

func foldAll(registry *domain.EventTypeRegistry, agg domain.Loadable, events []domain.StoredEvent) error {
	for _, ev := range events {
		payload, err := registry.Decode(ev.EventType, ev.EventData)
		if err != nil {
			return err
		}
		if err := agg.Load(payload); err != nil {
			return err
		}
	}
	return nil
}

func keysOf(m map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
