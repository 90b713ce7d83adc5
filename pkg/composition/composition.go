// Package composition implements spec.md §4.6's read model:
// calculate_composition(lot_id, effective_at?, action_id?), a
// volume-weighted blend projection over a DAG of wine lots.
//
// Grounded on pkg/eventsourcing/projection.go's ProjectionManager.Rebuild
// replay loop, restructured around the breadth-first source-discovery then
// canonical-order fold spec.md §4.6 specifies. Decimal math uses
// github.com/shopspring/decimal throughout (spec.md §9: never floating
// point), the same library examples/bankaccount uses for money amounts.
package composition

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/shopspring/decimal"
)

// LotComponent identifies one contributing grape lot's provenance.
type LotComponent struct {
	Variety    string
	Appellation string
	Vintage    int
}

// Composition is a mapping from LotComponent to its fractional share of a
// lot's current volume. Invariant: the fractions sum to within
// [0.9999, 1.0001] whenever the lot holds positive volume (spec.md §3).
type Composition map[LotComponent]decimal.Decimal

// Clone returns an independent copy of c.
func (c Composition) Clone() Composition {
	out := make(Composition, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// VolumeBlendedPayload is the event kind calculate_composition folds
// specially: it both updates the snapshot lot's volume and re-derives its
// composition from each source lot's own composition.
type VolumeBlendedPayload interface {
	domain.EventPayload
	// SourceVolumes maps each contributing source lot's ID to the volume
	// blended in from it.
	SourceVolumes() map[string]decimal.Decimal
}

// CreatedPayload is the event kind that seeds a lot's initial
// composition and volume.
type CreatedPayload interface {
	domain.EventPayload
	InitialComposition() Composition
	InitialVolume() decimal.Decimal
}

// VolumeSetPayload is any other event kind (REMEASURE) that reports the
// lot's resulting absolute volume without touching composition (spec.md
// §4.6 step 5: "for all events ... call load to update the snapshot
// lot's volume and other state").
type VolumeSetPayload interface {
	domain.EventPayload
	ResultingVolume() decimal.Decimal
}

// VolumeDeltaPayload is any other event kind (BOTTLE) that reports a
// signed change to the lot's volume without touching composition.
type VolumeDeltaPayload interface {
	domain.EventPayload
	VolumeDelta() decimal.Decimal
}

// lotState is the transient per-lot snapshot calculate_composition
// maintains while folding: current volume and current composition.
type lotState struct {
	volume      decimal.Decimal
	composition Composition
}

// LotExistenceChecker reports whether lotID names a real WineLot (a lot
// that has since been deleted still counts), satisfying spec.md §4.6 step 3's existence check. Implemented
// by pkg/wine's table binding.
type LotExistenceChecker interface {
	LotExists(ctx context.Context, tx *sql.Tx, lotID string) (bool, error)
}

// Calculator computes compositions over one event store, whose aggregate
// type is expected to be the WineLot event log.
type Calculator struct {
	store    eventstore.EventStore
	registry *domain.EventTypeRegistry
	exists   LotExistenceChecker
}

// NewCalculator builds a Calculator bound to the WineLot event store.
func NewCalculator(store eventstore.EventStore, registry *domain.EventTypeRegistry, exists LotExistenceChecker) *Calculator {
	return &Calculator{store: store, registry: registry, exists: exists}
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

func seqLE(ev domain.StoredEvent, seq string) bool {
	return ev.SequenceNumber == nil || *ev.SequenceNumber <= seq
}

// inCutoff implements spec.md §4.6's shared temporal cutoff: with no
// action_id, occurred_at <= effective_at; with one, occurred_at <
// effective_at OR (occurred_at = effective_at AND sequence_number <=
// action_id). This mirrors pkg/replay's inWindowAt/inWindowAtSeq exactly
// — both sites must agree, per spec.md §4.6's explicit instruction.
func inCutoff(ev domain.StoredEvent, effectiveAt time.Time, actionID *string) bool {
	if actionID == nil {
		return occurredAtLE(ev, effectiveAt)
	}
	if occurredAtLT(ev, effectiveAt) {
		return true
	}
	return occurredAtEq(ev, effectiveAt) && seqLE(ev, *actionID)
}

// truncateToSeconds implements spec.md §4.6 step 2: normalize effective_at
// by truncating sub-second precision below the store's resolution.
func truncateToSeconds(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

// Calculate implements calculate_composition(lot_id, effective_at?,
// action_id?). effectiveAt is required whenever actionID is non-nil
// (spec.md §4.6 step 1).
func (c *Calculator) Calculate(ctx context.Context, tx *sql.Tx, lotID string, effectiveAt *time.Time, actionID *string) (Composition, error) {
	if actionID != nil && effectiveAt == nil {
		return nil, domain.NewDomainValidationError("effective_at is required when action_id is provided")
	}

	var cutoff time.Time
	hasCutoff := effectiveAt != nil
	if hasCutoff {
		cutoff = truncateToSeconds(*effectiveAt)
	} else {
		cutoff = truncateToSeconds(time.Now())
	}

	exists, err := c.exists.LotExists(ctx, tx, lotID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &domain.MissingEntityError{EntityType: "wine_lot", ID: lotID}
	}

	discovered, err := c.discoverSources(ctx, tx, lotID, cutoff, actionID)
	if err != nil {
		return nil, err
	}

	states, err := c.fold(ctx, tx, discovered, cutoff, actionID)
	if err != nil {
		return nil, err
	}

	target, ok := states[lotID]
	if !ok {
		return Composition{}, nil
	}
	return target.composition, nil
}

// discoverSources implements spec.md §4.6 step 4: breadth-first, using an
// explicit queue and visited set (spec.md §9 — no recursion, since blend
// DAGs can in principle run deep).
func (c *Calculator) discoverSources(ctx context.Context, tx *sql.Tx, lotID string, cutoff time.Time, actionID *string) ([]string, error) {
	visited := map[string]bool{lotID: true}
	queue := []string{lotID}
	order := []string{lotID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		events, err := c.store.Fetch(ctx, tx, []string{current}, eventstore.FetchFilter{})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if !inCutoff(ev, cutoff, actionID) {
				continue
			}
			payload, err := c.registry.Decode(ev.EventType, ev.EventData)
			if err != nil {
				return nil, err
			}
			blended, ok := payload.(VolumeBlendedPayload)
			if !ok {
				continue
			}
			for sourceID := range blended.SourceVolumes() {
				if !visited[sourceID] {
					visited[sourceID] = true
					queue = append(queue, sourceID)
					order = append(order, sourceID)
				}
			}
		}
	}
	return order, nil
}

// fold implements spec.md §4.6 step 5: fetch all events for the
// discovered set within the cutoff, in canonical order, and replay
// Created/VolumeBlended to derive each lot's current composition. Each
// lot's snapshot volume is tracked from Created, VolumeBlended,
// volume-set and volume-delta events; other event kinds are skipped.
func (c *Calculator) fold(ctx context.Context, tx *sql.Tx, lotIDs []string, cutoff time.Time, actionID *string) (map[string]*lotState, error) {
	events, err := c.store.Fetch(ctx, tx, lotIDs, eventstore.FetchFilter{})
	if err != nil {
		return nil, err
	}

	states := make(map[string]*lotState, len(lotIDs))
	for _, id := range lotIDs {
		states[id] = &lotState{volume: decimal.Zero, composition: Composition{}}
	}

	for _, ev := range events {
		if !inCutoff(ev, cutoff, actionID) {
			continue
		}
		payload, err := c.registry.Decode(ev.EventType, ev.EventData)
		if err != nil {
			return nil, err
		}

		state, ok := states[ev.AggregateID]
		if !ok {
			continue
		}

		switch p := payload.(type) {
		case CreatedPayload:
			state.composition = p.InitialComposition().Clone()
			state.volume = p.InitialVolume()
		case VolumeBlendedPayload:
			if err := c.applyBlend(states, ev.AggregateID, p); err != nil {
				return nil, err
			}
		case VolumeSetPayload:
			state.volume = p.ResultingVolume()
		case VolumeDeltaPayload:
			state.volume = state.volume.Add(p.VolumeDelta())
		}
	}
	return states, nil
}

// applyBlend implements spec.md §4.6 step 5's blend fold: V_new = V_old +
// Σ sourced volumes; new composition is the existing composition scaled
// by V_old/V_new plus, for each source with positive blend_volume, that
// source's current composition scaled by blend_volume/V_new.
func (c *Calculator) applyBlend(states map[string]*lotState, targetID string, p VolumeBlendedPayload) error {
	target := states[targetID]
	vOld := target.volume
	total := vOld
	for _, v := range p.SourceVolumes() {
		total = total.Add(v)
	}
	if total.IsZero() {
		return fmt.Errorf("composition: blend into %s produced zero total volume", targetID)
	}

	next := Composition{}
	if !vOld.IsZero() {
		scale := vOld.Div(total)
		for component, frac := range target.composition {
			next[component] = next[component].Add(frac.Mul(scale))
		}
	}

	for sourceID, blendVolume := range p.SourceVolumes() {
		if !blendVolume.IsPositive() {
			continue
		}
		sourceState, ok := states[sourceID]
		if !ok {
			continue
		}
		scale := blendVolume.Div(total)
		for component, frac := range sourceState.composition {
			next[component] = next[component].Add(frac.Mul(scale))
		}
	}

	target.composition = next
	target.volume = total
	return nil
}
