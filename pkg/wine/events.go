// Package wine is the worked domain example spec.md §3/§9 calls for:
// WineLot and Action aggregates exercising every contract pkg/domain,
// pkg/eventstore, pkg/uow, pkg/replay, and pkg/composition define.
//
// Grounded on examples/bankaccount/account.go's command-validates-then-
// emits-event shape and examples/bankaccount/domain/account_appliers.go's
// applier split, generalized from protobuf command/event types to plain
// Go structs serialized as JSON.
package wine

import (
	"time"

	"github.com/cellarstack/winelog/pkg/composition"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/shopspring/decimal"
)

// ActionType discriminates the four kinds of user intent spec.md §3
// describes for the Action aggregate.
type ActionType string

const (
	ActionReceiveVolume ActionType = "RECEIVE_VOLUME"
	ActionRemeasure     ActionType = "REMEASURE"
	ActionBlend         ActionType = "BLEND"
	ActionBottle        ActionType = "BOTTLE"
)

// --- WineLot event payloads ---

// ComponentAmount names one contributing grape lot's provenance and its
// fractional share of a lot's opening composition. Grounded on
// original_source's winemaking/events/wine_lot.py ComponentAmount: a
// WineLot is seeded from an arbitrary list of these, not a single
// variety/appellation/vintage triple at 100%.
type ComponentAmount struct {
	Variety     string          `json:"variety"`
	Appellation string          `json:"appellation"`
	Vintage     int             `json:"vintage"`
	Fraction    decimal.Decimal `json:"fraction"`
}

// SingleComponent builds the common one-component, 100%-share case.
func SingleComponent(variety, appellation string, vintage int) ComponentAmount {
	return ComponentAmount{Variety: variety, Appellation: appellation, Vintage: vintage, Fraction: decimal.NewFromInt(1)}
}

// LotCreated seeds a WineLot's code, opening composition, and opening
// volume. Components is a list, not a scalar triple: spec.md §4.6 step 5
// initializes composition "from the event's declared components"
// (plural), and original_source's WineLotCreated.components is a
// list[ComponentAmount].
type LotCreated struct {
	Code        string            `json:"code"`
	Components  []ComponentAmount `json:"components"`
	Volume      decimal.Decimal   `json:"volume"`
	OccurredAtT time.Time         `json:"occurred_at"`
	ActionIDT   string            `json:"action_id"`
}

func (LotCreated) Kind() string                     { return "wine_lot.created" }
func (LotCreated) EventVersion() int                { return 1 }
func (e LotCreated) OccurredAt() time.Time          { return e.OccurredAtT }
func (e LotCreated) ActionID() string               { return e.ActionIDT }
func (e LotCreated) InitialVolume() decimal.Decimal { return e.Volume }
func (e LotCreated) InitialComposition() composition.Composition {
	out := composition.Composition{}
	for _, c := range e.Components {
		key := composition.LotComponent{Variety: c.Variety, Appellation: c.Appellation, Vintage: c.Vintage}
		out[key] = out[key].Add(c.Fraction)
	}
	return out
}

// VolumeReceived records additional volume added to an existing lot
// (e.g. a second truck delivery against the same lot code).
type VolumeReceived struct {
	Amount      decimal.Decimal `json:"amount"`
	OccurredAtT time.Time       `json:"occurred_at"`
	ActionIDT   string          `json:"action_id"`
}

func (VolumeReceived) Kind() string            { return "wine_lot.volume_received" }
func (VolumeReceived) EventVersion() int       { return 1 }
func (e VolumeReceived) OccurredAt() time.Time { return e.OccurredAtT }
func (e VolumeReceived) ActionID() string      { return e.ActionIDT }
func (e VolumeReceived) VolumeDelta() decimal.Decimal { return e.Amount }

// Remeasured records a corrected, absolute volume reading.
type Remeasured struct {
	NewVolume   decimal.Decimal `json:"new_volume"`
	OccurredAtT time.Time       `json:"occurred_at"`
	ActionIDT   string          `json:"action_id"`
}

func (Remeasured) Kind() string            { return "wine_lot.remeasured" }
func (Remeasured) EventVersion() int       { return 1 }
func (e Remeasured) OccurredAt() time.Time { return e.OccurredAtT }
func (e Remeasured) ActionID() string      { return e.ActionIDT }
func (e Remeasured) ResultingVolume() decimal.Decimal { return e.NewVolume }

// VolumeBlended is recorded against the blend's target lot: it carries
// every source lot's contributed volume, driving both the target's new
// volume and (via pkg/composition) its re-derived composition.
type VolumeBlended struct {
	Volumes     map[string]decimal.Decimal `json:"volumes"`
	OccurredAtT time.Time                  `json:"occurred_at"`
	ActionIDT   string                     `json:"action_id"`
}

func (VolumeBlended) Kind() string            { return "wine_lot.volume_blended" }
func (VolumeBlended) EventVersion() int       { return 1 }
func (e VolumeBlended) OccurredAt() time.Time { return e.OccurredAtT }
func (e VolumeBlended) ActionID() string      { return e.ActionIDT }
func (e VolumeBlended) SourceVolumes() map[string]decimal.Decimal { return e.Volumes }

// VolumeMoved is recorded against each source lot a blend draws from: it
// reduces the source's own volume by the amount moved out.
type VolumeMoved struct {
	Amount      decimal.Decimal `json:"amount"`
	TargetLotID string          `json:"target_lot_id"`
	OccurredAtT time.Time       `json:"occurred_at"`
	ActionIDT   string          `json:"action_id"`
}

func (VolumeMoved) Kind() string            { return "wine_lot.volume_moved" }
func (VolumeMoved) EventVersion() int       { return 1 }
func (e VolumeMoved) OccurredAt() time.Time { return e.OccurredAtT }
func (e VolumeMoved) ActionID() string      { return e.ActionIDT }
func (e VolumeMoved) VolumeDelta() decimal.Decimal { return e.Amount.Neg() }

// Bottled reduces a lot's volume by the amount drawn off for bottling.
type Bottled struct {
	Amount      decimal.Decimal `json:"amount"`
	OccurredAtT time.Time       `json:"occurred_at"`
	ActionIDT   string          `json:"action_id"`
}

func (Bottled) Kind() string            { return "wine_lot.bottled" }
func (Bottled) EventVersion() int       { return 1 }
func (e Bottled) OccurredAt() time.Time { return e.OccurredAtT }
func (e Bottled) ActionID() string      { return e.ActionIDT }
func (e Bottled) VolumeDelta() decimal.Decimal { return e.Amount.Neg() }

// LotDeleted retires a lot, recording the retired code so a later code
// can be reused without ever mutating history (spec.md §9 Open Question).
type LotDeleted struct {
	RetiredCode string    `json:"retired_code"`
	DeletedAt   time.Time `json:"deleted_at"`
}

func (LotDeleted) Kind() string      { return "wine_lot.deleted" }
func (LotDeleted) EventVersion() int { return 1 }

// LotUpdated renames an active lot's code. Grounded on original_source's
// WineLot.update()/WineLotUpdated: renaming is its own event, distinct
// from Created, so a lot's code history is auditable.
type LotUpdated struct {
	PreviousCode string `json:"previous_code"`
	NewCode      string `json:"new_code"`
}

func (LotUpdated) Kind() string      { return "wine_lot.updated" }
func (LotUpdated) EventVersion() int { return 1 }

// --- Action event payloads ---

// ActionRecorded seeds an Action: the user's intent, its discriminated
// payload (carried as PayloadKind plus the JSON-encoded ActionPayload in
// PayloadData), and the lots it names.
type ActionRecorded struct {
	ActionType      ActionType      `json:"action_type"`
	EffectiveAt     time.Time       `json:"effective_at"`
	InvolvedLotIDs  []string        `json:"involved_lot_ids"`
	RevisionNumber  int             `json:"revision_number"`
	PayloadKind     string          `json:"payload_kind"`
	PayloadData     []byte          `json:"payload_data"`
}

func (ActionRecorded) Kind() string      { return "action.recorded" }
func (ActionRecorded) EventVersion() int { return 1 }

// ActionRevised records a new revision of an existing action: the
// payload and/or effective_at changed, and revision_number increments.
// Reapplying downstream WineLot effects is the caller's (pkg/wine
// service layer's) responsibility, via pkg/replay.
type ActionRevised struct {
	EffectiveAt    time.Time `json:"effective_at"`
	InvolvedLotIDs []string  `json:"involved_lot_ids"`
	RevisionNumber int       `json:"revision_number"`
	PayloadKind    string    `json:"payload_kind"`
	PayloadData    []byte    `json:"payload_data"`
}

func (ActionRevised) Kind() string      { return "action.revised" }
func (ActionRevised) EventVersion() int { return 1 }

// ActionDeleted soft-deletes an action, symmetric with LotDeleted.
// Grounded on original_source's Action.destroy()/ActionDeleted.
type ActionDeleted struct {
	DeletedAt time.Time `json:"deleted_at"`
}

func (ActionDeleted) Kind() string      { return "action.deleted" }
func (ActionDeleted) EventVersion() int { return 1 }

// NewEventTypeRegistry builds the combined WineLot+Action payload
// registry, satisfying pkg/domain.ImproperlyConfigured's "missing event
// model" guard for every kind either aggregate can emit.
func NewEventTypeRegistry() *domain.EventTypeRegistry {
	r := domain.NewEventTypeRegistry()
	r.Register("wine_lot.created", func() domain.EventPayload { return &LotCreated{} })
	r.Register("wine_lot.volume_received", func() domain.EventPayload { return &VolumeReceived{} })
	r.Register("wine_lot.remeasured", func() domain.EventPayload { return &Remeasured{} })
	r.Register("wine_lot.volume_blended", func() domain.EventPayload { return &VolumeBlended{} })
	r.Register("wine_lot.volume_moved", func() domain.EventPayload { return &VolumeMoved{} })
	r.Register("wine_lot.bottled", func() domain.EventPayload { return &Bottled{} })
	r.Register("wine_lot.deleted", func() domain.EventPayload { return &LotDeleted{} })
	r.Register("wine_lot.updated", func() domain.EventPayload { return &LotUpdated{} })
	r.Register("action.recorded", func() domain.EventPayload { return &ActionRecorded{} })
	r.Register("action.revised", func() domain.EventPayload { return &ActionRevised{} })
	r.Register("action.deleted", func() domain.EventPayload { return &ActionDeleted{} })
	return r
}
