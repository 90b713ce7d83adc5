package wine

import (
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// codePattern is spec.md §3's WineLot code grammar.
const codePattern = `^[A-Z0-9][A-Z0-9_-]{0,48}[A-Z0-9]$`

var codeUpper = cases.Upper(language.Und)

// normalizeCode uppercases and trims a user-supplied lot code before
// validation, so "a100-b" and "A100-B" are the same code.
func normalizeCode(code string) string {
	return codeUpper.String(strings.TrimSpace(code))
}

func validateCode(code string) error {
	if ok, err := govalidator.Matches(code, codePattern); err != nil {
		return domain.NewDomainValidationError("code pattern match failed: %v", err)
	} else if !ok {
		return domain.NewDomainValidationError("lot code %q does not match %s", code, codePattern)
	}
	return nil
}

// WineLot is the aggregate spec.md §3 describes: a volume-tracked parcel
// of wine with a unique active code and a composition derived entirely
// from its event history (pkg/composition), never stored directly.
type WineLot struct {
	domain.AggregateBase

	Code        string
	Volume      decimal.Decimal
	DeletedAt   *time.Time
	RetiredCode string
}

// NewWineLot starts a brand-new, persistable lot (domain.AggregateBase's
// adding=true path). Call Create immediately to emit its opening event.
func NewWineLot(id string) *WineLot {
	w := &WineLot{AggregateBase: domain.NewAggregateBase("wine_lot", id), Volume: decimal.Zero}
	w.bind()
	return w
}

// NewWineLotIdentity returns the identity() seed pkg/replay uses (via
// pkg/wine's replayers): a blank lot at a known persisted version, ready
// to be folded from history via Load.
func NewWineLotIdentity(id string, version int) *WineLot {
	w := &WineLot{AggregateBase: domain.NewIdentityBase("wine_lot", id, version), Volume: decimal.Zero}
	w.bind()
	return w
}

// IdentityFactory adapts NewWineLotIdentity to pkg/replay.IdentityFactory.
func IdentityFactory(id string, version int) domain.Aggregate {
	return NewWineLotIdentity(id, version)
}

func (w *WineLot) bind() {
	w.RegisterKind("wine_lot.created", nil, func(p domain.EventPayload) error {
		e := p.(*LotCreated)
		w.Code = e.Code
		w.Volume = e.Volume
		return nil
	})
	w.RegisterKind("wine_lot.updated", nil, func(p domain.EventPayload) error {
		e := p.(*LotUpdated)
		w.Code = e.NewCode
		return nil
	})
	w.RegisterKind("wine_lot.volume_received", nil, func(p domain.EventPayload) error {
		e := p.(*VolumeReceived)
		w.Volume = w.Volume.Add(e.Amount)
		return nil
	})
	w.RegisterKind("wine_lot.remeasured", nil, func(p domain.EventPayload) error {
		e := p.(*Remeasured)
		w.Volume = e.NewVolume
		return nil
	})
	w.RegisterKind("wine_lot.volume_blended", nil, func(p domain.EventPayload) error {
		e := p.(*VolumeBlended)
		for _, amount := range e.Volumes {
			w.Volume = w.Volume.Add(amount)
		}
		return nil
	})
	w.RegisterKind("wine_lot.volume_moved", w.validateMoveContext, func(p domain.EventPayload) error {
		e := p.(*VolumeMoved)
		w.Volume = w.Volume.Sub(e.Amount)
		return nil
	})
	w.RegisterKind("wine_lot.bottled", w.validateBottleContext, func(p domain.EventPayload) error {
		e := p.(*Bottled)
		w.Volume = w.Volume.Sub(e.Amount)
		return nil
	})
	w.RegisterKind("wine_lot.deleted", nil, func(p domain.EventPayload) error {
		e := p.(*LotDeleted)
		t := e.DeletedAt
		w.DeletedAt = &t
		w.RetiredCode = e.RetiredCode
		return nil
	})
}

// validateBottleContext and validateMoveContext are kept as distinct
// functions even though both currently enforce the same
// volume_remaining >= 0 precondition: spec.md §9's Open Question b is
// explicit that BOTTLE and the blend source-side draw-down must not
// silently share one validator just because today they happen to agree.
func (w *WineLot) validateBottleContext(p domain.EventPayload) error {
	e := p.(*Bottled)
	if w.Volume.Sub(e.Amount).IsNegative() {
		return domain.NewDomainValidationError("bottling %s from lot %s would leave volume negative (have %s)", e.Amount, w.ID(), w.Volume)
	}
	return nil
}

func (w *WineLot) validateMoveContext(p domain.EventPayload) error {
	e := p.(*VolumeMoved)
	if w.Volume.Sub(e.Amount).IsNegative() {
		return domain.NewDomainValidationError("moving %s out of lot %s would leave volume negative (have %s)", e.Amount, w.ID(), w.Volume)
	}
	return nil
}

// componentFractionTolerance mirrors spec.md §8's composition-conservation
// invariant: declared component fractions must sum to within
// [0.9999, 1.0001] of 1.
var componentFractionTolerance = decimal.NewFromFloat(0.0001)

// validateComponents enforces spec.md §4.6 step 5 / §8's conservation
// invariant on a Created event's declared components: at least one
// component, every fraction positive, and the fractions sum to ~1.
func validateComponents(components []ComponentAmount) error {
	if len(components) == 0 {
		return domain.NewDomainValidationError("lot must declare at least one component")
	}
	total := decimal.Zero
	for _, c := range components {
		if !c.Fraction.IsPositive() {
			return domain.NewDomainValidationError("component fraction must be positive, got %s", c.Fraction)
		}
		total = total.Add(c.Fraction)
	}
	if total.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(componentFractionTolerance) {
		return domain.NewDomainValidationError("component fractions must sum to ~1, got %s", total)
	}
	return nil
}

// Create emits the lot's opening event. code is normalized (uppercased,
// trimmed) and validated against spec.md §3's code grammar before being
// recorded. components seeds the lot's opening composition (spec.md
// §4.6 step 5: "initialize composition from the event's declared
// components") — an arbitrary list, not a single 100% component.
func (w *WineLot) Create(code string, components []ComponentAmount, volume decimal.Decimal, occurredAt time.Time, actionID string) error {
	code = normalizeCode(code)
	if err := validateCode(code); err != nil {
		return err
	}
	if err := validateComponents(components); err != nil {
		return err
	}
	if volume.IsNegative() {
		return domain.NewDomainValidationError("opening volume must be non-negative, got %s", volume)
	}
	return w.Apply(&LotCreated{
		Code: code, Components: components,
		Volume: volume, OccurredAtT: occurredAt, ActionIDT: actionID,
	})
}

// Update renames an active lot's code, grounded on original_source's
// WineLot.update(): guards against renaming an already-deleted lot, and
// reuses the same normalization/validation Create applies.
func (w *WineLot) Update(code string) error {
	if w.DeletedAt != nil {
		return domain.NewDomainValidationError("cannot rename deleted lot %s", w.ID())
	}
	code = normalizeCode(code)
	if err := validateCode(code); err != nil {
		return err
	}
	return w.Apply(&LotUpdated{PreviousCode: w.Code, NewCode: code})
}

// ReceiveVolume emits a volume_received event (RECEIVE_VOLUME action
// against an existing lot).
func (w *WineLot) ReceiveVolume(amount decimal.Decimal, occurredAt time.Time, actionID string) error {
	if !amount.IsPositive() {
		return domain.NewDomainValidationError("received volume must be positive, got %s", amount)
	}
	return w.Apply(&VolumeReceived{Amount: amount, OccurredAtT: occurredAt, ActionIDT: actionID})
}

// Remeasure emits a remeasured event (REMEASURE action).
func (w *WineLot) Remeasure(newVolume decimal.Decimal, occurredAt time.Time, actionID string) error {
	if newVolume.IsNegative() {
		return domain.NewDomainValidationError("remeasured volume must be non-negative, got %s", newVolume)
	}
	return w.Apply(&Remeasured{NewVolume: newVolume, OccurredAtT: occurredAt, ActionIDT: actionID})
}

// RecordBlendTarget emits this lot's volume_blended event: it is the
// target side of a BLEND action, gaining volume from each source lot.
func (w *WineLot) RecordBlendTarget(volumes map[string]decimal.Decimal, occurredAt time.Time, actionID string) error {
	if len(volumes) == 0 {
		return domain.NewDomainValidationError("blend must name at least one source lot")
	}
	for sourceID, amount := range volumes {
		if !amount.IsPositive() {
			return domain.NewDomainValidationError("blend volume from %s must be positive, got %s", sourceID, amount)
		}
	}
	return w.Apply(&VolumeBlended{Volumes: volumes, OccurredAtT: occurredAt, ActionIDT: actionID})
}

// RecordVolumeMoved emits this lot's volume_moved event: it is a source
// side of a BLEND action, losing volume to targetLotID.
func (w *WineLot) RecordVolumeMoved(amount decimal.Decimal, targetLotID string, occurredAt time.Time, actionID string) error {
	if !amount.IsPositive() {
		return domain.NewDomainValidationError("moved volume must be positive, got %s", amount)
	}
	return w.Apply(&VolumeMoved{Amount: amount, TargetLotID: targetLotID, OccurredAtT: occurredAt, ActionIDT: actionID})
}

// Bottle emits a bottled event (BOTTLE action).
func (w *WineLot) Bottle(amount decimal.Decimal, occurredAt time.Time, actionID string) error {
	if !amount.IsPositive() {
		return domain.NewDomainValidationError("bottled volume must be positive, got %s", amount)
	}
	return w.Apply(&Bottled{Amount: amount, OccurredAtT: occurredAt, ActionIDT: actionID})
}

// Delete retires the lot: deleted_at is set and the retired code is
// recorded in the event payload, never mutated via a random suffix
// (spec.md §9 Open Question a).
func (w *WineLot) Delete(deletedAt time.Time) error {
	if w.DeletedAt != nil {
		return domain.NewDomainValidationError("lot %s is already deleted", w.ID())
	}
	return w.Apply(&LotDeleted{RetiredCode: w.Code, DeletedAt: deletedAt})
}

// Persist, InsertRow, and UpdateRow are defined in wine_lot_table.go,
// keeping this file to domain state and behavior.
