package wine

import (
	"encoding/json"
	"time"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/shopspring/decimal"
)

// ActionPayload is the discriminated union spec.md §3 describes for the
// Action aggregate: one shape per ActionType.
type ActionPayload interface {
	ActionType() ActionType
}

// ReceiveVolumePayload names the lot and amount for a RECEIVE_VOLUME action.
type ReceiveVolumePayload struct {
	LotID  string          `json:"lot_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (ReceiveVolumePayload) ActionType() ActionType { return ActionReceiveVolume }

// RemeasurePayload names the lot and corrected volume for a REMEASURE action.
type RemeasurePayload struct {
	LotID     string          `json:"lot_id"`
	NewVolume decimal.Decimal `json:"new_volume"`
}

func (RemeasurePayload) ActionType() ActionType { return ActionRemeasure }

// BlendPayload names the target lot and each source lot's contributed
// volume for a BLEND action.
type BlendPayload struct {
	TargetLotID   string                     `json:"target_lot_id"`
	SourceVolumes map[string]decimal.Decimal `json:"source_volumes"`
}

func (BlendPayload) ActionType() ActionType { return ActionBlend }

// BottlePayload names the lot and amount drawn off for a BOTTLE action.
type BottlePayload struct {
	LotID  string          `json:"lot_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (BottlePayload) ActionType() ActionType { return ActionBottle }

// EncodeActionPayload marshals a concrete ActionPayload for storage
// inside an ActionRecorded/ActionRevised event.
func EncodeActionPayload(p ActionPayload) (kind string, data []byte, err error) {
	data, err = json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return string(p.ActionType()), data, nil
}

// DecodeActionPayload is the inverse of EncodeActionPayload.
func DecodeActionPayload(kind string, data []byte) (ActionPayload, error) {
	var p ActionPayload
	switch ActionType(kind) {
	case ActionReceiveVolume:
		p = &ReceiveVolumePayload{}
	case ActionRemeasure:
		p = &RemeasurePayload{}
	case ActionBlend:
		p = &BlendPayload{}
	case ActionBottle:
		p = &BottlePayload{}
	default:
		return nil, &domain.ImproperlyConfiguredError{Detail: "no action payload model registered for action_type " + kind}
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Action is the aggregate spec.md §3 describes: a first-class record of
// user intent whose id is reused as the sequence_number on the
// downstream WineLot events it causes, which is how pkg/replay
// correlates events to the action that produced them.
type Action struct {
	domain.AggregateBase

	ActionType     ActionType
	EffectiveAt    time.Time
	InvolvedLotIDs []string
	RevisionNumber int
	Payload        ActionPayload
	DeletedAt      *time.Time
}

// NewAction starts a brand-new, persistable action.
func NewAction(id string) *Action {
	a := &Action{AggregateBase: domain.NewAggregateBase("action", id)}
	a.bind()
	return a
}

// NewActionIdentity returns the identity() seed for replay/rebuild.
func NewActionIdentity(id string, version int) *Action {
	a := &Action{AggregateBase: domain.NewIdentityBase("action", id, version)}
	a.bind()
	return a
}

// ActionIdentityFactory adapts NewActionIdentity to pkg/replay.IdentityFactory.
func ActionIdentityFactory(id string, version int) domain.Aggregate {
	return NewActionIdentity(id, version)
}

func (a *Action) bind() {
	a.RegisterKind("action.recorded", nil, func(p domain.EventPayload) error {
		e := p.(*ActionRecorded)
		payload, err := DecodeActionPayload(e.PayloadKind, e.PayloadData)
		if err != nil {
			return err
		}
		a.ActionType = e.ActionType
		a.EffectiveAt = e.EffectiveAt
		a.InvolvedLotIDs = e.InvolvedLotIDs
		a.RevisionNumber = e.RevisionNumber
		a.Payload = payload
		return nil
	})
	a.RegisterKind("action.revised", nil, func(p domain.EventPayload) error {
		e := p.(*ActionRevised)
		payload, err := DecodeActionPayload(e.PayloadKind, e.PayloadData)
		if err != nil {
			return err
		}
		a.EffectiveAt = e.EffectiveAt
		a.InvolvedLotIDs = e.InvolvedLotIDs
		a.RevisionNumber = e.RevisionNumber
		a.Payload = payload
		return nil
	})
	a.RegisterKind("action.deleted", nil, func(p domain.EventPayload) error {
		e := p.(*ActionDeleted)
		t := e.DeletedAt
		a.DeletedAt = &t
		return nil
	})
}

// Record emits the action's opening event. effectiveAt must already have
// passed the backdating policy check (pkg/wine's service layer enforces
// spec.md §6's "effective_at <= now - 2s" rule before calling this).
func (a *Action) Record(actionType ActionType, effectiveAt time.Time, involvedLotIDs []string, payload ActionPayload) error {
	kind, data, err := EncodeActionPayload(payload)
	if err != nil {
		return err
	}
	return a.Apply(&ActionRecorded{
		ActionType:     actionType,
		EffectiveAt:    effectiveAt,
		InvolvedLotIDs: involvedLotIDs,
		RevisionNumber: 0,
		PayloadKind:    kind,
		PayloadData:    data,
	})
}

// Revise emits a new revision of this action: its payload, effective_at,
// and/or involved lots have changed. revision_number increments by one.
func (a *Action) Revise(effectiveAt time.Time, involvedLotIDs []string, payload ActionPayload) error {
	kind, data, err := EncodeActionPayload(payload)
	if err != nil {
		return err
	}
	return a.Apply(&ActionRevised{
		EffectiveAt:    effectiveAt,
		InvolvedLotIDs: involvedLotIDs,
		RevisionNumber: a.RevisionNumber + 1,
		PayloadKind:    kind,
		PayloadData:    data,
	})
}

// Destroy soft-deletes the action, symmetric with WineLot.Delete and
// grounded on original_source's Action.destroy()/ActionDeleted: deleting
// an action never erases its history, only marks it retired.
func (a *Action) Destroy(deletedAt time.Time) error {
	if a.DeletedAt != nil {
		return domain.NewDomainValidationError("action %s has already been deleted", a.ID())
	}
	return a.Apply(&ActionDeleted{DeletedAt: deletedAt})
}
