package composition_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/composition"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type lotCreated struct {
	Variety     string `json:"variety"`
	Appellation string `json:"appellation"`
	Vintage     int    `json:"vintage"`
	Volume      string `json:"volume"`
}

func (lotCreated) Kind() string      { return "wine_lot.created" }
func (lotCreated) EventVersion() int { return 1 }

func (c *lotCreated) InitialComposition() composition.Composition {
	return composition.Composition{
		{Variety: c.Variety, Appellation: c.Appellation, Vintage: c.Vintage}: decimal.NewFromInt(1),
	}
}

func (c *lotCreated) InitialVolume() decimal.Decimal {
	v, _ := decimal.NewFromString(c.Volume)
	return v
}

type volumeBlended struct {
	Volumes map[string]string `json:"volumes"`
}

func (volumeBlended) Kind() string      { return "wine_lot.volume_blended" }
func (volumeBlended) EventVersion() int { return 1 }

func (b *volumeBlended) SourceVolumes() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(b.Volumes))
	for id, v := range b.Volumes {
		d, _ := decimal.NewFromString(v)
		out[id] = d
	}
	return out
}

func newRegistry() *domain.EventTypeRegistry {
	r := domain.NewEventTypeRegistry()
	r.Register("wine_lot.created", func() domain.EventPayload { return &lotCreated{} })
	r.Register("wine_lot.volume_blended", func() domain.EventPayload { return &volumeBlended{} })
	return r
}

type alwaysExists struct{}

func (alwaysExists) LotExists(context.Context, *sql.Tx, string) (bool, error) { return true, nil }

type missingOne struct{ missing string }

func (m missingOne) LotExists(_ context.Context, _ *sql.Tx, id string) (bool, error) {
	return id != m.missing, nil
}

func rawEvent(t *testing.T, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func pendingRow(t *testing.T, id, eventType string, occurredAt time.Time, payload interface{}) eventstore.PendingRow {
	return eventstore.PendingRow{
		AggregateID:  id,
		EventType:    eventType,
		EventVersion: 1,
		EventData:    rawEvent(t, payload),
		OccurredAt:   &occurredAt,
	}
}

func TestCalculateSimpleBlendComposition(t *testing.T) {
	store := eventstore.NewMemoryStore("wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := store.Append(context.Background(), nil, []eventstore.PendingRow{
		pendingRow(t, "src-a", "wine_lot.created", t0, &lotCreated{Variety: "Pinot Noir", Appellation: "Willamette", Vintage: 2024, Volume: "100"}),
		pendingRow(t, "src-b", "wine_lot.created", t0, &lotCreated{Variety: "Syrah", Appellation: "Rhone", Vintage: 2024, Volume: "50"}),
		pendingRow(t, "target", "wine_lot.created", t0, &lotCreated{Variety: "Blend", Appellation: "House", Vintage: 2024, Volume: "0"}),
		pendingRow(t, "target", "wine_lot.volume_blended", t1, &volumeBlended{Volumes: map[string]string{"src-a": "60", "src-b": "40"}}),
	})
	require.NoError(t, err)

	calc := composition.NewCalculator(store, newRegistry(), alwaysExists{})
	got, err := calc.Calculate(context.Background(), nil, "target", nil, nil)
	require.NoError(t, err)

	total := decimal.Zero
	for _, frac := range got {
		total = total.Add(frac)
	}
	require.True(t, total.Sub(decimal.NewFromInt(1)).Abs().LessThanOrEqual(decimal.NewFromFloat(0.0001)))

	pinot := got[composition.LotComponent{Variety: "Pinot Noir", Appellation: "Willamette", Vintage: 2024}]
	require.True(t, pinot.Equal(decimal.NewFromFloat(0.6)))
}

func TestCalculateRequiresEffectiveAtWhenActionIDProvided(t *testing.T) {
	store := eventstore.NewMemoryStore("wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	calc := composition.NewCalculator(store, newRegistry(), alwaysExists{})

	seq := "action-1"
	_, err := calc.Calculate(context.Background(), nil, "target", nil, &seq)
	require.Error(t, err)
	var domainErr *domain.DomainValidationError
	require.ErrorAs(t, err, &domainErr)
}

func TestCalculateMissingLotReturnsMissingEntity(t *testing.T) {
	store := eventstore.NewMemoryStore("wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	calc := composition.NewCalculator(store, newRegistry(), missingOne{missing: "ghost"})

	_, err := calc.Calculate(context.Background(), nil, "ghost", nil, nil)
	require.Error(t, err)
	var missingErr *domain.MissingEntityError
	require.ErrorAs(t, err, &missingErr)
}
