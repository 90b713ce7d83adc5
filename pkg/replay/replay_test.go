package replay_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/cellarstack/winelog/pkg/replay"
	"github.com/stretchr/testify/require"
)

// counterIncremented is the only event kind counterAggregate understands.
type counterIncremented struct {
	Amount int `json:"amount"`
}

func (counterIncremented) Kind() string      { return "counter_incremented" }
func (counterIncremented) EventVersion() int { return 1 }

// counterAggregate is the smallest Aggregate+Loadable+RowPersister fixture
// this package's tests need: its Value is the running sum of every
// counter_incremented event applied or loaded.
type counterAggregate struct {
	domain.AggregateBase
	Value int
}

func newCounter(id string, version int) *counterAggregate {
	c := &counterAggregate{AggregateBase: domain.NewIdentityBase("counter", id, version)}
	c.bind()
	return c
}

func newCounterNew(id string) *counterAggregate {
	c := &counterAggregate{AggregateBase: domain.NewAggregateBase("counter", id)}
	c.bind()
	return c
}

func (c *counterAggregate) bind() {
	c.RegisterKind("counter_incremented", nil, func(p domain.EventPayload) error {
		c.Value += p.(*counterIncremented).Amount
		return nil
	})
}

func (c *counterAggregate) InsertRow(context.Context, *sql.Tx) error { return nil }
func (c *counterAggregate) UpdateRow(context.Context, *sql.Tx, int) (int64, error) {
	return 1, nil
}
func (c *counterAggregate) Persist(ctx context.Context, tx *sql.Tx) error {
	return domain.Persist(ctx, &c.AggregateBase, tx, c)
}

func identityFactory(id string, version int) domain.Aggregate {
	return newCounter(id, version)
}

func registry() *domain.EventTypeRegistry {
	r := domain.NewEventTypeRegistry()
	r.Register("counter_incremented", func() domain.EventPayload { return &counterIncremented{} })
	return r
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func seedStore(t *testing.T, store eventstore.EventStore, id string, rows []eventstore.PendingRow) {
	t.Helper()
	_, err := store.Append(context.Background(), nil, rows)
	require.NoError(t, err)
}

func pendingRow(id, seq string, occurredAt time.Time, amount int) eventstore.PendingRow {
	var seqPtr *string
	if seq != "" {
		seqPtr = &seq
	}
	return eventstore.PendingRow{
		AggregateID:    id,
		EventType:      "counter_incremented",
		EventVersion:   1,
		EventData:      []byte(`{"amount":` + itoa(amount) + `}`),
		OccurredAt:     &occurredAt,
		SequenceNumber: seqPtr,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestLoadEditableAtTimeFoldsWindowAndMarksBackdatingWhenEmpty(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")
	t1 := mustTime(t, "2026-01-02T00:00:00Z")
	t2 := mustTime(t, "2026-01-03T00:00:00Z")

	seedStore(t, store, "c1", []eventstore.PendingRow{
		pendingRow("c1", "", t0, 5),
		pendingRow("c1", "", t2, 100),
	})

	r := replay.NewReplayer(store, registry(), identityFactory)

	existing := newCounter("c1", 1)
	results, err := r.LoadEditableAtTime(context.Background(), nil, []domain.Aggregate{existing}, t1)
	require.NoError(t, err)

	got := results["c1"].(*counterAggregate)
	require.Equal(t, 5, got.Value)
	require.False(t, got.IsBackdating())

	// A cutoff earlier than every stored event must seed from the earliest
	// event after it and flag backdating.
	tEarly := mustTime(t, "2025-01-01T00:00:00Z")
	existing2 := newCounter("c1", 1)
	results2, err := r.LoadEditableAtTime(context.Background(), nil, []domain.Aggregate{existing2}, tEarly)
	require.NoError(t, err)
	got2 := results2["c1"].(*counterAggregate)
	require.Equal(t, 5, got2.Value)
	require.True(t, got2.IsBackdating())
}

func TestLoadEditableAtTimeAndPointSurfacesRetractedEvent(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")

	seq := "action-2"
	rows, err := store.Append(context.Background(), nil, []eventstore.PendingRow{
		pendingRow("c1", "action-1", t0, 5),
		pendingRow("c1", seq, t0, 7),
		pendingRow("c1", "action-3", t0, 2),
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	r := replay.NewReplayer(store, registry(), identityFactory)
	existing := newCounter("c1", 1)
	results, retracted, err := r.LoadEditableAtTimeAndPoint(context.Background(), nil, []domain.Aggregate{existing}, t0, seq)
	require.NoError(t, err)

	got := results["c1"].(*counterAggregate)
	require.Equal(t, 12, got.Value) // action-1 (5) + action-2 (7), action-3 excluded

	ret, ok := retracted["c1"]
	require.True(t, ok)
	require.Equal(t, rows[1].ID, ret.ID)
}

func TestLoadStatesBeforeMarksNonPersistableView(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")
	t1 := mustTime(t, "2026-01-02T00:00:00Z")

	seedStore(t, store, "c1", []eventstore.PendingRow{
		pendingRow("c1", "", t0, 5),
		pendingRow("c1", "", t1, 9),
	})

	r := replay.NewReplayer(store, registry(), identityFactory)
	results, err := r.LoadStatesBefore(context.Background(), nil, []string{"c1"}, t1, nil)
	require.NoError(t, err)

	got := results["c1"].(*counterAggregate)
	require.Equal(t, 5, got.Value)
	require.False(t, got.IsPersistable())

	err = got.Persist(context.Background(), nil)
	require.Error(t, err)
	var viewErr *domain.CannotPersistViewError
	require.ErrorAs(t, err, &viewErr)
}

func TestReapplyDownstreamFoldsOnlyEventsAfterCutoff(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")
	t1 := mustTime(t, "2026-01-02T00:00:00Z")

	rows, err := store.Append(context.Background(), nil, []eventstore.PendingRow{
		pendingRow("c1", "action-1", t0, 5),
		pendingRow("c1", "action-2", t1, 9),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	r := replay.NewReplayer(store, registry(), identityFactory)

	agg := newCounter("c1", 1)
	require.NoError(t, agg.Load(&counterIncremented{Amount: 5}))
	require.NoError(t, r.ReapplyDownstream(context.Background(), nil, agg, t0, "action-1"))
	require.Equal(t, 14, agg.Value)
}

// fakeLister implements replay.IDLister over an in-memory id/version table,
// ordered ascending, ignoring tx (mirroring MemoryStore's tx-agnosticism).
type fakeLister struct {
	pages []replay.IDPage
}

func (f *fakeLister) ListIDsAfter(_ context.Context, _ *sql.Tx, after string, limit int) ([]replay.IDPage, error) {
	var out []replay.IDPage
	for _, p := range f.pages {
		if p.ID > after {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestRebuildAggregatesPaginatesAndPersistsEachChunk(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")
	for _, id := range []string{"c1", "c2", "c3"} {
		seedStore(t, store, id, []eventstore.PendingRow{pendingRow(id, "", t0, 1)})
	}

	db, err := eventstore.OpenDB(eventstore.WithMemoryDatabase(), eventstore.WithWALMode(false))
	require.NoError(t, err)
	defer db.Close()

	lister := &fakeLister{pages: []replay.IDPage{
		{ID: "c1", Version: 1},
		{ID: "c2", Version: 1},
		{ID: "c3", Version: 1},
	}}

	r := replay.NewReplayer(store, registry(), identityFactory)

	var chunks [][]string
	err = r.RebuildAggregates(context.Background(), db, lister, 2, nil, func(ids []string) {
		chunks = append(chunks, ids)
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, []string{"c1", "c2"}, chunks[0])
	require.Equal(t, []string{"c3"}, chunks[1])
}

func TestRebuildAggregatesWithIDFilter(t *testing.T) {
	store := eventstore.NewMemoryStore("counter", idgen.NewULIDGen(nil), clock.SystemClock{})
	t0 := mustTime(t, "2026-01-01T00:00:00Z")
	seedStore(t, store, "c1", []eventstore.PendingRow{pendingRow("c1", "", t0, 3)})

	db, err := eventstore.OpenDB(eventstore.WithMemoryDatabase(), eventstore.WithWALMode(false))
	require.NoError(t, err)
	defer db.Close()

	lister := &fakeLister{pages: []replay.IDPage{{ID: "c1", Version: 1}}}
	r := replay.NewReplayer(store, registry(), identityFactory)

	id := "c1"
	var seen []string
	err = r.RebuildAggregates(context.Background(), db, lister, 1000, &id, func(ids []string) {
		seen = append(seen, ids...)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, seen)

	missing := "no-such-id"
	err = r.RebuildAggregates(context.Background(), db, lister, 1000, &missing, nil)
	require.Error(t, err)
	var missingErr *domain.MissingEntityError
	require.ErrorAs(t, err, &missingErr)
}
