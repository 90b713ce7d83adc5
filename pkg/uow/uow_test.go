package uow_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/cellarstack/winelog/pkg/uow"
	"github.com/stretchr/testify/require"
)

// fakeCreated is a minimal EventPayload used only by this package's tests.
type fakeCreated struct {
	Label string `json:"label"`
}

func (fakeCreated) Kind() string      { return "fake_created" }
func (fakeCreated) EventVersion() int { return 1 }

// fakeAggregate is the smallest possible domain.Aggregate implementation,
// backed by an in-memory table instead of real SQL, so these tests
// exercise UnitOfWork's bookkeeping without needing a domain package.
type fakeAggregate struct {
	domain.AggregateBase
	label   string
	inserts *[]string // shared across instances loaded from the same "table"
}

func newFakeAggregate(id string, inserts *[]string) *fakeAggregate {
	a := &fakeAggregate{AggregateBase: domain.NewAggregateBase("fake", id), inserts: inserts}
	a.RegisterKind("fake_created", nil, func(p domain.EventPayload) error {
		a.label = p.(*fakeCreated).Label
		return nil
	})
	return a
}

func (a *fakeAggregate) InsertRow(_ context.Context, _ *sql.Tx) error {
	*a.inserts = append(*a.inserts, a.ID())
	return nil
}

func (a *fakeAggregate) UpdateRow(_ context.Context, _ *sql.Tx, _ int) (int64, error) {
	return 1, nil
}

func (a *fakeAggregate) Persist(ctx context.Context, tx *sql.Tx) error {
	return domain.Persist(ctx, &a.AggregateBase, tx, a)
}

func newTestDB(t *testing.T) (*sql.DB, map[string]eventstore.EventStore) {
	t.Helper()
	db, err := eventstore.OpenDB(eventstore.WithMemoryDatabase(), eventstore.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := eventstore.NewMemoryStore("fake", idgen.NewULIDGen(nil), clock.SystemClock{})
	return db, map[string]eventstore.EventStore{"fake": store}
}

func TestRunPersistsAndDispatchesOnSuccess(t *testing.T) {
	db, stores := newTestDB(t)
	var inserted []string
	var dispatched []domain.PendingEvent

	bus := notifierFunc(func(_ context.Context, events []domain.PendingEvent) error {
		dispatched = append(dispatched, events...)
		return nil
	})

	err := uow.Run(context.Background(), db, stores, bus, func(ctx context.Context) error {
		agg := newFakeAggregate("lot-1", &inserted)
		if err := agg.Apply(&fakeCreated{Label: "hello"}); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(agg)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"lot-1"}, inserted)
	require.Len(t, dispatched, 1)

	store := stores["fake"].(*eventstore.MemoryStore)
	got, err := store.Fetch(context.Background(), nil, []string{"lot-1"}, eventstore.FetchFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRunRollsBackAndNeverDispatchesOnError(t *testing.T) {
	db, stores := newTestDB(t)
	var inserted []string
	dispatchCalled := false

	bus := notifierFunc(func(_ context.Context, _ []domain.PendingEvent) error {
		dispatchCalled = true
		return nil
	})

	err := uow.Run(context.Background(), db, stores, bus, func(ctx context.Context) error {
		agg := newFakeAggregate("lot-2", &inserted)
		require.NoError(t, agg.Apply(&fakeCreated{Label: "oops"}))
		uow.MustFromContext(ctx).Add(agg)
		return domain.NewDomainValidationError("boom")
	})
	require.Error(t, err)
	require.False(t, dispatchCalled)

	store := stores["fake"].(*eventstore.MemoryStore)
	got, fetchErr := store.Fetch(context.Background(), nil, []string{"lot-2"}, eventstore.FetchFilter{})
	require.NoError(t, fetchErr)
	require.Empty(t, got)
}

func TestRunAssignsCorrelationIDAndChainsCausationOnNestedRun(t *testing.T) {
	db, stores := newTestDB(t)
	var outer, inner []domain.PendingEvent

	bus := notifierFunc(func(ctx context.Context, events []domain.PendingEvent) error {
		outer = append(outer, events...)
		// simulate a notification handler that performs a follow-on write
		// in its own unit of work, inheriting the dispatching correlation.
		return uow.Run(ctx, db, stores, notifierFunc(func(_ context.Context, innerEvents []domain.PendingEvent) error {
			inner = append(inner, innerEvents...)
			return nil
		}), func(ctx context.Context) error {
			agg := newFakeAggregate("lot-4", &[]string{})
			if err := agg.Apply(&fakeCreated{Label: "follow-on"}); err != nil {
				return err
			}
			uow.MustFromContext(ctx).Add(agg)
			return nil
		})
	})

	err := uow.Run(context.Background(), db, stores, bus, func(ctx context.Context) error {
		agg := newFakeAggregate("lot-3", &[]string{})
		if err := agg.Apply(&fakeCreated{Label: "root"}); err != nil {
			return err
		}
		uow.MustFromContext(ctx).Add(agg)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, outer, 1)
	require.Len(t, inner, 1)

	require.NotEmpty(t, outer[0].Metadata.CorrelationID)
	require.Equal(t, outer[0].Metadata.CorrelationID, outer[0].Metadata.CausationID)
	require.Equal(t, outer[0].Metadata.CorrelationID, inner[0].Metadata.CorrelationID)
	require.Equal(t, outer[0].Metadata.CorrelationID, inner[0].Metadata.CausationID)
}

type notifierFunc func(ctx context.Context, events []domain.PendingEvent) error

func (f notifierFunc) DispatchAll(ctx context.Context, events []domain.PendingEvent) error {
	return f(ctx, events)
}
