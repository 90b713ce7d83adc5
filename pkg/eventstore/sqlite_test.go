package eventstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*sql.DB, *eventstore.SQLiteStore) {
	t.Helper()
	db, err := eventstore.OpenDB(eventstore.WithMemoryDatabase(), eventstore.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := eventstore.NewSQLiteStore(db, "wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	require.NoError(t, err)
	return db, store
}

func TestSQLiteStoreAppendAndFetchPreservesCanonicalOrder(t *testing.T) {
	db, store := newTestStore(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seqA, seqB := "action-a", "action-b"
	rows := []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "created", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &base},
		{AggregateID: "lot-1", EventType: "volume_received", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &base, SequenceNumber: &seqB},
		{AggregateID: "lot-1", EventType: "volume_received", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &base, SequenceNumber: &seqA},
	}
	_, err = store.Append(ctx, tx, rows)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := store.Fetch(ctx, nil, []string{"lot-1"}, eventstore.FetchFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// NULL sequence_number sorts first, then ascending by sequence_number.
	require.Nil(t, got[0].SequenceNumber)
	require.Equal(t, seqA, *got[1].SequenceNumber)
	require.Equal(t, seqB, *got[2].SequenceNumber)
}

func TestSQLiteStoreSequenceCollision(t *testing.T) {
	db, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	seq := "action-x"

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = store.Append(ctx, tx, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "bottled", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &now, SequenceNumber: &seq},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin()
	require.NoError(t, err)
	_, err = store.Append(ctx, tx2, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "bottled", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &now, SequenceNumber: &seq},
	})
	require.Error(t, err)
	require.ErrorAs(t, err, new(*eventstore.SequenceCollisionError))
	tx2.Rollback()
}

func TestSQLiteStoreDelete(t *testing.T) {
	db, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := db.Begin()
	require.NoError(t, err)
	stored, err := store.Append(ctx, tx, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "created", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &now},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, tx2, []string{stored[0].ID}))
	require.NoError(t, tx2.Commit())

	got, err := store.Fetch(ctx, nil, []string{"lot-1"}, eventstore.FetchFilter{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStoredEventLessOrdersNullsFirst(t *testing.T) {
	seq := "a"
	a := domain.StoredEvent{ID: "1"}
	b := domain.StoredEvent{ID: "2", SequenceNumber: &seq}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}
