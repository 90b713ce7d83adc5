package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := eventstore.NewMemoryStore("wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	ctx := context.Background()
	now := time.Now()

	stored, err := store.Append(ctx, nil, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "created", EventVersion: 1, EventData: []byte(`{"code":"R"}`), OccurredAt: &now},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotEmpty(t, stored[0].ID)

	got, err := store.Fetch(ctx, nil, []string{"lot-1"}, eventstore.FetchFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "created", got[0].EventType)

	require.NoError(t, store.Delete(ctx, nil, []string{stored[0].ID}))
	got, err = store.Fetch(ctx, nil, []string{"lot-1"}, eventstore.FetchFilter{})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMemoryStoreSequenceCollision(t *testing.T) {
	store := eventstore.NewMemoryStore("wine_lot", idgen.NewULIDGen(nil), clock.SystemClock{})
	ctx := context.Background()
	now := time.Now()
	seq := "action-1"

	_, err := store.Append(ctx, nil, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "bottled", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &now, SequenceNumber: &seq},
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, nil, []eventstore.PendingRow{
		{AggregateID: "lot-1", EventType: "bottled", EventVersion: 1, EventData: []byte(`{}`), OccurredAt: &now, SequenceNumber: &seq},
	})
	require.Error(t, err)
	require.ErrorAs(t, err, new(*eventstore.SequenceCollisionError))
}
