package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/notify"
	"github.com/stretchr/testify/require"
)

func pendingEvent(eventType string) domain.PendingEvent {
	return domain.PendingEvent{
		AggregateType: "wine_lot",
		AggregateID:   "lot-1",
		EventType:     eventType,
		EventVersion:  1,
	}
}

func TestDispatchAllRunsSubscribersInRegistrationOrder(t *testing.T) {
	bus := notify.NewBus()
	var order []string

	bus.Subscribe("lot.created", func(_ context.Context, _ domain.PendingEvent) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe("lot.created", func(_ context.Context, _ domain.PendingEvent) error {
		order = append(order, "second")
		return nil
	})
	bus.SubscribeAll(func(_ context.Context, _ domain.PendingEvent) error {
		order = append(order, "wildcard")
		return nil
	})

	err := bus.DispatchAll(context.Background(), []domain.PendingEvent{pendingEvent("lot.created")})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "wildcard"}, order)
}

func TestDispatchAllAbortsRemainingOnSubscriberError(t *testing.T) {
	bus := notify.NewBus()
	var seen []string

	bus.Subscribe("lot.created", func(_ context.Context, _ domain.PendingEvent) error {
		seen = append(seen, "lot.created")
		return errors.New("boom")
	})
	bus.Subscribe("lot.renamed", func(_ context.Context, _ domain.PendingEvent) error {
		seen = append(seen, "lot.renamed")
		return nil
	})

	err := bus.DispatchAll(context.Background(), []domain.PendingEvent{
		pendingEvent("lot.created"),
		pendingEvent("lot.renamed"),
	})
	require.Error(t, err)
	require.Equal(t, []string{"lot.created"}, seen)
}

func TestDispatchAllWithNoSubscribersIsNoop(t *testing.T) {
	bus := notify.NewBus()
	err := bus.DispatchAll(context.Background(), []domain.PendingEvent{pendingEvent("lot.created")})
	require.NoError(t, err)
}
