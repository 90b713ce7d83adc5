// Package notify implements spec.md §4.5's NotificationBus: a subscriber
// registry keyed by fully-qualified event kind, dispatched synchronously
// and in registration order after a unit of work commits.
//
// Grounded on akeemphilbert-pericarp's pkg/eventsourcing/domain/dispatcher.go
// (Subscribe[T]/registry shape), but deliberately not its parallel errgroup
// dispatch: spec.md §4.5 requires sequential, in-order invocation, and an
// uncaught subscriber error must abort remaining dispatches rather than
// being collected alongside others.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellarstack/winelog/pkg/domain"
)

// Handler processes one dispatched event. Implementations must be
// stateless with respect to the bus — a handler is invoked once per
// dispatch, never retained between calls.
type Handler func(ctx context.Context, event domain.PendingEvent) error

// Bus is the process-wide NotificationBus. Despite being process-wide
// (spec.md §4.5 calls it a "process-wide singleton"), it holds no
// unit-of-work state of its own — it is wired into pkg/uow.Run via the
// narrow Notifier interface, so nothing about dispatch timing depends on
// global state beyond the subscriber table itself.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	wildcards []Handler
}

// NewBus returns an empty, ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers handler for eventType (the fully-qualified event
// kind string, e.g. "wine_lot.volume_received"). Multiple handlers for
// the same kind are invoked in the order they were subscribed.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers handler to be invoked for every dispatched
// event, regardless of kind, after that kind's own subscribers have run.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcards = append(b.wildcards, handler)
}

// Dispatch invokes every subscriber registered for event.EventType, then
// every wildcard subscriber, synchronously and in registration order. The
// first handler error aborts the remaining handlers for this event.
func (b *Bus) Dispatch(ctx context.Context, event domain.PendingEvent) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.EventType]...)
	handlers = append(handlers, b.wildcards...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("notify: subscriber for %q failed: %w", event.EventType, err)
		}
	}
	return nil
}

// DispatchAll dispatches each event in list order. An uncaught subscriber
// error aborts remaining dispatches (spec.md §7's NotImplementedForKind
// row aside, this is the only place the core deliberately stops partway
// through a batch instead of rolling back — the enclosing transaction has
// already committed by the time DispatchAll runs). Satisfies
// pkg/uow.Notifier.
func (b *Bus) DispatchAll(ctx context.Context, events []domain.PendingEvent) error {
	for _, event := range events {
		if err := b.Dispatch(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
