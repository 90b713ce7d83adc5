package uow

import "context"

// contextKey is unexported so no other package can collide with it, the
// same idiom pkg/multitenancy/context.go uses for tenant propagation.
type contextKey string

const uowKey contextKey = "winelog_unit_of_work"

// WithUnitOfWork returns a context carrying uw. Per spec.md §5/§9, the
// AggregateRepository is never a package-level global — it is always
// reached through the context a unit-of-work scope created.
func WithUnitOfWork(ctx context.Context, uw *UnitOfWork) context.Context {
	return context.WithValue(ctx, uowKey, uw)
}

// FromContext retrieves the unit of work bound to ctx, if any.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	uw, ok := ctx.Value(uowKey).(*UnitOfWork)
	return uw, ok
}

// MustFromContext retrieves the unit of work bound to ctx or panics. Domain
// methods call this: being invoked outside a unit-of-work scope is a
// programmer error, not a recoverable one.
func MustFromContext(ctx context.Context) *UnitOfWork {
	uw, ok := FromContext(ctx)
	if !ok {
		panic("winelog: no unit of work bound to context; wrap the call in uow.Run")
	}
	return uw
}
