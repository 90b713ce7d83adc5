// Package idgen generates the 26-character lexicographically sortable
// identifiers used for aggregate and event-store row IDs.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IdGen generates sortable, monotonic-with-time identifiers.
type IdGen interface {
	NewID() string
}

// ULIDGen is the production IdGen. It serializes entropy access with a
// mutex so concurrent calls from the same process still yield monotonically
// increasing IDs for identical timestamps, per ulid.Monotonic's contract.
type ULIDGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	clockFn func() time.Time
}

// NewULIDGen creates a ULIDGen using the given time source (defaults to
// time.Now if nil).
func NewULIDGen(clockFn func() time.Time) *ULIDGen {
	if clockFn == nil {
		clockFn = time.Now
	}
	seed := rand.New(rand.NewSource(clockFn().UnixNano()))
	return &ULIDGen{
		entropy: ulid.Monotonic(seed, 0),
		clockFn: clockFn,
	}
}

// NewID returns a new 26-character ULID string.
func (g *ULIDGen) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.clockFn()), g.entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// MustGenerateSortableID returns a new sortable ID using the current time,
// for call sites that don't carry a generator (e.g. table-driven test
// fixtures).
func MustGenerateSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}
