package wamp

import (
	"math/rand"
	"sync"
	"time"
)

// WAMP global-scope IDs are integers drawn randomly from a uniform
// distribution over [0, 2^53] (inclusive).
const (
	MinID int64 = 0
	MaxID int64 = 1 << 53
)

// IDAllocator hands out global-scope identifiers that are unique among all
// IDs currently in use. Collisions are astronomically rare at 2^53 but are
// still handled by drawing again.
//
// The allocator never shrinks its in-use set on its own; owners release IDs
// when the session, subscription or publication they identify dies.
type IDAllocator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	inUse map[int64]struct{}
}

// NewIDAllocator creates an allocator backed by the given source. Pass a
// seeded source in tests for deterministic draws; pass nil for a
// time-seeded one.
func NewIDAllocator(src rand.Source) *IDAllocator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &IDAllocator{
		rng:   rand.New(src),
		inUse: make(map[int64]struct{}),
	}
}

// Allocate returns an ID not currently in use and records it as in use.
func (a *IDAllocator) Allocate() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		// Int63n is exclusive of its bound, the WAMP ID range is inclusive.
		id := a.rng.Int63n(MaxID + 1)
		if _, taken := a.inUse[id]; taken {
			continue
		}
		a.inUse[id] = struct{}{}
		return id
	}
}

// Release removes an ID from the in-use set. Releasing an unknown ID is a
// no-op.
func (a *IDAllocator) Release(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
}

// InUse reports whether the ID is currently allocated.
func (a *IDAllocator) InUse(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inUse[id]
	return ok
}

// Count returns the number of live IDs.
func (a *IDAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
