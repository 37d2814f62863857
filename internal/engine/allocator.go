package engine

import "sync"

// Allocator hands out unused numeric identifiers for one identifier class
// (UID, GID, or SID relative identifier). It is the single owner of the
// used-set for its class within a run; every returned value is registered
// before the call returns, so sequential calls never collide.
type Allocator struct {
	mu      sync.Mutex
	used    map[int]bool
	floor   int
	highest int
}

// NewAllocator builds an allocator over the identifiers already in use.
// floor is the lowest identifier the allocator may ever return.
func NewAllocator(floor int, used []int) *Allocator {
	a := &Allocator{
		used:    make(map[int]bool, len(used)),
		floor:   floor,
		highest: floor - 1,
	}
	for _, id := range used {
		a.used[id] = true
		if id > a.highest {
			a.highest = id
		}
	}
	return a
}

// Next returns the lowest unused identifier at or above the floor, filling
// gaps left by deleted entries, and registers it as used.
func (a *Allocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.floor
	for a.used[candidate] {
		candidate++
	}
	a.registerLocked(candidate)
	return candidate
}

// NextSequential returns the identifier one above the highest seen,
// ignoring gaps, and registers it as used. Security identifier suffixes are
// allocated this way so a deleted account's SID is never reissued.
func (a *Allocator) NextSequential() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.highest + 1
	a.registerLocked(candidate)
	return candidate
}

// Register marks an identifier as used without allocating it, for values
// discovered after construction.
func (a *Allocator) Register(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registerLocked(id)
}

func (a *Allocator) registerLocked(id int) {
	a.used[id] = true
	if id > a.highest {
		a.highest = id
	}
}
