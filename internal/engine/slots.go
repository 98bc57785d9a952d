package engine

import (
	"sync"
	"time"
)

// slotTable arbitrates the global concurrent-signal budget. Check and
// acquire are merged into one atomic operation; callers must never act on a
// snapshot.
type slotTable struct {
	mu      sync.Mutex
	max     int
	holders map[string]bool
}

func newSlotTable(max int) *slotTable {
	return &slotTable{max: max, holders: make(map[string]bool)}
}

// Acquire reserves a slot for the strategy. Rejects when the strategy
// already holds one or the global budget is exhausted.
func (t *slotTable) Acquire(strategyName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.holders[strategyName] {
		return false
	}
	if len(t.holders) >= t.max {
		return false
	}
	t.holders[strategyName] = true
	return true
}

// Release returns the strategy's slot. Safe to call when none is held.
func (t *slotTable) Release(strategyName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.holders, strategyName)
}

// Holds reports whether the strategy currently owns a slot
func (t *slotTable) Holds(strategyName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holders[strategyName]
}

// Status returns a point-in-time copy. The snapshot may be stale the moment
// the mutex is released; use Acquire for decisions.
func (t *slotTable) Status() (held int, max int, holders []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holders = make([]string, 0, len(t.holders))
	for name := range t.holders {
		holders = append(holders, name)
	}
	return len(t.holders), t.max, holders
}

// symbolLockTable grants one strategy exclusive claim on a symbol for the
// duration of a trade cycle.
type symbolLockTable struct {
	mu     sync.Mutex
	owners map[string]string
}

func newSymbolLockTable() *symbolLockTable {
	return &symbolLockTable{owners: make(map[string]string)}
}

// Acquire claims the symbol. Idempotent for the current owner, rejected for
// everyone else.
func (t *symbolLockTable) Acquire(symbol, strategyName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, held := t.owners[symbol]
	if held {
		return owner == strategyName
	}
	t.owners[symbol] = strategyName
	return true
}

// Release drops the claim if the strategy is the owner
func (t *symbolLockTable) Release(symbol, strategyName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.owners[symbol] == strategyName {
		delete(t.owners, symbol)
	}
}

// Owner returns the current claim on a symbol
func (t *symbolLockTable) Owner(symbol string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, held := t.owners[symbol]
	return owner, held
}

// rateLimiter is a sliding-window evaluation throttle. The timestamp buffer
// never grows past the window capacity.
type rateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window}
}

// Allow records the event if the window has room and reports the decision
func (rl *rateLimiter) Allow(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	keep := 0
	for _, ts := range rl.stamps {
		if ts.After(cutoff) {
			rl.stamps[keep] = ts
			keep++
		}
	}
	rl.stamps = rl.stamps[:keep]

	if len(rl.stamps) >= rl.max {
		return false
	}
	rl.stamps = append(rl.stamps, now)
	return true
}
