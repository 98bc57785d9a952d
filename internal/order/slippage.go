package order

import (
	"math/rand"
	"sync"
)

// SlippageSimulator draws execution slippage for market orders. The random
// source is injected so tests can seed it deterministically; a process-global
// RNG is deliberately not used.
type SlippageSimulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSlippageSimulator creates a simulator from a seed
func NewSlippageSimulator(seed int64) *SlippageSimulator {
	return &SlippageSimulator{rng: rand.New(rand.NewSource(seed))}
}

// Simulate draws slippage uniformly from [0, maxSlippagePct) and applies it
// directionally: opening against the taker (BUY/SHORT pay up), closing
// against the taker (SELL/COVER receive less). A zero cap always returns the
// requested price unchanged. A zero price passes through with the drawn
// slippage attached.
func (s *SlippageSimulator) Simulate(price float64, side Side, maxSlippagePct float64) (actual float64, slippagePct float64) {
	if maxSlippagePct <= 0 {
		return price, 0
	}

	s.mu.Lock()
	slippagePct = s.rng.Float64() * maxSlippagePct
	s.mu.Unlock()

	switch side {
	case SideBuy, SideShort:
		actual = price * (1 + slippagePct/100)
	case SideSell, SideCover:
		actual = price * (1 - slippagePct/100)
	default:
		actual = price
	}
	return actual, slippagePct
}
