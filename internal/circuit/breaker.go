// Package circuit implements the per-symbol circuit breaker protecting the
// trading engine from repeatedly failing operations on one market.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"    // Normal operation
	StateOpen     BreakerState = "OPEN"      // Operations rejected
	StateHalfOpen BreakerState = "HALF_OPEN" // Probing recovery
)

// Config holds circuit breaker thresholds
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // failures before opening
	Timeout          time.Duration `json:"timeout"`           // open duration before half-open probe
	SuccessThreshold int           `json:"success_threshold"` // half-open successes before closing
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 3,
	}
}

// Breaker is one symbol's circuit breaker. All sessions trading a symbol
// share the same breaker through the Registry.
type Breaker struct {
	mu sync.Mutex

	symbol          string
	config          Config
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	onOpen func(symbol, reason string)

	// Injectable clock for tests
	now func() time.Time
}

// NewBreaker creates a closed breaker for a symbol
func NewBreaker(symbol string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	return &Breaker{
		symbol: symbol,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// SetClock overrides the time source (tests only)
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OnOpen sets the callback fired when the breaker opens
func (b *Breaker) OnOpen(fn func(symbol, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = fn
}

// Allow reports whether an operation may proceed. An OPEN breaker whose
// timeout has elapsed transitions to HALF_OPEN and allows the probe through.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true, ""
	case StateOpen:
		if b.now().Before(b.nextAttemptTime) {
			remaining := b.nextAttemptTime.Sub(b.now()).Round(time.Second)
			return false, fmt.Sprintf("circuit open for %s, retry in %v", b.symbol, remaining)
		}
		b.state = StateHalfOpen
		b.successCount = 0
		return true, ""
	default:
		return false, fmt.Sprintf("circuit in unknown state %s", b.state)
	}
}

// RecordFailure feeds a failed operation into the breaker. Reaching the
// failure threshold opens the circuit and arms the retry timer; a failure
// during HALF_OPEN reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.failureCount++
	b.lastFailureTime = b.now()

	var opened bool
	var reason string
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.open()
			opened = true
			reason = fmt.Sprintf("failure threshold reached: %d", b.failureCount)
		}
	case StateHalfOpen:
		b.open()
		opened = true
		reason = "failure during recovery probe"
	}

	callback := b.onOpen
	symbol := b.symbol
	b.mu.Unlock()

	if opened && callback != nil {
		callback(symbol, reason)
	}
}

// RecordSuccess feeds a successful operation into the breaker. In HALF_OPEN,
// success_threshold consecutive successes close the circuit; in CLOSED,
// successes decay the failure count toward zero.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// open transitions to OPEN. Caller holds the mutex.
func (b *Breaker) open() {
	b.state = StateOpen
	b.successCount = 0
	b.nextAttemptTime = b.now().Add(b.config.Timeout)
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"symbol":            b.symbol,
		"state":             string(b.state),
		"failure_count":     b.failureCount,
		"success_count":     b.successCount,
		"last_failure_time": b.lastFailureTime,
		"next_attempt_time": b.nextAttemptTime,
	}
}

// ForceReset manually closes the breaker and clears its counters
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.nextAttemptTime = time.Time{}
}

// Registry is the process-wide set of per-symbol breakers shared by all
// sessions.
type Registry struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry with one config for all symbols
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a symbol, creating it on first use
func (r *Registry) Get(symbol string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[symbol]; ok {
		return b
	}
	b = NewBreaker(symbol, r.config)
	r.breakers[symbol] = b
	return b
}

// Symbols returns the symbols with installed breakers
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.breakers))
	for s := range r.breakers {
		symbols = append(symbols, s)
	}
	return symbols
}
