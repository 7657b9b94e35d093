// Package circuit provides a failure-windowed circuit breaker for gating
// calls to unhealthy workers.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if target recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior. Failures are counted inside a
// sliding window rather than cumulatively, so transient blips age out
// without a manual reset.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Windowed failures before opening
	FailureWindow    time.Duration `json:"failure_window"`    // Sliding window for counting failures
	HalfOpenTimeout  time.Duration `json:"half_open_timeout"` // Time in open before allowing a trial
}

// DefaultConfig provides reasonable defaults for worker health gating.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	FailureWindow:    10 * time.Minute,
	HalfOpenTimeout:  5 * time.Minute,
}

// Error is returned by callers that convert a rejected request into an error.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Metrics is a point-in-time snapshot of breaker state.
type Metrics struct {
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"` // window-filtered
	SuccessCount  int        `json:"success_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// Breaker is a per-target failure gate.
//
// State is only ever advanced on an Allow/GetState/GetMetrics call: the
// open -> half-open transition is computed lazily from lastFailureAt, not
// by a background timer. Half-open admits every caller rather than a
// single trial; callers needing single-flight trial semantics must add
// their own gating.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config       Config
	mu           sync.Mutex
	state        State
	failures     []time.Time // timestamps inside the window, oldest first
	successCount int
	lastFailure  time.Time
	now          func() time.Time // injectable clock for tests
}

// New creates a circuit breaker. Zero-valued config fields fall back to
// DefaultConfig.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = DefaultConfig.FailureWindow
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = DefaultConfig.HalfOpenTimeout
	}
	return &Breaker{
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// Allow reports whether a request should proceed. Open circuits transition
// to half-open here once HalfOpenTimeout has elapsed since the last failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance() {
	case Closed, HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call. In closed state it only bumps the
// success counter (failures age out of the window on their own). In
// half-open it closes the circuit and clears failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance() {
	case HalfOpen:
		b.state = Closed
		b.failures = nil
		b.successCount = 0
		b.lastFailure = time.Time{}
	default:
		b.successCount++
	}
}

// RecordFailure notes a failed call. A failure while half-open re-opens the
// circuit immediately; in closed state the circuit opens once the windowed
// count reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.advance()
	now := b.now()
	b.failures = append(b.failures, now)
	b.lastFailure = now
	b.pruneWindow(now)

	switch state {
	case Closed:
		if len(b.failures) >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// GetState returns the current state, advancing open -> half-open if due.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance()
}

// GetMetrics returns a snapshot of the breaker.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.advance()
	b.pruneWindow(b.now())

	m := Metrics{
		State:        state,
		FailureCount: len(b.failures),
		SuccessCount: b.successCount,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		m.LastFailureAt = &t
	}
	return m
}

// Reset manually returns the breaker to closed with no history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = nil
	b.successCount = 0
	b.lastFailure = time.Time{}
}

// advance applies the lazy open -> half-open transition. Callers must hold mu.
func (b *Breaker) advance() State {
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.config.HalfOpenTimeout {
		b.state = HalfOpen
	}
	return b.state
}

// pruneWindow drops failure timestamps older than the window. Callers must hold mu.
func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.config.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append([]time.Time(nil), b.failures[i:]...)
	}
}
