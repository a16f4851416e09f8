package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting requests.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker (default 5).
	FailureThreshold int
	// RecoverySuccesses is the number of half-open successes that close it
	// (default 2).
	RecoverySuccesses int
	// OpenFor is how long the breaker stays open before probing (default 30s).
	OpenFor       time.Duration
	OnStateChange func(from, to State)
}

// Breaker guards an endpoint: after FailureThreshold consecutive failures it
// rejects requests for OpenFor, then lets probes through until
// RecoverySuccesses close it again.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	cfg       Config
	nowFn     func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoverySuccesses <= 0 {
		cfg.RecoverySuccesses = 2
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	return &Breaker{state: StateClosed, cfg: cfg, nowFn: time.Now}
}

// Allow reports whether a request may proceed, transitioning open breakers
// to half-open once OpenFor has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.nowFn().Sub(b.openedAt) <= b.cfg.OpenFor {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.RecoverySuccesses {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. A half-open failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.successes = 0
	switch {
	case b.state == StateHalfOpen:
		b.openedAt = b.nowFn()
		b.transition(StateOpen)
	case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
		b.openedAt = b.nowFn()
		b.transition(StateOpen)
	}
}

// CurrentState returns the breaker state without side effects.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
