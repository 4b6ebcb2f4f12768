package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
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

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// Breaker fails fast once a collaborator has failed FailureThreshold times in
// a row, and lets probes through again after OpenTimeout.
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             cfg.Name,
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		now:              time.Now,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *Breaker) currentLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.transitionLocked(HalfOpen)
		b.successes = 0
	}
	return b.state
}

// Do runs fn unless the breaker is open. Failures after the caller's context
// is done are not counted against the collaborator.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.currentLocked() == Open {
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.onSuccessLocked()
	case ctx.Err() != nil:
	default:
		b.onFailureLocked()
	}
	return err
}

func (b *Breaker) onFailureLocked() {
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.failureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionLocked(Closed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) openLocked() {
	b.transitionLocked(Open)
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	log.Warn().
		Str("component", "breaker").
		Str("breaker", b.name).
		Str("from", b.state.String()).
		Str("to", next.String()).
		Msg("circuit breaker state change")
	b.state = next
}
