// Package breaker implements the circuit breaker that isolates a failing
// external dependency from the stages that call it.
//
// A Breaker moves between three states:
//
//	Closed   --threshold consecutive failures-->  Open
//	Open     --recovery timeout elapsed------->  HalfOpen
//	HalfOpen --trial succeeds----------------->  Closed
//	HalfOpen --trial fails-------------------->  Open
//
// While Open every call is rejected with a *CircuitOpenError without being
// attempted. While HalfOpen exactly one trial call is admitted, regardless
// of how many callers race for it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the position of a breaker in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultThreshold       = 5
	DefaultRecoveryTimeout = 30 * time.Second
)

// Settings configures a Breaker. Zero values fall back to the defaults.
type Settings struct {
	Threshold       int
	RecoveryTimeout time.Duration

	// Now is the clock. Tests substitute a fake one.
	Now func() time.Time

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// CircuitOpenError is returned when a call is rejected without an attempt.
type CircuitOpenError struct {
	Dependency string
	State      State
	RetryAt    time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit for '%s' is half-open and its trial call is in flight", e.Dependency)
	}
	return fmt.Sprintf("circuit for '%s' is open until %s", e.Dependency, e.RetryAt.Format(time.RFC3339Nano))
}

// Done reports the outcome of an admitted call. A nil error is a success,
// a context.Canceled error is neither success nor failure.
type Done func(err error)

// Breaker guards one named dependency. All state lives behind a single mutex.
type Breaker struct {
	name     string
	settings Settings

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    int
	openedAt    time.Time
	lastFailure time.Time
	trial       bool
}

// New creates a closed breaker for the named dependency.
func New(name string, settings Settings) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = DefaultThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{name: name, settings: settings}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Allow admits a call or rejects it with a *CircuitOpenError. The caller must
// invoke the returned Done exactly once with the call's result.
func (b *Breaker) Allow() (Done, error) {
	b.mu.Lock()
	changed := b.advanceLocked(b.settings.Now())

	switch b.state {
	case Open:
		err := &CircuitOpenError{Dependency: b.name, State: Open, RetryAt: b.openedAt.Add(b.settings.RecoveryTimeout)}
		b.mu.Unlock()
		b.notify(changed)
		return nil, err
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			b.notify(changed)
			return nil, &CircuitOpenError{Dependency: b.name, State: HalfOpen}
		}
		b.trial = true
	}

	gen := b.generation
	b.mu.Unlock()
	b.notify(changed)

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, err) })
	}, nil
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// State returns the current state, taking elapsed recovery time into account.
func (b *Breaker) State() State {
	b.mu.Lock()
	changed := b.advanceLocked(b.settings.Now())
	state := b.state
	b.mu.Unlock()
	b.notify(changed)
	return state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

type transition struct {
	from, to State
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	// Results from calls admitted before the last transition say nothing
	// about the current state.
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	now := b.settings.Now()
	ignored := err != nil && errors.Is(err, context.Canceled)
	var changed []transition

	switch b.state {
	case Closed:
		switch {
		case ignored:
		case err == nil:
			b.failures = 0
		default:
			b.failures++
			b.lastFailure = now
			if b.failures >= b.settings.Threshold {
				changed = append(changed, b.setStateLocked(Open, now))
			}
		}
	case HalfOpen:
		b.trial = false
		switch {
		case ignored:
		case err == nil:
			changed = append(changed, b.setStateLocked(Closed, now))
		default:
			b.failures++
			b.lastFailure = now
			changed = append(changed, b.setStateLocked(Open, now))
		}
	}
	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) advanceLocked(now time.Time) []transition {
	if b.state == Open && now.Sub(b.openedAt) >= b.settings.RecoveryTimeout {
		return []transition{b.setStateLocked(HalfOpen, now)}
	}
	return nil
}

func (b *Breaker) setStateLocked(to State, now time.Time) transition {
	from := b.state
	b.state = to
	b.generation++
	b.trial = false
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.failures = 0
	}
	return transition{from: from, to: to}
}

func (b *Breaker) notify(changed []transition) {
	if b.settings.OnStateChange == nil {
		return
	}
	for _, t := range changed {
		b.settings.OnStateChange(b.name, t.from, t.to)
	}
}
