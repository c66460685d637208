// Package guard groups the protections shared by every stage that calls the
// same external dependency: a circuit breaker, an optional rate limiter and an
// optional connection pool, all keyed by the dependency's name.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/specialistvlad/stagegrid/internal/breaker"
	"github.com/specialistvlad/stagegrid/internal/connpool"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/ratelimit"
)

// errNotAttempted releases a breaker admission when the call never reached
// the dependency. The breaker treats cancellation as neither success nor
// failure.
var errNotAttempted = fmt.Errorf("call not attempted: %w", context.Canceled)

// errPanicked is reported to the breaker when call panics.
var errPanicked = errors.New("call panicked")

// PoolSettings configures a dependency's connection pool.
type PoolSettings struct {
	Connector connpool.Connector
	connpool.Settings
}

// Settings declares the protections of one dependency. A nil RateLimit or
// Pool disables that protection; the breaker is always present.
type Settings struct {
	Breaker   breaker.Settings
	RateLimit *ratelimit.Settings
	Pool      *PoolSettings
}

// Guard is the set of protections for one dependency.
type Guard struct {
	Name    string
	Breaker *breaker.Breaker
	Limiter *ratelimit.Limiter
	Pool    *connpool.Pool
}

// Do runs call through the breaker, the limiter and the pool, in that order.
// call receives the pooled connection (nil without a pool) and returns
// discard=true when the connection must not be reused. A nil Guard runs call
// directly. A panic in call counts as a breaker failure and discards the
// connection before it propagates.
func (g *Guard) Do(ctx context.Context, call func(ctx context.Context, conn any) (discard bool, err error)) (err error) {
	if g == nil {
		_, err := call(ctx, nil)
		return err
	}

	done, err := g.Breaker.Allow()
	if err != nil {
		return err
	}

	if g.Limiter != nil {
		if err := g.Limiter.Acquire(ctx); err != nil {
			done(errNotAttempted)
			return err
		}
	}

	var conn *connpool.Conn
	var value any
	if g.Pool != nil {
		conn, err = g.Pool.Acquire(ctx)
		if err != nil {
			done(errNotAttempted)
			return err
		}
		value = conn.Value()
	}

	var discard bool
	returned := false
	defer func() {
		result := err
		if !returned {
			discard, result = true, errPanicked
		}
		if conn != nil {
			if discard {
				conn.Discard()
			} else {
				conn.Release()
			}
		}
		done(result)
	}()

	discard, err = call(ctx, value)
	returned = true
	return err
}

// Status is a point-in-time view of a guard for status endpoints.
type Status struct {
	Name     string          `json:"name"`
	Breaker  string          `json:"breaker"`
	Failures int             `json:"failures"`
	Tokens   *float64        `json:"tokens,omitempty"`
	Pool     *connpool.Stats `json:"pool,omitempty"`
}

// Status reports the guard's current state.
func (g *Guard) Status(now time.Time) Status {
	st := Status{
		Name:     g.Name,
		Breaker:  g.Breaker.State().String(),
		Failures: g.Breaker.Failures(),
	}
	if g.Limiter != nil {
		tokens := g.Limiter.Tokens(now)
		st.Tokens = &tokens
	}
	if g.Pool != nil {
		stats := g.Pool.Stats()
		st.Pool = &stats
	}
	return st
}

// StateChangeFunc observes breaker transitions across every guard.
type StateChangeFunc func(dependency string, from, to breaker.State)

// Registry holds the guards of one application instance. It is safe for
// concurrent use.
type Registry struct {
	mu            sync.RWMutex
	guards        map[string]*Guard
	onStateChange []StateChangeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]*Guard)}
}

// OnStateChange adds a hook called on every breaker transition of guards
// defined after this call.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = append(r.onStateChange, fn)
}

// Define creates the guard for name. Defining the same name twice is an error.
func (r *Registry) Define(ctx context.Context, name string, s Settings) (*Guard, error) {
	if name == "" {
		return nil, errors.New("dependency name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[name]; exists {
		return nil, fmt.Errorf("dependency '%s' is already defined", name)
	}

	g, err := r.build(name, s)
	if err != nil {
		return nil, err
	}
	r.guards[name] = g
	ctxlog.FromContext(ctx).Debug("Dependency guard defined.", "dependency", name, "rateLimited", g.Limiter != nil, "pooled", g.Pool != nil)
	return g, nil
}

// For returns the guard for name, defining one with a default breaker when the
// dependency was never declared. An empty name or a nil registry returns nil.
func (r *Registry) For(ctx context.Context, name string) *Guard {
	if r == nil || name == "" {
		return nil
	}

	r.mu.RLock()
	g, ok := r.guards[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	// A breaker-only guard cannot fail to build.
	g, _ = r.build(name, Settings{})
	r.guards[name] = g
	ctxlog.FromContext(ctx).Debug("Undeclared dependency guarded with default breaker.", "dependency", name)
	return g
}

// Lookup returns the guard for name without defining it.
func (r *Registry) Lookup(name string) (*Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[name]
	return g, ok
}

// Names returns the defined dependency names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.guards))
	for name := range r.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses reports every guard, sorted by name.
func (r *Registry) Statuses(now time.Time) []Status {
	names := r.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		if g, ok := r.Lookup(name); ok {
			out = append(out, g.Status(now))
		}
	}
	return out
}

// Close closes every pool. Guards stay registered.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.guards {
		if g.Pool != nil {
			g.Pool.Close()
		}
	}
}

func (r *Registry) build(name string, s Settings) (*Guard, error) {
	hooks := append([]StateChangeFunc(nil), r.onStateChange...)
	if user := s.Breaker.OnStateChange; user != nil {
		hooks = append(hooks, StateChangeFunc(user))
	}
	if len(hooks) > 0 {
		s.Breaker.OnStateChange = func(dep string, from, to breaker.State) {
			for _, h := range hooks {
				h(dep, from, to)
			}
		}
	}

	g := &Guard{Name: name, Breaker: breaker.New(name, s.Breaker)}

	if s.RateLimit != nil {
		l, err := ratelimit.New(name, *s.RateLimit)
		if err != nil {
			return nil, err
		}
		g.Limiter = l
	}

	if s.Pool != nil {
		p, err := connpool.New(name, s.Pool.Connector, s.Pool.Settings)
		if err != nil {
			return nil, err
		}
		g.Pool = p
	}
	return g, nil
}
