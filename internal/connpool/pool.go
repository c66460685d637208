// Package connpool provides a bounded pool of reusable connections to one
// external dependency. Connections are created on demand up to MaxSize;
// callers that find the pool exhausted wait up to AcquireTimeout.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/puddle/v2"
)

// Connector creates and closes connections for a pool.
type Connector interface {
	Connect(ctx context.Context) (any, error)
	Close(conn any)
}

// ConnectorFuncs adapts a pair of functions to the Connector interface.
type ConnectorFuncs struct {
	ConnectFunc func(ctx context.Context) (any, error)
	CloseFunc   func(conn any)
}

func (c ConnectorFuncs) Connect(ctx context.Context) (any, error) { return c.ConnectFunc(ctx) }

func (c ConnectorFuncs) Close(conn any) {
	if c.CloseFunc != nil {
		c.CloseFunc(conn)
	}
}

const DefaultAcquireTimeout = 5 * time.Second

// Settings configures a Pool.
type Settings struct {
	MaxSize        int
	AcquireTimeout time.Duration
}

// PoolExhaustedError reports that no connection became available in time.
type PoolExhaustedError struct {
	Dependency string
	MaxSize    int
	Waited     time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for '%s' exhausted: all %d connections busy after waiting %s", e.Dependency, e.MaxSize, e.Waited)
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	MaxSize int `json:"max_size"`
	Total   int `json:"total"`
	Issued  int `json:"issued"`
	Idle    int `json:"idle"`
	// EmptyAcquires counts acquires that found no idle connection and had
	// to wait for a release or a new connection.
	EmptyAcquires int64 `json:"empty_acquires"`
	Canceled      int64 `json:"canceled"`
}

// Pool hands out connections from an idle set and creates new ones while
// below MaxSize.
type Pool struct {
	name     string
	settings Settings
	pool     *puddle.Pool[any]
}

// New creates an empty pool. No connection is opened until the first Acquire.
func New(name string, connector Connector, s Settings) (*Pool, error) {
	if connector == nil {
		return nil, fmt.Errorf("connection pool for '%s' requires a connector", name)
	}
	if s.MaxSize <= 0 {
		return nil, fmt.Errorf("connection pool for '%s': max size must be positive, got %d", name, s.MaxSize)
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = DefaultAcquireTimeout
	}

	p, err := puddle.NewPool(&puddle.Config[any]{
		Constructor: connector.Connect,
		Destructor:  connector.Close,
		MaxSize:     int32(s.MaxSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for '%s': %w", name, err)
	}
	return &Pool{name: name, settings: s, pool: p}, nil
}

// Name returns the dependency name.
func (p *Pool) Name() string { return p.name }

// Acquire returns an idle connection, creates one while below MaxSize, or
// waits for a release. It gives up with *PoolExhaustedError after
// AcquireTimeout, or with ctx's error if ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.settings.AcquireTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Acquire(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &PoolExhaustedError{Dependency: p.name, MaxSize: p.settings.MaxSize, Waited: time.Since(start)}
		}
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, fmt.Errorf("connection pool for '%s' is closed: %w", p.name, err)
		}
		return nil, fmt.Errorf("failed to open connection for '%s': %w", p.name, err)
	}
	return &Conn{res: res}, nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		MaxSize:       int(s.MaxResources()),
		Total:         int(s.TotalResources()),
		Issued:        int(s.AcquiredResources()),
		Idle:          int(s.IdleResources()),
		EmptyAcquires: s.EmptyAcquireCount(),
		Canceled:      s.CanceledAcquireCount(),
	}
}

// Close closes idle connections and waits for issued ones to come back.
func (p *Pool) Close() {
	p.pool.Close()
}

// Conn is a connection checked out of a Pool. Exactly one of Release or
// Discard must be called.
type Conn struct {
	res *puddle.Resource[any]
}

// Value returns the underlying connection.
func (c *Conn) Value() any { return c.res.Value() }

// Release returns the connection to the idle set.
func (c *Conn) Release() { c.res.Release() }

// Discard closes the connection and frees its slot so that a later Acquire
// can create a replacement.
func (c *Conn) Discard() { c.res.Destroy() }
