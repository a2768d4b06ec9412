package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolManager manages one or more named *pgxpool.Pool's. WALRUS runs a
// single pool (the oracle's and registry's shared connection), but the
// manager keeps the name-to-pool indirection the teacher's pipeline uses for
// its multi-database peers.
type PoolManager struct {
	pools  map[string]*pgxpool.Pool
	active string
	mu     sync.RWMutex
}

// Pool represents a named connection configuration.
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	Name       string
	ConnString string // Used if Config is nil
}

var ErrPoolAlreadyExists = errors.New("connection pool already exists")

// NewPoolManager returns a new connection manager.
func NewPoolManager() *PoolManager {
	return &PoolManager{pools: make(map[string]*pgxpool.Pool)}
}

// Add creates and adds a new connection pool. If `setActive=true` the connection is set as active/default connection
func (m *PoolManager) Add(ctx context.Context, cfg Pool, setActive ...bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[cfg.Name]; ok {
		return ErrPoolAlreadyExists
	}

	pool, err := m.createPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pgx: %w", err)
	}

	m.pools[cfg.Name] = pool

	// Check if `setActive` is provided and set to true
	if len(setActive) > 0 && setActive[0] {
		m.active = cfg.Name
	} else if m.active == "" {
		m.active = cfg.Name // Set active if none exists
	}

	return nil
}

// Active returns the current active connection pool.
func (m *PoolManager) Active() (*pgxpool.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == "" {
		return nil, fmt.Errorf("pgx: no active connection")
	}
	return m.pools[m.active], nil
}

// Close closes all connection pools.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pools {
		p.Close()
	}
	m.pools = nil
	m.active = ""
}

func (m *PoolManager) createPool(ctx context.Context, cfg Pool) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	switch {
	case cfg.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, cfg.Config)
	case cfg.ConnString != "":
		pool, err = pgxpool.New(ctx, cfg.ConnString)
	default:
		return nil, errors.New("either Config or ConnString must be provided")
	}

	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return pool, nil
}
