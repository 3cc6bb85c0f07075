// Package database owns the connection pools for the databases the engine
// talks to and the schema of the engine's own tables.
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"enrichment-engine/backend/internal/config"
	"enrichment-engine/backend/internal/logging"
)

// DatabaseTarget names one of the databases a request may need.
type DatabaseTarget string

const (
	// TargetWorkspace holds workflow configuration, destination tables and
	// tracking tables.
	TargetWorkspace DatabaseTarget = "workspace"
	// TargetSourceOfTruth holds the company/person source tables.
	TargetSourceOfTruth DatabaseTarget = "source_of_truth"
)

// MemoryURL selects the in-memory repository instead of PostgreSQL.
const MemoryURL = "memory://"

// IsMemory reports whether url selects the in-memory backend.
func IsMemory(url string) bool {
	return strings.TrimSpace(url) == MemoryURL
}

// Pools is the connection factory injected into every component that needs
// a database.
type Pools struct {
	pools map[DatabaseTarget]*pgxpool.Pool
}

// Open connects to every configured target. The source-of-truth target falls
// back to the workspace pool when it has no URL of its own.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Pools, error) {
	p := &Pools{pools: make(map[DatabaseTarget]*pgxpool.Pool)}

	workspace, err := connect(ctx, cfg.DB.Workspace, logger.With("target", TargetWorkspace))
	if err != nil {
		return nil, fmt.Errorf("workspace database: %w", err)
	}
	p.pools[TargetWorkspace] = workspace

	if strings.TrimSpace(cfg.DB.SourceOfTruth.URL) == "" {
		logger.Info("source-of-truth database not configured, using workspace database")
		p.pools[TargetSourceOfTruth] = workspace
		return p, nil
	}

	source, err := connect(ctx, cfg.DB.SourceOfTruth, logger.With("target", TargetSourceOfTruth))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("source-of-truth database: %w", err)
	}
	p.pools[TargetSourceOfTruth] = source
	return p, nil
}

// NewPools wraps already-open pools, mainly for tests.
func NewPools(pools map[DatabaseTarget]*pgxpool.Pool) *Pools {
	return &Pools{pools: pools}
}

// Pool resolves the pool for a target.
func (p *Pools) Pool(target DatabaseTarget) (*pgxpool.Pool, error) {
	pool, ok := p.pools[target]
	if !ok || pool == nil {
		return nil, fmt.Errorf("database target %q is not configured", target)
	}
	return pool, nil
}

// Close closes every distinct pool once.
func (p *Pools) Close() {
	closed := make(map[*pgxpool.Pool]bool)
	for _, pool := range p.pools {
		if pool == nil || closed[pool] {
			continue
		}
		pool.Close()
		closed[pool] = true
	}
}

func connect(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
