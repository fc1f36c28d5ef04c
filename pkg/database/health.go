package database

import (
	"context"
	"database/sql"
	"time"
)

// StoreHealth reports whether the registry's backing store answers and how
// busy the shared connection pool is. The gateway cannot place or look up
// meetings without it, so the health endpoint surfaces this directly.
type StoreHealth struct {
	Reachable  bool      `json:"reachable"`
	PingMillis int64     `json:"ping_ms"`
	Pool       PoolStats `json:"pool"`
}

// PoolStats is a snapshot of the connection pool shared by the gateway, the
// poller and the migrator.
type PoolStats struct {
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	MaxOpen    int   `json:"max_open"`
	Waits      int64 `json:"waits"`
	WaitMillis int64 `json:"wait_ms"`
}

// Health pings the store and snapshots the pool.
func Health(ctx context.Context, db *sql.DB) (*StoreHealth, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &StoreHealth{
			PingMillis: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &StoreHealth{
		Reachable:  true,
		PingMillis: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:       stats.OpenConnections,
			InUse:      stats.InUse,
			Idle:       stats.Idle,
			MaxOpen:    stats.MaxOpenConnections,
			Waits:      stats.WaitCount,
			WaitMillis: stats.WaitDuration.Milliseconds(),
		},
	}, nil
}
