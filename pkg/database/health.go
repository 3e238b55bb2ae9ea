package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is a point-in-time snapshot of connectivity and pool
// pressure. WaitCount growing between snapshots means handlers are
// queueing for connections.
type PoolHealth struct {
	Status          string `json:"status"`
	PingMillis      int64  `json:"ping_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitMillis      int64  `json:"wait_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the database and snapshots the pool. The snapshot is
// returned even when the ping fails so callers can report pressure
// alongside the error.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()
	err := db.PingContext(ctx)

	stats := db.Stats()
	h := &PoolHealth{
		Status:          "healthy",
		PingMillis:      time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitMillis:      stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}
	if err != nil {
		h.Status = "unhealthy"
		return h, err
	}
	return h, nil
}
