// Package stats keeps lifetime counters for the swapper: completed swaps
// and controller actuations.
package stats

import (
	"context"
	"fmt"

	"swapper3d-go/pkg/config"
	"swapper3d-go/pkg/log"
)

var logger = log.GetLogger("stats")

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Swaps      int64            `json:"totalNumberSwaps"`
	Actuations int64            `json:"actuations"`
	ByCommand  map[string]int64 `json:"byCommand,omitempty"`
}

// Store persists the counters.
type Store interface {
	IncSwaps(ctx context.Context) error
	IncActuations(ctx context.Context, command string) error
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// Open builds the store the [stats] section selects. The config backend
// falls back to memory when the settings were not loaded from a file.
func Open(s config.StatsSettings, cfg *config.AutosaveConfig) (Store, error) {
	switch s.Backend {
	case "redis":
		return NewRedisStore(s.RedisAddr, "", 0, WithPrefix(s.RedisPrefix)), nil
	case "memory":
		return NewMemoryStore(), nil
	case "config", "":
		if cfg == nil || cfg.Path() == "" {
			logger.Warn("no settings file, stats kept in memory")
			return NewMemoryStore(), nil
		}
		return NewConfigStore(cfg)
	default:
		return nil, fmt.Errorf("stats: unknown backend %q", s.Backend)
	}
}
