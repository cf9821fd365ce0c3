// Package database opens the telemetry stores the miner reports to. Every
// store is optional; the manager only connects to those that are configured.
package database

import (
	"context"
	"fmt"

	"github.com/bardlex/gomp-miner/internal/database/influx"
	"github.com/bardlex/gomp-miner/internal/database/postgres"
	"github.com/bardlex/gomp-miner/internal/database/redis"
	"github.com/bardlex/gomp-miner/internal/monitor"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// Config selects the stores to open; a nil entry disables that store
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
	// MinerID tags every record written
	MinerID string
}

// Manager owns the open store connections
type Manager struct {
	Postgres *postgres.Client
	Shares   *postgres.ShareRepository
	Redis    *redis.StatusStore
	Influx   *influx.MetricsWriter

	logger *log.Logger
}

// NewManager connects to every configured store. If one fails the ones
// already opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{logger: logger.WithComponent("database")}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, m.abort(err, "postgres")
		}
		m.Postgres = pg
		m.Shares = postgres.NewShareRepository(pg.DB(), cfg.MinerID)
		if err := m.Shares.EnsureSchema(ctx); err != nil {
			return nil, m.abort(err, "postgres")
		}
		m.logger.Info("share store ready")
	}

	if cfg.Redis != nil {
		store, err := redis.NewClient(cfg.Redis, cfg.MinerID)
		if err != nil {
			return nil, m.abort(err, "redis")
		}
		m.Redis = store
		m.logger.Info("status store ready", "addr", cfg.Redis.Addr)
	}

	if cfg.Influx != nil {
		w, err := influx.NewClient(cfg.Influx, cfg.MinerID, logger)
		if err != nil {
			return nil, m.abort(err, "influx")
		}
		m.Influx = w
		m.logger.Info("metrics store ready", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	return m, nil
}

func (m *Manager) abort(err error, store string) error {
	origErr := errors.Wrap(err, errors.ErrorTypeDatabase, store+"_connection",
		"failed to open "+store)
	if closeErr := m.Close(); closeErr != nil {
		return origErr.WithContext("cleanup_error", closeErr.Error())
	}
	return origErr
}

// Sinks returns the open stores as monitor sinks
func (m *Manager) Sinks() []monitor.Sink {
	var sinks []monitor.Sink
	if m.Shares != nil {
		sinks = append(sinks, m.Shares)
	}
	if m.Redis != nil {
		sinks = append(sinks, m.Redis)
	}
	if m.Influx != nil {
		sinks = append(sinks, m.Influx)
	}
	return sinks
}

// Health checks the stores that can be pinged
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return err
		}
	}
	if m.Redis != nil {
		if _, err := m.Redis.Status(ctx); err != nil {
			return fmt.Errorf("redis health: %w", err)
		}
	}
	return nil
}

// Close closes every open store
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
		m.Postgres = nil
		m.Shares = nil
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
		m.Redis = nil
	}
	if m.Influx != nil {
		m.Influx.Close()
		m.Influx = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}
