// Package postgres keeps a durable record of every share the miner
// submitted and the pool's verdict on it.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/gomp-miner/pkg/errors"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either URL or key=value form
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// Client wraps a PostgreSQL connection pool
type Client struct {
	db *sql.DB
}

// NewClient opens and pings the database
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_open", "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_ping", "failed to ping database")
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}
