// Package redis keeps a live status record for the miner in Redis, so a
// dashboard can tell at a glance which pool a rig is on and how it is doing.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// StatusTTL expires the status hash of a miner that stopped reporting
	StatusTTL time.Duration
}

// StatusStore is a monitor sink maintaining the hash miner:<id>:status
type StatusStore struct {
	rdb   redis.Cmdable
	close func() error
	key   string
	ttl   time.Duration
}

// NewClient connects to Redis and returns a store for minerID
func NewClient(cfg *Config, minerID string) (*StatusStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connect",
			"failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	store := NewStatusStore(rdb, minerID, cfg.StatusTTL)
	store.close = rdb.Close
	return store, nil
}

// NewStatusStore wraps an existing client
func NewStatusStore(rdb redis.Cmdable, minerID string, ttl time.Duration) *StatusStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &StatusStore{
		rdb: rdb,
		key: StatusKey(minerID),
		ttl: ttl,
	}
}

// StatusKey returns the hash key for a miner
func StatusKey(minerID string) string {
	return fmt.Sprintf("miner:%s:status", minerID)
}

// Name implements monitor.Sink
func (s *StatusStore) Name() string {
	return "redis"
}

// Record implements monitor.Sink. The hash and its expiry are written in
// one transaction.
func (s *StatusStore) Record(ctx context.Context, ev stratum.Event) error {
	fields := StatusFields(ev)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fields)
		pipe.Expire(ctx, s.key, s.ttl)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "redis_status",
			"failed to update miner status").
			WithContext("key", s.key).
			WithContext("event_type", ev.Type.String())
	}
	return nil
}

// Status reads back the status hash
func (s *StatusStore) Status(ctx context.Context) (map[string]string, error) {
	status, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_status",
			"failed to read miner status").
			WithContext("key", s.key)
	}
	return status, nil
}

// Close closes the connection opened by NewClient
func (s *StatusStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// StatusFields returns the hash fields an event updates
func StatusFields(ev stratum.Event) map[string]any {
	fields := map[string]any{
		"last_event": ev.Type.String(),
		"updated_at": ev.Time.UTC().Format(time.RFC3339),
		"accepted":   strconv.FormatUint(ev.Stats.Accepted, 10),
		"rejected":   strconv.FormatUint(ev.Stats.Rejected, 10),
	}

	switch ev.Type {
	case stratum.EventConnected:
		fields["state"] = "connected"
		fields["endpoint"] = ev.Endpoint
	case stratum.EventDisconnected:
		fields["state"] = "disconnected"
	case stratum.EventFailover:
		fields["endpoint"] = ev.Endpoint
	case stratum.EventJob:
		if ev.Job != nil {
			fields["job_id"] = ev.Job.ID
		}
		fields["difficulty"] = strconv.FormatFloat(ev.Difficulty, 'f', -1, 64)
	case stratum.EventDifficulty:
		fields["difficulty"] = strconv.FormatFloat(ev.Difficulty, 'f', -1, 64)
	case stratum.EventVersionMask:
		fields["version_mask"] = fmt.Sprintf("%08x", ev.VersionMask)
	case stratum.EventShareResult:
		fields["last_latency_ms"] = strconv.FormatInt(ev.Stats.LastLatency.Milliseconds(), 10)
	case stratum.EventAuthorized:
		fields["authorized"] = strconv.FormatBool(ev.Authorized)
	}
	return fields
}
