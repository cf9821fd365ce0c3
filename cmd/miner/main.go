// Package main runs the gomp Stratum V1 miner client. It keeps one pool
// session alive, hands work to external hashers over ZeroMQ and reports
// what happens to the configured telemetry sinks.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomp-miner/internal/config"
	"github.com/bardlex/gomp-miner/internal/database"
	"github.com/bardlex/gomp-miner/internal/database/influx"
	"github.com/bardlex/gomp-miner/internal/database/postgres"
	"github.com/bardlex/gomp-miner/internal/database/redis"
	"github.com/bardlex/gomp-miner/internal/messaging"
	"github.com/bardlex/gomp-miner/internal/monitor"
	"github.com/bardlex/gomp-miner/internal/nonce"
	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/internal/supervisor"
	"github.com/bardlex/gomp-miner/internal/workbridge"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// exit codes
const (
	exitOK      = 0
	exitFailure = 1
	// exitNetwork asks the service manager for a restart
	exitNetwork = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitFailure)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting miner",
		"version", cfg.Version,
		"primary", cfg.Primary.Addr,
		"fallback", cfg.Fallback.Addr,
		"workers", cfg.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	miner, err := NewMiner(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start miner")
		os.Exit(exitFailure)
	}

	err = miner.Run(ctx)
	if closeErr := miner.Close(); closeErr != nil {
		logger.WithError(closeErr).Error("shutdown failed")
	}

	code := exitCode(err)
	if code != exitOK {
		logger.WithError(err).Error("miner stopped")
	} else {
		stats := miner.session.Stats()
		logger.Info("miner stopped", "accepted", stats.Accepted, "rejected", stats.Rejected)
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil, stderrors.Is(err, context.Canceled):
		return exitOK
	case stderrors.Is(err, supervisor.ErrNetworkUnrecoverable):
		return exitNetwork
	default:
		return exitFailure
	}
}

// Miner wires the session to its supervisor, bridge and sinks
type Miner struct {
	cfg    *config.Config
	logger *log.Logger

	nonces     *nonce.Allocator
	session    *stratum.Session
	supervisor *supervisor.Supervisor
	monitor    *monitor.Monitor
	bridge     *workbridge.Bridge
	publisher  *messaging.EventPublisher
	stores     *database.Manager
}

// NewMiner builds every component cfg enables. Sinks are connected here,
// the pool is not contacted until Run.
func NewMiner(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Miner, error) {
	m := &Miner{cfg: cfg, logger: logger}

	m.nonces = nonce.NewAllocator(nonce.Options{
		Exclusion:    cfg.NonceExclusion,
		ExclusionCap: cfg.NonceExclusionCap,
	}, logger)
	if err := m.nonces.Configure(cfg.Workers); err != nil {
		return nil, err
	}

	primary, fallback := endpoints(cfg)
	m.session = stratum.NewSession(sessionConfig(cfg), nil, primary.Credentials, m.nonces, logger)

	sinks, err := m.openSinks(ctx)
	if err != nil {
		return nil, err
	}
	m.monitor = monitor.New(monitor.Config{
		Workers:   cfg.MonitorWorkers,
		QueueSize: cfg.MonitorQueue,
	}, logger, sinks...)

	handler := fanout{newShareLogger(logger), m.monitor}

	var probe supervisor.NetworkProbe
	if cfg.NetworkProbeAddr != "" {
		probe = supervisor.TCPProbe{Addr: cfg.NetworkProbeAddr, Timeout: cfg.DialTimeout}
	}
	m.supervisor = supervisor.New(supervisorConfig(cfg), primary, fallback, m.session,
		dialer(cfg), probe, handler, logger)

	if cfg.ZMQWorkEndpoint != "" && cfg.ZMQShareEndpoint != "" {
		bcfg := workbridge.Config{
			WorkEndpoint:  cfg.ZMQWorkEndpoint,
			ShareEndpoint: cfg.ZMQShareEndpoint,
			Concurrency:   cfg.SubmitConcurrency,
		}
		pub, pull, err := workbridge.Open(bcfg)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.bridge = workbridge.New(bcfg, m.session, m.nonces, pub, pull, m.monitor, logger)
		logger.Info("work bridge bound", "work", cfg.ZMQWorkEndpoint, "shares", cfg.ZMQShareEndpoint)
	}

	return m, nil
}

func (m *Miner) openSinks(ctx context.Context) ([]monitor.Sink, error) {
	var sinks []monitor.Sink
	id := minerID(m.cfg)

	if len(m.cfg.KafkaBrokers) > 0 {
		writer := messaging.NewWriter(m.cfg.KafkaBrokers, m.cfg.KafkaTopic)
		m.publisher = messaging.NewEventPublisher(writer, m.cfg.KafkaTopic, id, m.logger)
		sinks = append(sinks, m.publisher)
	}

	stores, err := database.NewManager(ctx, storeConfig(m.cfg, id), m.logger)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.stores = stores
	sinks = append(sinks, stores.Sinks()...)

	for _, s := range sinks {
		m.logger.Info("telemetry sink enabled", "sink", s.Name())
	}
	return sinks, nil
}

// Run blocks until ctx is done or the supervisor gives up
func (m *Miner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.monitor.Run(ctx)
	}()

	if m.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.bridge.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				m.logger.WithError(err).Error("work bridge stopped")
			}
		}()
	}

	err := m.supervisor.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// Close releases the sinks
func (m *Miner) Close() error {
	var errs []error
	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		m.publisher = nil
	}
	if m.stores != nil {
		if err := m.stores.Close(); err != nil {
			errs = append(errs, err)
		}
		m.stores = nil
	}
	return stderrors.Join(errs...)
}

func endpoints(cfg *config.Config) (supervisor.Endpoint, supervisor.Endpoint) {
	conv := func(p config.PoolConfig) supervisor.Endpoint {
		return supervisor.Endpoint{
			Name:        p.Name,
			Addr:        p.Addr,
			TLS:         p.TLS,
			Credentials: stratum.Credentials{User: p.User, Password: p.Password},
		}
	}
	return conv(cfg.Primary), conv(cfg.Fallback)
}

func sessionConfig(cfg *config.Config) stratum.SessionConfig {
	return stratum.SessionConfig{
		Agent:            cfg.Agent,
		Difficulty:       cfg.PoolDifficulty,
		JobCacheSize:     cfg.JobCacheSize,
		PendingCap:       cfg.PendingCacheSize,
		SubscribeTimeout: cfg.SubscribeTimeout,
		SubmitTimeout:    cfg.SubmitTimeout,
		ReadPoll:         cfg.ReadPoll,
	}
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		FailoverAfter:     cfg.FailoverAfter,
		ReconnectDelay:    cfg.ReconnectDelay,
		NetworkMaxRetries: cfg.NetworkMaxRetries,
		Dispatch: stratum.DispatcherConfig{
			HelloInterval:     cfg.HelloInterval,
			InactivityTimeout: cfg.InactivityTimeout,
			ReadPoll:          cfg.ReadPoll,
		},
	}
}

func dialer(cfg *config.Config) supervisor.Dialer {
	return func(ep supervisor.Endpoint) stratum.Transport {
		return stratum.NewConn(stratum.ConnConfig{
			Addr:        ep.Addr,
			TLS:         ep.TLS,
			DialTimeout: cfg.DialTimeout,
		})
	}
}

func storeConfig(cfg *config.Config, id string) *database.Config {
	dc := &database.Config{MinerID: id}
	if cfg.PostgresURL != "" {
		dc.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisAddr != "" {
		dc.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     4,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			StatusTTL:    cfg.StatusTTL,
		}
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dc
}

// minerID names this rig in every sink: the primary pool user, else the host
func minerID(cfg *config.Config) string {
	if cfg.Primary.User != "" {
		return cfg.Primary.User
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return cfg.ServiceName
}

// fanout delivers every event to each handler in order
type fanout []stratum.EventHandler

func (f fanout) HandleEvent(ctx context.Context, ev stratum.Event) {
	for _, h := range f {
		h.HandleEvent(ctx, ev)
	}
}

// shareLogger writes the operator-facing log lines for connection and
// share events
type shareLogger struct {
	logger *log.Logger
}

func newShareLogger(logger *log.Logger) *shareLogger {
	return &shareLogger{logger: logger.WithComponent("miner")}
}

func (l *shareLogger) HandleEvent(_ context.Context, ev stratum.Event) {
	switch ev.Type {
	case stratum.EventShareResult:
		if ev.Share == nil {
			return
		}
		total := ev.Stats.Accepted
		if !ev.Share.Accepted {
			total = ev.Stats.Rejected
		}
		l.logger.LogShareResult(ev.Share.JobID, ev.Share.Accepted, ev.Share.Latency, total)
	case stratum.EventConnected, stratum.EventDisconnected:
		l.logger.LogConnection(ev.Type.String(), ev.Endpoint)
	case stratum.EventFailover:
		l.logger.Warn("switching pool", "endpoint", ev.Endpoint)
	case stratum.EventAuthorized:
		if !ev.Authorized {
			l.logger.Error("pool refused worker credentials", "endpoint", ev.Endpoint)
		}
	case stratum.EventPoolError:
		l.logger.WithError(ev.Err).Warn("pool error")
	}
}
