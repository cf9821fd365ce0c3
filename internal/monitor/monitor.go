// Package monitor fans session events out to telemetry sinks without ever
// blocking the dispatcher.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// Sink records events somewhere outside the process
type Sink interface {
	Name() string
	Record(ctx context.Context, ev stratum.Event) error
}

// Config sizes the monitor
type Config struct {
	Workers     int
	QueueSize   int
	SinkTimeout time.Duration
}

// Stats counts what happened to queued events
type Stats struct {
	Queued   uint64
	Dropped  uint64
	Recorded uint64
	Failed   uint64
}

// Monitor is a stratum.EventHandler that queues events for its workers
type Monitor struct {
	cfg    Config
	sinks  []Sink
	queue  chan stratum.Event
	logger *log.Logger

	queued   atomic.Uint64
	dropped  atomic.Uint64
	recorded atomic.Uint64
	failed   atomic.Uint64
}

// New creates a monitor writing to sinks
func New(cfg Config, logger *log.Logger, sinks ...Sink) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		sinks:  sinks,
		queue:  make(chan stratum.Event, cfg.QueueSize),
		logger: logger.WithComponent("monitor"),
	}
}

// HandleEvent implements stratum.EventHandler. A full queue drops the event.
func (m *Monitor) HandleEvent(ctx context.Context, ev stratum.Event) {
	if len(m.sinks) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.queue <- ev:
		m.queued.Add(1)
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.Warn("event queue full, dropping", "type", ev.Type.String(), "dropped", m.dropped.Load())
		}
	}
}

// Run starts the workers and blocks until ctx is done. Events still queued
// at that point are discarded.
func (m *Monitor) Run(ctx context.Context) error {
	swg := sizedwaitgroup.New(m.cfg.Workers)
	for i := 0; i < m.cfg.Workers; i++ {
		swg.Add()
		go m.worker(ctx, &swg)
	}

	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	m.logger.Info("monitor started", "workers", m.cfg.Workers, "sinks", names)

	swg.Wait()
	st := m.Stats()
	m.logger.Info("monitor stopped",
		"recorded", st.Recorded,
		"failed", st.Failed,
		"dropped", st.Dropped,
	)
	return ctx.Err()
}

func (m *Monitor) worker(ctx context.Context, swg *sizedwaitgroup.SizedWaitGroup) {
	defer swg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, ev stratum.Event) {
	for _, sink := range m.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SinkTimeout)
		err := sink.Record(sctx, ev)
		cancel()

		if err != nil {
			m.failed.Add(1)
			m.logger.WithError(err).Warn("sink failed", "sink", sink.Name(), "type", ev.Type.String())
			continue
		}
		m.recorded.Add(1)
	}
}

// Stats returns the event counters
func (m *Monitor) Stats() Stats {
	return Stats{
		Queued:   m.queued.Load(),
		Dropped:  m.dropped.Load(),
		Recorded: m.recorded.Load(),
		Failed:   m.failed.Load(),
	}
}
