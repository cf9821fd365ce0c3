// Package supervisor keeps a stratum session connected: it selects between
// the primary and fallback pools, paces reconnects and watches the network.
package supervisor

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
	"github.com/bardlex/gomp-miner/pkg/retry"
)

// ErrNetworkUnrecoverable is returned by Run when the network probe kept
// failing for NetworkMaxRetries attempts
var ErrNetworkUnrecoverable = stderrors.New("network unavailable")

// Endpoint is one pool the supervisor can connect to
type Endpoint struct {
	Name        string
	Addr        string
	TLS         bool
	Credentials stratum.Credentials
}

// Dialer builds an unconnected transport for ep
type Dialer func(ep Endpoint) stratum.Transport

// NetworkProbe reports whether the local network is usable at all
type NetworkProbe interface {
	Available(ctx context.Context) bool
}

// Config tunes the reconnect policy
type Config struct {
	// FailoverAfter consecutive failures switch to the other endpoint
	FailoverAfter     int
	ReconnectDelay    time.Duration
	NetworkMaxRetries int
	Dispatch          stratum.DispatcherConfig
}

// Supervisor owns reconnect counters and endpoint selection for one session
type Supervisor struct {
	cfg      Config
	session  *stratum.Session
	handler  stratum.EventHandler
	dial     Dialer
	probe    NetworkProbe
	backoff  *retry.Config
	logger   *log.Logger
	dispatch *stratum.Dispatcher

	mu          sync.Mutex
	endpoints   [2]Endpoint
	active      int
	failures    int
	netFailures int
	reconnects  uint64
}

// New creates a supervisor. probe and handler may be nil; fallback with an
// empty Addr reuses primary.
func New(cfg Config, primary, fallback Endpoint, session *stratum.Session, dial Dialer, probe NetworkProbe, handler stratum.EventHandler, logger *log.Logger) *Supervisor {
	if cfg.FailoverAfter <= 0 {
		cfg.FailoverAfter = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.NetworkMaxRetries <= 0 {
		cfg.NetworkMaxRetries = 24
	}
	if fallback.Addr == "" {
		name := fallback.Name
		fallback = primary
		if name != "" {
			fallback.Name = name
		}
	}
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("supervisor")

	return &Supervisor{
		cfg:       cfg,
		session:   session,
		handler:   handler,
		dial:      dial,
		probe:     probe,
		backoff:   retry.ReconnectConfig(cfg.ReconnectDelay),
		logger:    logger,
		dispatch:  stratum.NewDispatcher(session, handler, cfg.Dispatch, logger),
		endpoints: [2]Endpoint{primary, fallback},
	}
}

// Active returns the endpoint the next connect will use
func (s *Supervisor) Active() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoints[s.active]
}

// RecordFailure counts a failed connect. Every FailoverAfter consecutive
// failures it switches endpoint and reports true.
func (s *Supervisor) RecordFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures%s.cfg.FailoverAfter != 0 {
		return false
	}
	s.active = 1 - s.active
	return true
}

// RecordSuccess clears the failure streak; the active endpoint is kept
func (s *Supervisor) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.reconnects++
}

// Failures returns the current streak of failed connects
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Connections returns how many handshakes have succeeded
func (s *Supervisor) Connections() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Run connects, dispatches and reconnects until ctx is done. It returns
// ctx.Err() on shutdown or ErrNetworkUnrecoverable when the network probe
// gives up.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.checkNetwork(ctx); err != nil {
			if errors.IsType(err, errors.ErrorTypeLiveness) {
				return err
			}
			if err := retry.Sleep(ctx, s.cfg.ReconnectDelay); err != nil {
				return err
			}
			continue
		}

		ep := s.Active()
		transport, err := s.connect(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.connectFailed(ctx, ep, err); err != nil {
				return err
			}
			continue
		}

		s.RecordSuccess()
		s.emit(ctx, stratum.Event{Type: stratum.EventConnected, Endpoint: ep.Name})

		err = s.dispatch.Run(ctx)
		_ = transport.Close()
		s.session.Reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.WithError(err).Warn("pool connection lost", "endpoint", ep.Name)
		s.emit(ctx, stratum.Event{Type: stratum.EventDisconnected, Endpoint: ep.Name, Err: err})

		if err := retry.Sleep(ctx, s.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

// checkNetwork consults the probe. A liveness error means give up.
func (s *Supervisor) checkNetwork(ctx context.Context) error {
	if s.probe == nil || s.probe.Available(ctx) {
		s.mu.Lock()
		s.netFailures = 0
		s.mu.Unlock()
		return nil
	}

	s.session.Reset()

	s.mu.Lock()
	s.netFailures++
	n := s.netFailures
	s.mu.Unlock()

	s.logger.Warn("network unavailable", "attempt", n, "max_attempts", s.cfg.NetworkMaxRetries)
	if n >= s.cfg.NetworkMaxRetries {
		return errors.Wrap(ErrNetworkUnrecoverable, errors.ErrorTypeLiveness, "network_probe", "giving up").
			WithContext("attempts", n)
	}
	return errors.New(errors.ErrorTypeNetwork, "network_probe", "network unavailable")
}

// connect binds the session to a fresh transport for ep and runs the handshake
func (s *Supervisor) connect(ctx context.Context, ep Endpoint) (stratum.Transport, error) {
	logger := s.logger.WithEndpoint(ep.Name, ep.Addr)

	transport := s.dial(ep)
	s.session.Rebind(transport, ep.Name, ep.Credentials)

	start := time.Now()
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}
	logger.LogConnection("connected", ep.Addr)

	if err := s.session.Handshake(ctx); err != nil {
		_ = transport.Close()
		s.session.Reset()
		return nil, err
	}
	logger.Info("handshake complete", "elapsed", log.Elapsed(time.Since(start)))
	return transport, nil
}

func (s *Supervisor) connectFailed(ctx context.Context, ep Endpoint, err error) error {
	attempt := s.Failures()
	switched := s.RecordFailure()

	s.logger.WithError(err).Warn("pool connect failed",
		"endpoint", ep.Name,
		"attempt", attempt+1,
	)
	if switched {
		next := s.Active()
		s.logger.Info("switching pool", "from", ep.Name, "to", next.Name)
		s.emit(ctx, stratum.Event{Type: stratum.EventFailover, Endpoint: next.Name, Err: err})
		attempt = 0
	}

	return retry.Sleep(ctx, s.backoff.Delay(attempt%s.cfg.FailoverAfter))
}

func (s *Supervisor) emit(ctx context.Context, ev stratum.Event) {
	if s.handler == nil {
		return
	}
	ev.Time = time.Now()
	ev.Stats = s.session.Stats()
	s.handler.HandleEvent(ctx, ev)
}

// TCPProbe checks the network by dialling a well-known address
type TCPProbe struct {
	Addr    string
	Timeout time.Duration
}

// Available implements NetworkProbe
func (p TCPProbe) Available(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
