package stratum

import (
	"context"
	"time"

	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// DispatcherConfig sets the dispatcher's liveness timing
type DispatcherConfig struct {
	HelloInterval     time.Duration
	InactivityTimeout time.Duration
	ReadPoll          time.Duration
}

// Dispatcher is the single reader of a session: it reads, classifies,
// applies and fans out events until the connection dies or ctx ends.
type Dispatcher struct {
	session *Session
	handler EventHandler
	cfg     DispatcherConfig
	logger  *log.Logger
}

// NewDispatcher creates a dispatcher for session. handler may be nil.
func NewDispatcher(session *Session, handler EventHandler, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if cfg.HelloInterval <= 0 {
		cfg.HelloInterval = 30 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 60 * time.Second
	}
	if cfg.ReadPoll <= 0 {
		cfg.ReadPoll = 100 * time.Millisecond
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		session: session,
		handler: handler,
		cfg:     cfg,
		logger:  logger.WithComponent("dispatcher"),
	}
}

// Run blocks until ctx is done or the connection must be re-established.
// It returns ctx.Err() on shutdown and a network or liveness error when
// the caller should reconnect.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := d.session.Hello(d.cfg.HelloInterval, d.cfg.InactivityTimeout); err != nil {
			return err
		}

		if d.session.SubmitStalled() {
			d.logger.Warn("pool stopped answering submits, reconnecting")
			d.session.teardown()
			return errors.Wrap(ErrSubmitStalled, errors.ErrorTypeLiveness, "dispatch", "submit stall")
		}

		msg, err := d.session.ListenMethods(d.cfg.ReadPoll)
		if err != nil {
			d.session.teardown()
			return errors.Wrap(err, errors.ErrorTypeNetwork, "dispatch", "read failed")
		}

		d.handle(ctx, msg)
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) {
	if msg.Kind == KindUnknown {
		d.logger.Warn("unhandled stratum method", "method", msg.Method, "id", msg.ID)
		return
	}

	ev, err := d.session.Apply(msg)
	if err != nil {
		logger := d.logger.WithError(err).WithFields("kind", msg.Kind.String(), "id", msg.ID)
		if errors.IsType(err, errors.ErrorTypeParse) {
			logger.Error("dropping malformed message")
		} else {
			logger.Warn("message not applied")
		}
		return
	}
	if ev == nil {
		return
	}

	if ev.Type == EventJob {
		d.logger.LogJobReceived(ev.Job.ID, ev.Job.PrevHash, len(ev.Job.MerkleBranch),
			ev.Job.CleanJobs, ev.VersionMask, ev.Difficulty)
	}

	if d.handler != nil {
		d.handler.HandleEvent(ctx, *ev)
	}
}
