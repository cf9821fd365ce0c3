// Package workbridge connects external hashing processes to the stratum
// session over ZeroMQ: work units go out on a PUB socket and shares come
// back on a PULL socket.
package workbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomp-miner/internal/nonce"
	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// TopicWork prefixes every published work unit
const TopicWork = "work"

// WorkUnit is one worker's share of a job
type WorkUnit struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prev_hash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`

	Extranonce1     string `json:"extranonce1"`
	Extranonce2     string `json:"extranonce2"`
	Extranonce2Size int    `json:"extranonce2_size"`

	Worker      int     `json:"worker"`
	NonceStart  uint32  `json:"nonce_start"`
	NonceEnd    uint32  `json:"nonce_end"`
	NonceCursor uint32  `json:"nonce_cursor"`
	VersionMask uint32  `json:"version_mask"`
	Difficulty  float64 `json:"difficulty"`
}

// ShareSubmission is what a hasher sends back. Without a nonce the
// session draws one from the worker's range.
type ShareSubmission struct {
	Worker      int     `json:"worker"`
	JobID       string  `json:"job_id"`
	Extranonce2 string  `json:"extranonce2"`
	NTime       uint32  `json:"ntime"`
	Nonce       *uint32 `json:"nonce,omitempty"`
	Version     uint32  `json:"version"`
}

// Publisher is the sending half; *zmq.Socket satisfies it
type Publisher interface {
	SendMessage(parts ...any) (int, error)
	Close() error
}

// Receiver is the receiving half; *zmq.Socket satisfies it
type Receiver interface {
	RecvMessageBytes(flags zmq.Flag) ([][]byte, error)
	Close() error
}

// Session is the part of stratum.Session the bridge drives
type Session interface {
	Jobs() *stratum.Broadcaster
	PopJob() (*stratum.Job, bool)
	Subscription() stratum.SubscriptionInfo
	NextExtranonce2() string
	VersionMask() uint32
	Difficulty() float64
	Submit(ctx context.Context, jobID, extranonce2 string, ntime, nonce, version uint32) (stratum.ShareResult, error)
	SubmitForWorker(ctx context.Context, worker int, jobID, extranonce2 string, ntime, version uint32) (stratum.ShareResult, error)
}

// Nonces is the part of nonce.Allocator the bridge reads
type Nonces interface {
	Ranges() []nonce.Range
	Next(worker int) (uint32, error)
}

// Config configures the bridge sockets
type Config struct {
	WorkEndpoint  string
	ShareEndpoint string
	// Concurrency bounds in-flight submits
	Concurrency  int
	PollInterval time.Duration
}

// Open binds the PUB and PULL sockets
func Open(cfg Config) (*zmq.Socket, *zmq.Socket, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}
	if err := pub.Bind(cfg.WorkEndpoint); err != nil {
		_ = pub.Close()
		return nil, nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", cfg.WorkEndpoint, err)
	}

	pull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		_ = pub.Close()
		return nil, nil, fmt.Errorf("failed to create ZMQ PULL socket: %w", err)
	}
	if err := pull.SetRcvtimeo(cfg.PollInterval); err != nil {
		_ = pub.Close()
		_ = pull.Close()
		return nil, nil, fmt.Errorf("failed to set receive timeout: %w", err)
	}
	if err := pull.Bind(cfg.ShareEndpoint); err != nil {
		_ = pub.Close()
		_ = pull.Close()
		return nil, nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", cfg.ShareEndpoint, err)
	}
	return pub, pull, nil
}

// Bridge moves jobs out to hashers and their shares back to the pool
type Bridge struct {
	session     Session
	nonces      Nonces
	pub         Publisher
	pull        Receiver
	handler     stratum.EventHandler
	concurrency int
	logger      *log.Logger

	published atomic.Uint64
	submitted atomic.Uint64
	invalid   atomic.Uint64
}

// New creates a bridge over already opened sockets. handler receives
// submits that never got a pool verdict and may be nil.
func New(cfg Config, session Session, nonces Nonces, pub Publisher, pull Receiver, handler stratum.EventHandler, logger *log.Logger) *Bridge {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Bridge{
		session:     session,
		nonces:      nonces,
		pub:         pub,
		pull:        pull,
		handler:     handler,
		concurrency: cfg.Concurrency,
		logger:      logger.WithComponent("workbridge"),
	}
}

// Run publishes and receives until ctx is done, then closes both sockets
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.publishLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		b.receiveLoop(ctx)
	}()
	wg.Wait()

	_ = b.pub.Close()
	_ = b.pull.Close()
	b.logger.Info("work bridge stopped",
		"units_published", b.published.Load(),
		"shares_submitted", b.submitted.Load(),
	)
	return ctx.Err()
}

func (b *Bridge) publishLoop(ctx context.Context) {
	var seen uint64
	for {
		gen, err := b.session.Jobs().Wait(ctx, seen)
		if err != nil {
			return
		}
		seen = gen

		for {
			job, ok := b.session.PopJob()
			if !ok {
				break
			}
			if err := b.Publish(job); err != nil {
				b.logger.WithError(err).WithJob(job.ID).Error("failed to publish work")
			}
		}
	}
}

// Publish sends one work unit per worker range for job
func (b *Bridge) Publish(job *stratum.Job) error {
	sub := b.session.Subscription()
	mask := b.session.VersionMask()
	diff := b.session.Difficulty()

	for _, r := range b.nonces.Ranges() {
		cursor, err := b.nonces.Next(r.Worker)
		if err != nil {
			return err
		}
		unit := WorkUnit{
			JobID:           job.ID,
			PrevHash:        job.PrevHash,
			Coinb1:          job.Coinb1,
			Coinb2:          job.Coinb2,
			MerkleBranch:    job.MerkleBranch,
			Version:         job.Version,
			NBits:           job.NBits,
			NTime:           job.NTime,
			CleanJobs:       job.CleanJobs,
			Extranonce1:     sub.Extranonce1,
			Extranonce2:     b.session.NextExtranonce2(),
			Extranonce2Size: sub.Extranonce2Size,
			Worker:          r.Worker,
			NonceStart:      r.Start,
			NonceEnd:        r.End,
			NonceCursor:     cursor,
			VersionMask:     mask,
			Difficulty:      diff,
		}
		data, err := sonic.Marshal(&unit)
		if err != nil {
			return fmt.Errorf("failed to marshal work unit: %w", err)
		}
		if _, err := b.pub.SendMessage(TopicWork, data); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "publish_work", "send failed").
				WithContext("worker", r.Worker)
		}
		b.published.Add(1)
		b.logger.Debug("work published", "job_id", job.ID, "worker_id", r.Worker, "size", len(data))
	}
	return nil
}

func (b *Bridge) receiveLoop(ctx context.Context) {
	swg := sizedwaitgroup.New(b.concurrency)
	defer swg.Wait()

	for ctx.Err() == nil {
		msg, err := b.pull.RecvMessageBytes(0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			b.logger.WithError(err).Error("failed to receive share")
			continue
		}
		if len(msg) == 0 {
			continue
		}

		var share ShareSubmission
		if err := sonic.Unmarshal(msg[len(msg)-1], &share); err != nil {
			b.logger.WithError(err).Warn("dropping malformed share", "size", len(msg[len(msg)-1]))
			continue
		}
		if err := b.validate(share); err != nil {
			b.invalid.Add(1)
			b.logger.WithError(err).WithWorker(uint32(share.Worker)).Warn("dropping invalid share", "job_id", share.JobID)
			continue
		}

		if err := swg.AddWithContext(ctx); err != nil {
			return
		}
		go func() {
			defer swg.Done()
			b.submit(ctx, share)
		}()
	}
}

func (b *Bridge) submit(ctx context.Context, share ShareSubmission) {
	var (
		res stratum.ShareResult
		err error
	)
	if share.Nonce != nil {
		res, err = b.session.Submit(ctx, share.JobID, share.Extranonce2, share.NTime, *share.Nonce, share.Version)
	} else {
		res, err = b.session.SubmitForWorker(ctx, share.Worker, share.JobID, share.Extranonce2, share.NTime, share.Version)
	}
	b.submitted.Add(1)

	logger := b.logger.WithWorker(uint32(share.Worker)).WithJob(share.JobID)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("share got no verdict")
		}
		if b.handler != nil {
			b.handler.HandleEvent(ctx, stratum.Event{
				Type:  stratum.EventPoolError,
				Time:  time.Now(),
				Share: &res,
				Err:   err,
			})
		}
		return
	}
	logger.Debug("share answered", "accepted", res.Accepted, "nonce", res.Nonce, "latency", res.Latency)
}

// Published returns how many work units have been sent
func (b *Bridge) Published() uint64 {
	return b.published.Load()
}

// Submitted returns how many shares have been passed to the session
func (b *Bridge) Submitted() uint64 {
	return b.submitted.Load()
}

// Invalid returns how many received shares failed validation
func (b *Bridge) Invalid() uint64 {
	return b.invalid.Load()
}

func isTimeout(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}
