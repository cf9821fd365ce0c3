package stratum

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// State is a handshake state
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateAuthorizing
	StateConfiguringVersionRolling
	StateOperational
	// StateFaulted is left only through Reset
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateConfiguringVersionRolling:
		return "configuring_version_rolling"
	case StateOperational:
		return "operational"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// maxBacklog bounds lines queued while subscribe waits for its reply
const maxBacklog = 64

// Credentials authorize a worker on a pool
type Credentials struct {
	User     string
	Password string
}

// NonceSource hands out per-worker nonces and rewinds them on reset
type NonceSource interface {
	Next(worker int) (uint32, error)
	ResetAll()
}

// SessionConfig configures a Session
type SessionConfig struct {
	Agent            string
	Difficulty       float64
	JobCacheSize     int
	PendingCap       int
	SubscribeTimeout time.Duration
	SubmitTimeout    time.Duration
	ReadPoll         time.Duration
}

func (c *SessionConfig) setDefaults() {
	if c.Agent == "" {
		c.Agent = "gomp-miner/1.0"
	}
	if c.Difficulty <= 0 {
		c.Difficulty = 1
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 20 * time.Second
	}
	if c.ReadPoll <= 0 {
		c.ReadPoll = 100 * time.Millisecond
	}
}

// Session is one Stratum client session: the handshake state machine plus
// the pending table, job cache, subscription and nonce state it owns.
// Everything except share counters is discarded on Reset.
type Session struct {
	cfg    SessionConfig
	logger *log.Logger
	nonces NonceSource

	pending *PendingTable
	jobs    *JobCache
	sub     Subscription

	jobReady  *Broadcaster
	cleanJobs *Broadcaster

	mu               sync.Mutex
	transport        Transport
	endpoint         string
	creds            Credentials
	state            State
	difficulty       float64
	versionMask      uint32
	suggestSupported bool
	authorized       bool
	resetCh          chan struct{}
	backlog          []string

	statsMu sync.Mutex
	stats   Stats
}

// NewSession creates a disconnected session. transport may be nil until Rebind.
func NewSession(cfg SessionConfig, transport Transport, creds Credentials, nonces NonceSource, logger *log.Logger) *Session {
	cfg.setDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	return &Session{
		cfg:              cfg,
		logger:           logger.WithComponent("session"),
		nonces:           nonces,
		pending:          NewPendingTable(cfg.PendingCap),
		jobs:             NewJobCache(cfg.JobCacheSize),
		jobReady:         NewBroadcaster(),
		cleanJobs:        NewBroadcaster(),
		transport:        transport,
		creds:            creds,
		state:            StateDisconnected,
		difficulty:       cfg.Difficulty,
		versionMask:      FullVersionMask,
		suggestSupported: true,
		resetCh:          make(chan struct{}),
	}
}

// Reset discards all per-connection state and returns to Disconnected. It
// wakes any Submit blocked on a response.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = StateDisconnected
	s.difficulty = s.cfg.Difficulty
	s.versionMask = FullVersionMask
	s.suggestSupported = true
	s.authorized = false
	s.backlog = nil
	close(s.resetCh)
	s.resetCh = make(chan struct{})
	s.mu.Unlock()

	s.pending.Reset()
	s.jobs.Clear()
	s.sub.Reset()
	if s.nonces != nil {
		s.nonces.ResetAll()
	}
}

// Rebind resets the session onto a new transport and credentials
func (s *Session) Rebind(transport Transport, endpoint string, creds Credentials) {
	s.Reset()
	s.mu.Lock()
	s.transport = transport
	s.endpoint = endpoint
	s.creds = creds
	s.mu.Unlock()
}

// Fault moves the session to Faulted
func (s *Session) Fault() {
	s.mu.Lock()
	s.state = StateFaulted
	s.mu.Unlock()
}

// State returns the handshake state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the name of the endpoint the session is bound to
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) conn() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) expect(want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return fmt.Errorf("%w: in %s, want %s", ErrInvalidState, s.state, want)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// writeLine sends one encoded line; anything short of the full line is a
// transport failure
func (s *Session) writeLine(line string) error {
	t := s.conn()
	if t == nil || !t.IsConnected() {
		return ErrNotConnected
	}
	s.logger.LogStratumMessage("send", line)
	n, err := t.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return errors.Wrap(ErrWriteFailed, errors.ErrorTypeNetwork, "pool_write", "short write").
			WithContext("written", n).
			WithContext("expected", len(line))
	}
	return nil
}

// send registers a request and writes it. The registration is dropped if
// the write fails.
func (s *Session) send(method, jobID string, nonce uint32, params []any) (int64, <-chan struct{}, error) {
	id := s.pending.NextID()
	line, err := encodeRequest(id, method, params)
	if err != nil {
		return 0, nil, errors.Wrap(err, errors.ErrorTypeInternal, method, "encode request")
	}
	done, err := s.pending.register(id, method, jobID, nonce)
	if err != nil {
		return 0, nil, err
	}
	if err := s.writeLine(line); err != nil {
		_ = s.pending.Remove(id)
		return 0, nil, errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to send request").
			WithContext("id", id)
	}
	return id, done, nil
}

// Subscribe sends mining.subscribe and waits, bounded by the subscribe
// timeout, for its reply. Unrelated lines received meanwhile are queued for
// ListenMethods.
func (s *Session) Subscribe(ctx context.Context) error {
	if err := s.expect(StateDisconnected); err != nil {
		return err
	}
	s.setState(StateSubscribing)
	s.sub.Reset()

	id, _, err := s.send(MethodSubscribe, "", 0, subscribeParams(s.cfg.Agent))
	if err != nil {
		s.Fault()
		return err
	}

	deadline := time.Now().Add(s.cfg.SubscribeTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			s.Fault()
			return err
		}

		line, err := s.conn().ReadLine(s.cfg.ReadPoll)
		if err != nil {
			s.Fault()
			return errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe", "read failed")
		}
		if line == "" {
			continue
		}
		s.logger.LogStratumMessage("recv", line)

		msg := Classify(line)
		if msg.ID != id || (msg.Kind != KindSuccess && msg.Kind != KindError) {
			s.queue(line)
			continue
		}

		if msg.Kind == KindError {
			perr := msg.ResponseError()
			_ = s.pending.Reject(id, perr)
			s.Fault()
			return errors.Wrap(perr, errors.ErrorTypeProtocol, "subscribe", "pool refused subscription")
		}

		en1, size, err := msg.SubscribeResult()
		if err == nil {
			err = s.sub.Set(en1, size)
		}
		if err != nil {
			s.Fault()
			return errors.Wrap(err, errors.ErrorTypeParse, "subscribe", "bad subscribe result").
				WithContext("raw", line)
		}
		_ = s.pending.Complete(id)

		s.setState(StateAuthorizing)
		s.logger.Info("subscribed",
			"extranonce1", en1,
			"extranonce2_size", size,
		)
		return nil
	}

	s.Fault()
	return errors.Wrap(ErrSubscribeTimeout, errors.ErrorTypeTimeout, "subscribe", "no response").
		WithContext("timeout", s.cfg.SubscribeTimeout.String())
}

func (s *Session) queue(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) >= maxBacklog {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, line)
}

// Authorize sends mining.authorize. The outcome is applied when the
// response reaches Apply.
func (s *Session) Authorize() error {
	if err := s.expect(StateAuthorizing); err != nil {
		return err
	}
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	if _, _, err := s.send(MethodAuthorize, "", 0, authorizeParams(creds.User, creds.Password)); err != nil {
		s.Fault()
		return err
	}
	s.setState(StateConfiguringVersionRolling)
	return nil
}

// ConfigureVersionRolling asks for the full version-rolling mask. The
// granted mask is applied when the response reaches Apply.
func (s *Session) ConfigureVersionRolling() error {
	if err := s.expect(StateConfiguringVersionRolling); err != nil {
		return err
	}
	if _, _, err := s.send(MethodConfigure, "", 0, configureParams()); err != nil {
		s.Fault()
		return err
	}
	s.setState(StateOperational)
	return nil
}

// SuggestDifficulty sends the current difficulty unless the pool has
// refused the method before
func (s *Session) SuggestDifficulty() error {
	s.mu.Lock()
	supported, diff := s.suggestSupported, s.difficulty
	s.mu.Unlock()

	if !supported {
		return nil
	}
	_, _, err := s.send(MethodSuggestDifficulty, "", 0, suggestDifficultyParams(diff))
	return err
}

// Handshake runs subscribe, authorize, configure and suggest_difficulty in order
func (s *Session) Handshake(ctx context.Context) error {
	if err := s.Subscribe(ctx); err != nil {
		return err
	}
	if err := s.Authorize(); err != nil {
		return err
	}
	if err := s.ConfigureVersionRolling(); err != nil {
		return err
	}
	if err := s.SuggestDifficulty(); err != nil {
		s.Fault()
		return err
	}
	return nil
}

// Hello is the keep-alive and liveness check. It prunes the pending table,
// resends suggest_difficulty when nothing was written for helloInterval, and
// declares the pool dead when nothing was read for inactivity. Either
// failure resets the session and closes the transport.
func (s *Session) Hello(helloInterval, inactivity time.Duration) error {
	s.pending.Prune()

	t := s.conn()
	if t == nil || !t.IsConnected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	supported := s.suggestSupported
	s.mu.Unlock()

	if supported && time.Since(t.LastWrite()) >= helloInterval {
		if err := s.SuggestDifficulty(); err != nil {
			s.teardown()
			return errors.Wrap(err, errors.ErrorTypeNetwork, "hello", "keep-alive failed")
		}
	}

	if idle := time.Since(t.LastRead()); idle >= inactivity {
		s.logger.Warn("pool inactive", "idle", log.Elapsed(idle))
		s.teardown()
		return errors.Wrap(ErrPoolInactive, errors.ErrorTypeLiveness, "hello", "nothing received from pool").
			WithContext("idle", idle.String())
	}
	return nil
}

func (s *Session) teardown() {
	t := s.conn()
	s.Reset()
	if t != nil {
		_ = t.Close()
	}
}

// SubmitStalled reports whether the pool has stopped answering submits
func (s *Session) SubmitStalled() bool {
	return s.pending.SubmitStalled()
}

// Submit sends mining.submit and blocks until the pool answers, the submit
// timeout passes, ctx is done or the session is reset. A nil error means a
// response arrived; ShareResult.Accepted carries the verdict.
func (s *Session) Submit(ctx context.Context, jobID, extranonce2 string, ntime, nonce, version uint32) (ShareResult, error) {
	res := ShareResult{JobID: jobID, Nonce: nonce}

	s.mu.Lock()
	user, resetCh, state := s.creds.User, s.resetCh, s.state
	s.mu.Unlock()

	if state != StateOperational {
		return res, fmt.Errorf("%w: submit in %s", ErrInvalidState, state)
	}

	id, done, err := s.send(MethodSubmit, jobID, nonce, submitParams(user, jobID, extranonce2, ntime, nonce, version))
	if err != nil {
		return res, err
	}
	res.RequestID = id

	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-resetCh:
		return res, ErrSessionReset
	case <-timer.C:
		return res, errors.Wrap(ErrSubmitTimeout, errors.ErrorTypeTimeout, "submit", "no response").
			WithContext("id", id).
			WithContext("job_id", jobID)
	case <-done:
	}

	req, ok := s.pending.outcome(id, done)
	if !ok || !req.Completed {
		// evicted by pruning or cleared by a reset
		return res, ErrSessionReset
	}
	res.Accepted = req.Accepted
	res.Err = req.Err
	res.Latency = req.Latency()
	return res, nil
}

// SubmitForWorker draws the nonce from worker's range and submits it
func (s *Session) SubmitForWorker(ctx context.Context, worker int, jobID, extranonce2 string, ntime, version uint32) (ShareResult, error) {
	if s.nonces == nil {
		return ShareResult{JobID: jobID}, fmt.Errorf("%w: no nonce allocator", ErrInvalidState)
	}
	nonce, err := s.nonces.Next(worker)
	if err != nil {
		return ShareResult{JobID: jobID}, err
	}
	return s.Submit(ctx, jobID, extranonce2, ntime, nonce, version)
}

// ListenMethods returns the next incoming message, queued backlog first.
// An empty read comes back as KindParseError with NoID and a nil error.
func (s *Session) ListenMethods(timeout time.Duration) (Message, error) {
	s.mu.Lock()
	if len(s.backlog) > 0 {
		line := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
		return Classify(line), nil
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return Message{ID: NoID, Kind: KindParseError}, ErrNotConnected
	}
	line, err := t.ReadLine(timeout)
	if err != nil {
		return Message{ID: NoID, Kind: KindParseError}, err
	}
	if line != "" {
		s.logger.LogStratumMessage("recv", line)
	}
	return Classify(line), nil
}

// Apply updates session state from a classified message and describes the
// change as an Event. A nil Event with a nil error means nothing to report.
func (s *Session) Apply(msg Message) (*Event, error) {
	now := time.Now()
	ev := &Event{Time: now, Endpoint: s.Endpoint()}

	switch msg.Kind {
	case KindParseError:
		if msg.Raw == "" {
			return nil, nil
		}
		return nil, errors.New(errors.ErrorTypeParse, "classify", "malformed message").
			WithContext("raw", msg.Raw)

	case KindNotify:
		job, err := msg.Notify()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "notify", "bad notify")
		}
		job.ReceivedAt = now
		if job.CleanJobs {
			s.jobs.Clear()
			if s.nonces != nil {
				s.nonces.ResetAll()
			}
			s.cleanJobs.Notify()
		}
		s.jobs.Push(job)
		s.jobReady.Notify()

		s.mu.Lock()
		ev.Difficulty, ev.VersionMask = s.difficulty, s.versionMask
		s.mu.Unlock()
		ev.Type, ev.Job = EventJob, job
		return ev, nil

	case KindSetDifficulty:
		diff, err := msg.Difficulty()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "set_difficulty", "bad difficulty")
		}
		s.mu.Lock()
		s.difficulty = diff
		s.mu.Unlock()
		ev.Type, ev.Difficulty = EventDifficulty, diff
		return ev, nil

	case KindSetVersionMask:
		mask, ok, err := msg.VersionMask()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "set_version_mask", "bad mask")
		}
		if !ok {
			s.logger.Warn("version mask not found in params")
		}
		s.setVersionMask(mask)
		ev.Type, ev.VersionMask = EventVersionMask, mask
		return ev, nil

	case KindSetExtranonce:
		en1, size, err := msg.Extranonce()
		if err == nil {
			err = s.sub.Set(en1, size)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "set_extranonce", "bad extranonce")
		}
		ev.Type, ev.Extranonce1, ev.Extranonce2Size = EventExtranonce, en1, size
		return ev, nil

	case KindSuccess:
		return s.applySuccess(msg, ev)

	case KindError:
		return s.applyError(msg, ev)

	default:
		return nil, nil
	}
}

func (s *Session) lookupResponse(msg Message) (PendingRequest, error) {
	req, ok := s.pending.Lookup(msg.ID)
	if !ok {
		return req, errors.Wrap(ErrRequestNotFound, errors.ErrorTypeProtocol, "response", "uncorrelated response").
			WithContext("id", msg.ID)
	}
	return req, nil
}

func (s *Session) applySuccess(msg Message, ev *Event) (*Event, error) {
	if msg.ID == NoID {
		return nil, nil
	}
	req, err := s.lookupResponse(msg)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case MethodSubmit:
		accepted := msg.ResultTrue()
		_ = s.pending.Resolve(msg.ID, accepted, nil)
		return s.shareEvent(ev, req, accepted, nil), nil

	case MethodConfigure:
		_ = s.pending.Complete(msg.ID)
		_ = s.pending.Remove(msg.ID)
		mask, granted, err := msg.ConfigureResult()
		if err != nil {
			s.logger.WithError(err).Warn("configure response unreadable, using full mask")
		} else if !granted {
			s.logger.Warn("version rolling not supported by pool")
		}
		s.setVersionMask(mask)
		ev.Type, ev.VersionMask = EventVersionMask, mask
		return ev, nil

	case MethodAuthorize:
		ok := msg.ResultTrue()
		_ = s.pending.Complete(msg.ID)
		s.mu.Lock()
		s.authorized = ok
		s.mu.Unlock()
		ev.Type, ev.Authorized = EventAuthorized, ok
		return ev, nil

	default:
		_ = s.pending.Complete(msg.ID)
		return nil, nil
	}
}

func (s *Session) applyError(msg Message, ev *Event) (*Event, error) {
	perr := msg.ResponseError()
	if msg.ID == NoID {
		ev.Type, ev.Err = EventPoolError, perr
		return ev, nil
	}
	req, err := s.lookupResponse(msg)
	if err != nil {
		return nil, err
	}
	_ = s.pending.Reject(msg.ID, perr)

	switch req.Method {
	case MethodSubmit:
		return s.shareEvent(ev, req, false, perr), nil

	case MethodAuthorize:
		s.mu.Lock()
		s.authorized = false
		s.mu.Unlock()
		ev.Type, ev.Authorized, ev.Err = EventAuthorized, false, perr
		return ev, nil

	case MethodSuggestDifficulty:
		s.mu.Lock()
		s.suggestSupported = false
		s.mu.Unlock()
		s.logger.Warn("pool does not support suggest_difficulty", "error", perr.Message)
		return nil, nil

	case MethodConfigure:
		s.setVersionMask(FullVersionMask)
		ev.Type, ev.VersionMask = EventVersionMask, FullVersionMask
		return ev, nil

	default:
		ev.Type, ev.Err = EventPoolError, perr
		return ev, nil
	}
}

func (s *Session) shareEvent(ev *Event, req PendingRequest, accepted bool, perr *Error) *Event {
	latency := time.Since(req.IssuedAt)
	if resolved, ok := s.pending.Lookup(req.ID); ok && resolved.Completed {
		latency = resolved.Latency()
	}

	s.statsMu.Lock()
	if accepted {
		s.stats.Accepted++
	} else {
		s.stats.Rejected++
	}
	s.stats.LastLatency = latency
	stats := s.stats
	s.statsMu.Unlock()

	s.logger.LogShareResult(req.JobID, accepted, latency, stats.Accepted+stats.Rejected)

	ev.Type = EventShareResult
	ev.Share = &ShareResult{RequestID: req.ID, JobID: req.JobID, Nonce: req.Nonce, Accepted: accepted, Err: perr, Latency: latency}
	ev.Stats = stats
	return ev
}

func (s *Session) setVersionMask(mask uint32) {
	s.mu.Lock()
	s.versionMask = mask
	s.mu.Unlock()
}

// Difficulty returns the current pool difficulty
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// VersionMask returns the version-rolling mask in force
func (s *Session) VersionMask() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionMask
}

// SuggestSupported reports whether suggest_difficulty is still being sent
func (s *Session) SuggestSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestSupported
}

// Authorized reports the last authorize verdict
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Subscribed reports whether a subscribe response has been applied
func (s *Session) Subscribed() bool {
	return s.sub.Subscribed()
}

// Subscription returns the extranonce fields
func (s *Session) Subscription() SubscriptionInfo {
	return s.sub.Info()
}

// NextExtranonce2 advances and returns the extranonce2 counter
func (s *Session) NextExtranonce2() string {
	return s.sub.NextExtranonce2()
}

// PopJob takes the oldest cached job
func (s *Session) PopJob() (*Job, bool) {
	return s.jobs.Pop()
}

// JobCount returns the number of cached jobs
func (s *Session) JobCount() int {
	return s.jobs.Len()
}

// Jobs is signalled on every new job
func (s *Session) Jobs() *Broadcaster {
	return s.jobReady
}

// CleanJobs is signalled whenever the pool invalidates earlier jobs
func (s *Session) CleanJobs() *Broadcaster {
	return s.cleanJobs
}

// Stats returns share counters
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// IsReset reports whether err means the session was reset under the caller
func IsReset(err error) bool {
	return stderrors.Is(err, ErrSessionReset)
}
