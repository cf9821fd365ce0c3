package workbridge

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomp-miner/internal/nonce"
	"github.com/bardlex/gomp-miner/internal/stratum"
)

type fakePub struct {
	mu     sync.Mutex
	sent   [][]byte
	topics []string
	err    error
	closed bool
}

func (p *fakePub) SendMessage(parts ...any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.topics = append(p.topics, parts[0].(string))
	p.sent = append(p.sent, parts[1].([]byte))
	return len(parts), nil
}

func (p *fakePub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePub) units(t *testing.T) []WorkUnit {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkUnit, len(p.sent))
	for i, data := range p.sent {
		if err := sonic.Unmarshal(data, &out[i]); err != nil {
			t.Fatalf("unit %d: %v", i, err)
		}
	}
	return out
}

type fakePull struct {
	msgs   chan [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakePull() *fakePull {
	return &fakePull{msgs: make(chan [][]byte, 16), closed: make(chan struct{})}
}

func (p *fakePull) RecvMessageBytes(flags zmq.Flag) ([][]byte, error) {
	select {
	case msg := <-p.msgs:
		return msg, nil
	case <-time.After(5 * time.Millisecond):
		return nil, zmq.Errno(syscall.EAGAIN)
	}
}

func (p *fakePull) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type fakeSession struct {
	jobs *stratum.Broadcaster

	mu        sync.Mutex
	queue     []*stratum.Job
	en2       int
	submits   []ShareSubmission
	submitErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{jobs: stratum.NewBroadcaster()}
}

func (s *fakeSession) push(job *stratum.Job) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.mu.Unlock()
	s.jobs.Notify()
}

func (s *fakeSession) Jobs() *stratum.Broadcaster { return s.jobs }

func (s *fakeSession) PopJob() (*stratum.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, true
}

func (s *fakeSession) Subscription() stratum.SubscriptionInfo {
	return stratum.SubscriptionInfo{Extranonce1: "abcd1234", Extranonce2Size: 4}
}

func (s *fakeSession) NextExtranonce2() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.en2++
	return []string{"", "00000001", "00000002", "00000003", "00000004"}[s.en2%5]
}

func (s *fakeSession) VersionMask() uint32 { return 0x1fffe000 }
func (s *fakeSession) Difficulty() float64 { return 16 }

func (s *fakeSession) Submit(ctx context.Context, jobID, extranonce2 string, ntime, n, version uint32) (stratum.ShareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, ShareSubmission{JobID: jobID, Extranonce2: extranonce2, NTime: ntime, Nonce: &n, Version: version})
	return stratum.ShareResult{JobID: jobID, Nonce: n, Accepted: true}, s.submitErr
}

func (s *fakeSession) SubmitForWorker(ctx context.Context, worker int, jobID, extranonce2 string, ntime, version uint32) (stratum.ShareResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, ShareSubmission{Worker: worker, JobID: jobID, Extranonce2: extranonce2, NTime: ntime, Version: version})
	return stratum.ShareResult{JobID: jobID, Accepted: true}, s.submitErr
}

func (s *fakeSession) submissions() []ShareSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ShareSubmission(nil), s.submits...)
}

func newAllocator(t *testing.T, workers int) *nonce.Allocator {
	t.Helper()
	a := nonce.NewAllocator(nonce.Options{}, nil)
	if err := a.Configure(workers); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestPublish_OneUnitPerWorker(t *testing.T) {
	session := newFakeSession()
	alloc := newAllocator(t, 2)
	pub := &fakePub{}
	b := New(Config{}, session, alloc, pub, newFakePull(), nil, nil)

	job := &stratum.Job{ID: "j1", PrevHash: "prev", Coinb1: "c1", Coinb2: "c2", MerkleBranch: []string{"m"},
		Version: "20000000", NBits: "1800c29f", NTime: "5a54a978", CleanJobs: true}
	if err := b.Publish(job); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	units := pub.units(t)
	if len(units) != 2 {
		t.Fatalf("published %d units, want 2", len(units))
	}
	ranges := alloc.Ranges()
	for i, u := range units {
		if pub.topics[i] != TopicWork {
			t.Errorf("topic = %q", pub.topics[i])
		}
		if u.Worker != i || u.NonceStart != ranges[i].Start || u.NonceEnd != ranges[i].End {
			t.Errorf("unit %d range = %d [%d,%d]", i, u.Worker, u.NonceStart, u.NonceEnd)
		}
		if u.NonceCursor != ranges[i].Start {
			t.Errorf("unit %d cursor = %d, want %d", i, u.NonceCursor, ranges[i].Start)
		}
		if u.JobID != "j1" || u.Extranonce1 != "abcd1234" || u.VersionMask != 0x1fffe000 || u.Difficulty != 16 {
			t.Errorf("unit %d = %+v", i, u)
		}
	}
	if units[0].Extranonce2 == units[1].Extranonce2 {
		t.Error("workers share an extranonce2")
	}
	if b.Published() != 2 {
		t.Errorf("Published() = %d", b.Published())
	}
}

func TestPublish_SendFailure(t *testing.T) {
	pub := &fakePub{err: errors.New("socket closed")}
	b := New(Config{}, newFakeSession(), newAllocator(t, 1), pub, newFakePull(), nil, nil)
	if err := b.Publish(&stratum.Job{ID: "j"}); err == nil {
		t.Error("Publish() expected error")
	}
}

func TestRun_PublishesJobsAndSubmitsShares(t *testing.T) {
	session := newFakeSession()
	pub := &fakePub{}
	pull := newFakePull()

	var mu sync.Mutex
	var failures []stratum.Event
	handler := stratum.EventHandlerFunc(func(ctx context.Context, ev stratum.Event) {
		mu.Lock()
		failures = append(failures, ev)
		mu.Unlock()
	})

	b := New(Config{Concurrency: 2}, session, newAllocator(t, 1), pub, pull, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	session.push(&stratum.Job{ID: "j1"})

	withNonce := []byte(`{"worker":0,"job_id":"j1","extranonce2":"00000001","ntime":1515497848,"nonce":48879,"version":536870912}`)
	withoutNonce := []byte(`{"worker":0,"job_id":"j1","extranonce2":"00000002","ntime":1515497848,"version":536870912}`)
	pull.msgs <- [][]byte{withNonce}
	pull.msgs <- [][]byte{[]byte("garbage")}
	pull.msgs <- [][]byte{[]byte("share"), withoutNonce}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(session.submissions()) == 2 && b.Published() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}

	subs := session.submissions()
	if len(subs) != 2 {
		t.Fatalf("submitted %d shares, want 2", len(subs))
	}
	var sawNonce, sawWorker bool
	for _, s := range subs {
		if s.Nonce != nil && *s.Nonce == 48879 && s.Extranonce2 == "00000001" {
			sawNonce = true
		}
		if s.Nonce == nil && s.Extranonce2 == "00000002" {
			sawWorker = true
		}
	}
	if !sawNonce || !sawWorker {
		t.Errorf("submissions = %+v", subs)
	}
	if b.Published() != 1 {
		t.Errorf("Published() = %d, want 1", b.Published())
	}
	if !pub.closed {
		t.Error("publisher not closed on shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 0 {
		t.Errorf("unexpected failure events: %+v", failures)
	}
}

func TestSubmit_ReportsMissingVerdict(t *testing.T) {
	session := newFakeSession()
	session.submitErr = stratum.ErrSubmitTimeout

	events := make(chan stratum.Event, 1)
	handler := stratum.EventHandlerFunc(func(ctx context.Context, ev stratum.Event) {
		events <- ev
	})
	b := New(Config{}, session, newAllocator(t, 1), &fakePub{}, newFakePull(), handler, nil)

	n := uint32(7)
	b.submit(context.Background(), ShareSubmission{JobID: "j1", Nonce: &n})

	select {
	case ev := <-events:
		if ev.Type != stratum.EventPoolError || !errors.Is(ev.Err, stratum.ErrSubmitTimeout) {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no event for a share without verdict")
	}
	if b.Submitted() != 1 {
		t.Errorf("Submitted() = %d", b.Submitted())
	}
}

func TestValidate(t *testing.T) {
	b := New(Config{}, newFakeSession(), newAllocator(t, 2), &fakePub{}, newFakePull(), nil, nil)
	valid := ShareSubmission{Worker: 1, JobID: "j1", Extranonce2: "0000000a", NTime: 1515497848}

	tests := []struct {
		name    string
		mutate  func(*ShareSubmission)
		wantErr bool
	}{
		{"valid", func(*ShareSubmission) {}, false},
		{"missing job", func(s *ShareSubmission) { s.JobID = "" }, true},
		{"negative worker", func(s *ShareSubmission) { s.Worker = -1 }, true},
		{"unknown worker", func(s *ShareSubmission) { s.Worker = 2 }, true},
		{"missing extranonce2", func(s *ShareSubmission) { s.Extranonce2 = "" }, true},
		{"extranonce2 not hex", func(s *ShareSubmission) { s.Extranonce2 = "zz00000a" }, true},
		{"extranonce2 wrong width", func(s *ShareSubmission) { s.Extranonce2 = "000a" }, true},
		{"missing ntime", func(s *ShareSubmission) { s.NTime = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share := valid
			tt.mutate(&share)
			if err := b.validate(share); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_DropsInvalidShares(t *testing.T) {
	session := newFakeSession()
	pull := newFakePull()
	b := New(Config{}, session, newAllocator(t, 1), &fakePub{}, pull, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	pull.msgs <- [][]byte{[]byte(`{"worker":3,"job_id":"j1","extranonce2":"00000001","ntime":1515497848}`)}

	deadline := time.Now().Add(2 * time.Second)
	for b.Invalid() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if b.Invalid() != 1 {
		t.Errorf("Invalid() = %d, want 1", b.Invalid())
	}
	if n := len(session.submissions()); n != 0 {
		t.Errorf("submitted %d invalid shares", n)
	}
}
