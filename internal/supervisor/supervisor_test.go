package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/stratum"
)

// poolTransport is an in-memory transport. A failing one refuses Connect;
// otherwise it answers subscribe and then reports a dropped connection
// once lines runs dry.
type poolTransport struct {
	fail bool

	mu        sync.Mutex
	connected bool
	lines     []string
	lastIO    time.Time
}

func (p *poolTransport) Connect(ctx context.Context) error {
	if p.fail {
		return errors.New("connection refused")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.lastIO = time.Now()
	return nil
}

func (p *poolTransport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *poolTransport) ReadLine(timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lines) == 0 {
		p.connected = false
		return "", errors.New("connection reset by peer")
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	p.lastIO = time.Now()
	return line, nil
}

func (p *poolTransport) Write(line string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastIO = time.Now()
	return len(line), nil
}

func (p *poolTransport) LastRead() time.Time  { return p.lastSeen() }
func (p *poolTransport) LastWrite() time.Time { return p.lastSeen() }

func (p *poolTransport) lastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIO
}

func (p *poolTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []stratum.Event
}

func (r *recorder) HandleEvent(ctx context.Context, ev stratum.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []stratum.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stratum.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type probeFunc func(ctx context.Context) bool

func (f probeFunc) Available(ctx context.Context) bool { return f(ctx) }

var (
	primary  = Endpoint{Name: "primary", Addr: "pool-a:3333", Credentials: stratum.Credentials{User: "a"}}
	fallback = Endpoint{Name: "fallback", Addr: "pool-b:3333", Credentials: stratum.Credentials{User: "b"}}
)

func testConfig() Config {
	return Config{
		FailoverAfter:     5,
		ReconnectDelay:    time.Millisecond,
		NetworkMaxRetries: 3,
		Dispatch: stratum.DispatcherConfig{
			HelloInterval:     time.Minute,
			InactivityTimeout: 2 * time.Minute,
			ReadPoll:          time.Millisecond,
		},
	}
}

func newSession() *stratum.Session {
	return stratum.NewSession(stratum.SessionConfig{
		SubscribeTimeout: 200 * time.Millisecond,
		ReadPoll:         time.Millisecond,
	}, nil, stratum.Credentials{}, nil, nil)
}

func TestRecordFailure_TogglesEveryFiveFailures(t *testing.T) {
	s := New(testConfig(), primary, fallback, newSession(), nil, nil, nil, nil)

	var sequence []string
	for range 15 {
		sequence = append(sequence, s.Active().Name)
		s.RecordFailure()
	}

	for i, name := range sequence {
		want := "primary"
		if (i/5)%2 == 1 {
			want = "fallback"
		}
		if name != want {
			t.Errorf("attempt %d used %s, want %s", i+1, name, want)
		}
	}
}

func TestRecordSuccess_ResetsStreak(t *testing.T) {
	s := New(testConfig(), primary, fallback, newSession(), nil, nil, nil, nil)
	for range 4 {
		s.RecordFailure()
	}
	s.RecordSuccess()
	if s.Failures() != 0 || s.Connections() != 1 {
		t.Errorf("failures %d connections %d", s.Failures(), s.Connections())
	}
	for range 4 {
		if s.RecordFailure() {
			t.Fatal("switched before a full streak after success")
		}
	}
	if s.Active().Name != "primary" {
		t.Errorf("Active() = %s", s.Active().Name)
	}
}

func TestNew_FallbackDefaultsToPrimary(t *testing.T) {
	s := New(testConfig(), primary, Endpoint{Name: "fallback"}, newSession(), nil, nil, nil, nil)
	for range 5 {
		s.RecordFailure()
	}
	got := s.Active()
	if got.Name != "fallback" || got.Addr != primary.Addr || got.Credentials != primary.Credentials {
		t.Errorf("Active() = %+v", got)
	}
}

func TestRun_FailsOverBetweenPools(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func(ep Endpoint) stratum.Transport {
		mu.Lock()
		attempts = append(attempts, ep.Name)
		if len(attempts) == 11 {
			cancel()
		}
		mu.Unlock()
		return &poolTransport{fail: true}
	}

	rec := &recorder{}
	s := New(testConfig(), primary, fallback, newSession(), dial, nil, rec, nil)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"primary", "primary", "primary", "primary", "primary",
		"fallback", "fallback", "fallback", "fallback", "fallback",
		"primary",
	}
	if len(attempts) < len(want) {
		t.Fatalf("only %d attempts", len(attempts))
	}
	for i, name := range want {
		if attempts[i] != name {
			t.Errorf("attempt %d went to %s, want %s", i+1, attempts[i], name)
		}
	}

	failovers := 0
	for _, typ := range rec.types() {
		if typ == stratum.EventFailover {
			failovers++
		}
	}
	if failovers != 2 {
		t.Errorf("saw %d failover events, want 2", failovers)
	}
}

func TestRun_ConnectsAndReconnects(t *testing.T) {
	session := newSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dials int
	var mu sync.Mutex
	dial := func(ep Endpoint) stratum.Transport {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 2 {
			cancel()
		}
		return &poolTransport{lines: []string{
			`{"id":1,"result":[null,"abcd1234",4]}`,
			`{"id":null,"method":"mining.notify","params":["j1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`,
		}}
	}

	rec := &recorder{}
	s := New(testConfig(), primary, fallback, session, dial, nil, rec, nil)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}

	types := rec.types()
	if len(types) < 3 {
		t.Fatalf("events = %v", types)
	}
	want := []stratum.EventType{stratum.EventConnected, stratum.EventJob, stratum.EventDisconnected}
	for i, typ := range want {
		if types[i] != typ {
			t.Errorf("event %d = %s, want %s", i, types[i], typ)
		}
	}
	if s.Connections() < 1 {
		t.Error("Connections() = 0")
	}
	if s.Active().Name != "primary" {
		t.Errorf("a healthy pool should not trigger failover, active %s", s.Active().Name)
	}
}

func TestRun_NetworkUnrecoverable(t *testing.T) {
	var probes int
	probe := probeFunc(func(ctx context.Context) bool {
		probes++
		return false
	})
	dial := func(ep Endpoint) stratum.Transport {
		t.Error("dialled the pool with the network down")
		return &poolTransport{fail: true}
	}

	s := New(testConfig(), primary, fallback, newSession(), dial, probe, nil, nil)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrNetworkUnrecoverable) {
		t.Fatalf("Run() = %v, want ErrNetworkUnrecoverable", err)
	}
	if probes != 3 {
		t.Errorf("probed %d times, want 3", probes)
	}
}

func TestRun_NetworkRecovers(t *testing.T) {
	var probes int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := probeFunc(func(ctx context.Context) bool {
		probes++
		return probes > 2
	})
	dial := func(ep Endpoint) stratum.Transport {
		cancel()
		return &poolTransport{fail: true}
	}

	s := New(testConfig(), primary, fallback, newSession(), dial, probe, nil, nil)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}
	if probes != 3 {
		t.Errorf("probed %d times, want 3", probes)
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	addr := ln.Addr().String()

	if !(TCPProbe{Addr: addr, Timeout: time.Second}).Available(context.Background()) {
		t.Error("Available() = false for a listening address")
	}
	_ = ln.Close()
	if (TCPProbe{Addr: addr, Timeout: time.Second}).Available(context.Background()) {
		t.Error("Available() = true for a closed address")
	}
}
