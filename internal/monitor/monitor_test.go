package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/stratum"
)

type memorySink struct {
	name string
	err  error

	mu     sync.Mutex
	events []stratum.Event
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Record(ctx context.Context, ev stratum.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMonitor_FansOutToEverySink(t *testing.T) {
	good := &memorySink{name: "good"}
	bad := &memorySink{name: "bad", err: errors.New("unreachable")}
	m := New(Config{Workers: 2, QueueSize: 8}, nil, good, bad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for range 3 {
		m.HandleEvent(ctx, stratum.Event{Type: stratum.EventDifficulty, Difficulty: 8})
	}
	waitFor(t, func() bool { return good.count() == 3 && bad.count() == 3 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}

	want := Stats{Queued: 3, Recorded: 3, Failed: 3}
	if got := m.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
	for _, ev := range good.events {
		if ev.Time.IsZero() {
			t.Error("event recorded without a timestamp")
		}
	}
}

func TestMonitor_DropsWhenFull(t *testing.T) {
	m := New(Config{QueueSize: 2}, nil, &memorySink{name: "s"})
	for range 5 {
		m.HandleEvent(context.Background(), stratum.Event{Type: stratum.EventJob})
	}
	if got := m.Stats(); got.Queued != 2 || got.Dropped != 3 {
		t.Errorf("Stats() = %+v, want 2 queued 3 dropped", got)
	}
}

func TestMonitor_NoSinks(t *testing.T) {
	m := New(Config{QueueSize: 1}, nil)
	m.HandleEvent(context.Background(), stratum.Event{Type: stratum.EventJob})
	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}
}
