package redis

import (
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/stratum"
)

func TestStatusKey(t *testing.T) {
	if got := StatusKey("rig-7"); got != "miner:rig-7:status" {
		t.Errorf("StatusKey() = %q", got)
	}
}

func TestNewStatusStore_DefaultTTL(t *testing.T) {
	s := NewStatusStore(nil, "rig", 0)
	if s.ttl != 2*time.Minute {
		t.Errorf("ttl = %v, want 2m", s.ttl)
	}
	if s.Name() != "redis" {
		t.Errorf("Name() = %q", s.Name())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() without connection error = %v", err)
	}
}

func TestStatusFields(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stats := stratum.Stats{Accepted: 10, Rejected: 2, LastLatency: 85 * time.Millisecond}
	base := func(event string) map[string]any {
		return map[string]any{
			"last_event": event,
			"updated_at": "2024-05-01T12:00:00Z",
			"accepted":   "10",
			"rejected":   "2",
		}
	}
	with := func(m map[string]any, kv ...string) map[string]any {
		for i := 0; i < len(kv); i += 2 {
			m[kv[i]] = kv[i+1]
		}
		return m
	}

	tests := []struct {
		name string
		ev   stratum.Event
		want map[string]any
	}{
		{
			name: "connected",
			ev:   stratum.Event{Type: stratum.EventConnected, Endpoint: "fallback"},
			want: with(base("connected"), "state", "connected", "endpoint", "fallback"),
		},
		{
			name: "disconnected",
			ev:   stratum.Event{Type: stratum.EventDisconnected, Endpoint: "fallback"},
			want: with(base("disconnected"), "state", "disconnected"),
		},
		{
			name: "job",
			ev:   stratum.Event{Type: stratum.EventJob, Job: &stratum.Job{ID: "1a"}, Difficulty: 16384},
			want: with(base("job"), "job_id", "1a", "difficulty", "16384"),
		},
		{
			name: "fractional difficulty",
			ev:   stratum.Event{Type: stratum.EventDifficulty, Difficulty: 0.5},
			want: with(base("difficulty"), "difficulty", "0.5"),
		},
		{
			name: "version mask",
			ev:   stratum.Event{Type: stratum.EventVersionMask, VersionMask: 0x1fffe000},
			want: with(base("version_mask"), "version_mask", "1fffe000"),
		},
		{
			name: "share",
			ev:   stratum.Event{Type: stratum.EventShareResult},
			want: with(base("share_result"), "last_latency_ms", "85"),
		},
		{
			name: "authorized",
			ev:   stratum.Event{Type: stratum.EventAuthorized, Authorized: true},
			want: with(base("authorized"), "authorized", "true"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Time = ts
			tt.ev.Stats = stats
			if got := StatusFields(tt.ev); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("StatusFields() = %v, want %v", got, tt.want)
			}
		})
	}
}
