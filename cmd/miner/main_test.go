package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-miner/internal/config"
	"github.com/bardlex/gomp-miner/internal/database/influx"
	"github.com/bardlex/gomp-miner/internal/database/redis"
	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/internal/supervisor"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

func testConfig(addr string) *config.Config {
	cfg := config.Defaults()
	cfg.Primary = config.PoolConfig{Name: "primary", Addr: addr, User: "bc1qtest.rig1", Password: "x"}
	cfg.Fallback = cfg.Primary
	cfg.Fallback.Name = "fallback"
	cfg.Workers = 2
	cfg.ReadPoll = 10 * time.Millisecond
	cfg.SubscribeTimeout = time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.LogLevel = "error"
	return cfg
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, exitOK},
		{"signal", context.Canceled, exitOK},
		{"network", errors.Wrap(supervisor.ErrNetworkUnrecoverable, errors.ErrorTypeLiveness, "network_probe", "giving up"), exitNetwork},
		{"other", stderrors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEndpoints(t *testing.T) {
	cfg := testConfig("pool.example:3333")
	cfg.Fallback = config.PoolConfig{Name: "backup", Addr: "backup.example:443", TLS: true, User: "u", Password: "p"}

	primary, fallback := endpoints(cfg)
	wantPrimary := supervisor.Endpoint{
		Name:        "primary",
		Addr:        "pool.example:3333",
		Credentials: stratum.Credentials{User: "bc1qtest.rig1", Password: "x"},
	}
	wantFallback := supervisor.Endpoint{
		Name:        "backup",
		Addr:        "backup.example:443",
		TLS:         true,
		Credentials: stratum.Credentials{User: "u", Password: "p"},
	}
	if !reflect.DeepEqual(primary, wantPrimary) {
		t.Errorf("primary = %+v, want %+v", primary, wantPrimary)
	}
	if !reflect.DeepEqual(fallback, wantFallback) {
		t.Errorf("fallback = %+v, want %+v", fallback, wantFallback)
	}
}

func TestSessionAndSupervisorConfig(t *testing.T) {
	cfg := testConfig("pool.example:3333")

	wantSession := stratum.SessionConfig{
		Agent:            cfg.Agent,
		Difficulty:       1,
		JobCacheSize:     5,
		PendingCap:       100,
		SubscribeTimeout: time.Second,
		SubmitTimeout:    20 * time.Second,
		ReadPoll:         10 * time.Millisecond,
	}
	if got := sessionConfig(cfg); !reflect.DeepEqual(got, wantSession) {
		t.Errorf("sessionConfig() = %+v, want %+v", got, wantSession)
	}

	wantSupervisor := supervisor.Config{
		FailoverAfter:     5,
		ReconnectDelay:    20 * time.Millisecond,
		NetworkMaxRetries: 24,
		Dispatch: stratum.DispatcherConfig{
			HelloInterval:     30 * time.Second,
			InactivityTimeout: 60 * time.Second,
			ReadPoll:          10 * time.Millisecond,
		},
	}
	if got := supervisorConfig(cfg); !reflect.DeepEqual(got, wantSupervisor) {
		t.Errorf("supervisorConfig() = %+v, want %+v", got, wantSupervisor)
	}
}

func TestStoreConfig(t *testing.T) {
	cfg := testConfig("pool.example:3333")

	dc := storeConfig(cfg, "rig")
	if dc.Postgres != nil || dc.Redis != nil || dc.Influx != nil {
		t.Fatalf("storeConfig() enabled stores without addresses: %+v", dc)
	}

	cfg.PostgresURL = "postgres://miner@db/miner?sslmode=disable"
	cfg.RedisAddr = "cache:6379"
	cfg.InfluxURL = "http://tsdb:8086"
	cfg.InfluxToken = "token"
	dc = storeConfig(cfg, "rig")

	if dc.MinerID != "rig" {
		t.Errorf("MinerID = %q", dc.MinerID)
	}
	if dc.Postgres == nil || dc.Postgres.URL != cfg.PostgresURL {
		t.Errorf("Postgres = %+v", dc.Postgres)
	}
	wantRedis := &redis.Config{
		Addr:         "cache:6379",
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		StatusTTL:    2 * time.Minute,
	}
	if !reflect.DeepEqual(dc.Redis, wantRedis) {
		t.Errorf("Redis = %+v, want %+v", dc.Redis, wantRedis)
	}
	wantInflux := &influx.Config{URL: "http://tsdb:8086", Token: "token", Org: "gomp", Bucket: "mining"}
	if !reflect.DeepEqual(dc.Influx, wantInflux) {
		t.Errorf("Influx = %+v, want %+v", dc.Influx, wantInflux)
	}
}

func TestMinerID(t *testing.T) {
	cfg := testConfig("pool.example:3333")
	if got := minerID(cfg); got != "bc1qtest.rig1" {
		t.Errorf("minerID() = %q, want the pool user", got)
	}
	cfg.Primary.User = ""
	if got := minerID(cfg); got == "" {
		t.Error("minerID() empty without a pool user")
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	events []stratum.EventType
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev stratum.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev.Type)
	h.mu.Unlock()
}

func TestFanout(t *testing.T) {
	a, b := &recordingHandler{}, &recordingHandler{}
	f := fanout{newShareLogger(log.Nop()), a, b}

	f.HandleEvent(context.Background(), stratum.Event{Type: stratum.EventConnected, Endpoint: "primary"})
	f.HandleEvent(context.Background(), stratum.Event{
		Type:  stratum.EventShareResult,
		Share: &stratum.ShareResult{JobID: "1", Accepted: true},
		Stats: stratum.Stats{Accepted: 1},
	})

	want := []stratum.EventType{stratum.EventConnected, stratum.EventShareResult}
	for _, h := range []*recordingHandler{a, b} {
		if !reflect.DeepEqual(h.events, want) {
			t.Errorf("events = %v, want %v", h.events, want)
		}
	}
}

// fakePool answers the handshake and then sends one job
func fakePool(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go servePool(conn)
		}
	}()
	return ln.Addr().String()
}

func servePool(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		msg := stratum.Classify(scanner.Text())
		var reply string
		switch msg.Method {
		case stratum.MethodSubscribe:
			reply = fmt.Sprintf(`{"id":%d,"result":[[["mining.notify","1"]],"f000000d",4],"error":null}`, msg.ID) + "\n" +
				`{"id":null,"method":"mining.notify","params":["1a","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`
		default:
			reply = fmt.Sprintf(`{"id":%d,"result":true,"error":null}`, msg.ID)
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func TestMiner_RunAgainstPool(t *testing.T) {
	cfg := testConfig(fakePool(t))
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := NewMiner(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("NewMiner() error = %v", err)
	}
	if m.bridge != nil || m.publisher != nil {
		t.Fatal("bridge or publisher enabled without configuration")
	}
	if got := len(m.nonces.Ranges()); got != 2 {
		t.Fatalf("nonce ranges = %d, want 2", got)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.session.JobCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no job received, state %s", m.session.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if m.supervisor.Connections() != 1 {
		t.Errorf("Connections() = %d, want 1", m.supervisor.Connections())
	}
	if info := m.session.Subscription(); !strings.EqualFold(info.Extranonce1, "f000000d") {
		t.Errorf("extranonce1 = %q", info.Extranonce1)
	}

	cancel()
	select {
	case err := <-done:
		if exitCode(err) != exitOK {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
