// Package influx writes the miner's share and connection history to
// InfluxDB as time series.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// Measurement names
const (
	MeasurementShares     = "shares"
	MeasurementDifficulty = "pool_difficulty"
	MeasurementConnection = "connection"
)

// PointWriter is the part of api.WriteAPI the writer needs
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// MetricsWriter is a monitor sink turning events into points. Writes are
// batched by the client and never block the caller.
type MetricsWriter struct {
	writeAPI PointWriter
	client   influxdb2.Client
	miner    string
}

// NewClient connects to InfluxDB and returns a writer tagging points with miner
func NewClient(cfg *Config, miner string, logger *log.Logger) (*MetricsWriter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connect",
			"failed to check InfluxDB health").
			WithContext("url", cfg.URL)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, errors.New(errors.ErrorTypeDatabase, "influx_connect",
			fmt.Sprintf("InfluxDB health check failed: %s", msg))
	}

	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("influx")

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	errCh := writeAPI.Errors()
	go func() {
		for err := range errCh {
			logger.WithError(err).Warn("influx write failed")
		}
	}()

	w := NewMetricsWriter(writeAPI, miner)
	w.client = client
	return w, nil
}

// NewMetricsWriter wraps an existing write API
func NewMetricsWriter(writeAPI PointWriter, miner string) *MetricsWriter {
	return &MetricsWriter{writeAPI: writeAPI, miner: miner}
}

// Name implements monitor.Sink
func (w *MetricsWriter) Name() string {
	return "influx"
}

// Record implements monitor.Sink
func (w *MetricsWriter) Record(_ context.Context, ev stratum.Event) error {
	if p := EventPoint(ev, w.miner); p != nil {
		w.writeAPI.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (w *MetricsWriter) Close() {
	w.writeAPI.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

// EventPoint converts an event into a point, or nil for events that are
// not recorded as time series.
func EventPoint(ev stratum.Event, miner string) *write.Point {
	tags := map[string]string{"miner": miner}
	if ev.Endpoint != "" {
		tags["endpoint"] = ev.Endpoint
	}

	switch ev.Type {
	case stratum.EventShareResult:
		if ev.Share == nil {
			return nil
		}
		tags["accepted"] = fmt.Sprintf("%t", ev.Share.Accepted)
		fields := map[string]any{
			"count":      1,
			"latency_ms": float64(ev.Share.Latency) / float64(time.Millisecond),
			"nonce":      ev.Share.Nonce,
		}
		if ev.Share.Err != nil {
			fields["reject_code"] = ev.Share.Err.Code
		}
		return write.NewPoint(MeasurementShares, tags, fields, ev.Time)

	case stratum.EventDifficulty:
		return write.NewPoint(MeasurementDifficulty, tags,
			map[string]any{"difficulty": ev.Difficulty}, ev.Time)

	case stratum.EventConnected, stratum.EventDisconnected, stratum.EventFailover:
		tags["event"] = ev.Type.String()
		fields := map[string]any{
			"accepted": ev.Stats.Accepted,
			"rejected": ev.Stats.Rejected,
		}
		if ev.Err != nil {
			fields["error"] = ev.Err.Error()
		}
		return write.NewPoint(MeasurementConnection, tags, fields, ev.Time)
	}
	return nil
}
