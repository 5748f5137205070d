// Package history records light state changes in InfluxDB v2.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// Measurement is the InfluxDB measurement written for each state change.
const Measurement = "light_state"

const connectTimeout = 10 * time.Second

var (
	// ErrDisabled is returned by Connect when history is not enabled.
	ErrDisabled = errors.New("history: disabled in configuration")
	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Config holds InfluxDB settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int // points per write
	FlushInterval int // seconds
}

// pointWriter is the part of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes one point per light_state event.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
	now    func() time.Time
	unsub  func()
}

// Connect creates a recorder backed by a non-blocking, batching write API.
func Connect(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("history write failed", "err", err)
		}
	}()
	r.logger.Info("history connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func newRecorder(w pointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		writer: w,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
}

// Attach subscribes the recorder to light state events.
func (r *Recorder) Attach(events *coordinator.EventBus) {
	r.unsub = events.On(coordinator.EventLightState, r.handleEvent)
}

func (r *Recorder) handleEvent(event coordinator.Event) {
	le, ok := coordinator.LightOf(event)
	if !ok || le.State == nil {
		return
	}
	r.writer.WritePoint(statePoint(le.ID, le.Node, *le.State, r.now()))
}

// statePoint builds the point for one state change. Color fields are only
// present when the light reports them.
func statePoint(id string, node uint8, s light.State, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"on":         s.On,
		"brightness": int64(s.Brightness),
		"level":      int64(s.Level),
	}
	if s.ColorTemp != nil {
		fields["color_temp"] = *s.ColorTemp
	}
	if s.RGB != nil {
		fields["r"] = int64(s.RGB.R)
		fields["g"] = int64(s.RGB.G)
		fields["b"] = int64(s.RGB.B)
	}
	tags := map[string]string{
		"light": id,
		"node":  strconv.Itoa(int(node)),
	}
	return write.NewPoint(Measurement, tags, fields, ts)
}

// Close detaches from events and flushes pending points.
func (r *Recorder) Close() {
	if r.unsub != nil {
		r.unsub()
	}
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
