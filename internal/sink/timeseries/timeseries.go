// Package timeseries writes decoded records to InfluxDB v2 as tagged points.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/lsm/meterlog/internal/record"
)

// Config holds time-series sink configuration.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Tags        map[string]string
	UnitID      string
	Timeout     time.Duration
}

// client abstracts the influxdb2.Client methods used by Sink for testing.
type client interface {
	Ping(ctx context.Context) (bool, error)
	Close()
}

// pointWriter is satisfied by api.WriteAPIBlocking.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// ErrUnavailable is returned by Connect when the server cannot be reached.
var ErrUnavailable = errors.New("time-series store unavailable")

// Sink submits one point per decoded record, synchronously.
type Sink struct {
	client    client
	writer    pointWriter
	cfg       Config
	available atomic.Bool
	logger    *slog.Logger
	skipLog   rate.Sometimes
}

// NewSink creates an InfluxDB sink. It does not contact the server; call Connect.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("org and bucket are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(httpClient))

	return newSink(cfg, c, c.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger), nil
}

func newSink(cfg Config, c client, w pointWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "smartmeter"
	}
	cfg.Tags = maps.Clone(cfg.Tags)
	return &Sink{
		client:  c,
		writer:  w,
		cfg:     cfg,
		logger:  logger,
		skipLog: rate.Sometimes{Interval: time.Minute},
	}
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "timeseries" }

// Connect checks that the server is reachable. On failure the sink is marked
// unavailable and later writes are skipped; the error is only for logging.
func (s *Sink) Connect(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil || !ok {
		s.available.Store(false)
		if err == nil {
			err = errors.New("ping returned not ok")
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, s.cfg.URL, err)
	}
	s.available.Store(true)
	s.logger.Info("connected to time-series store", "url", s.cfg.URL, "bucket", s.cfg.Bucket)
	return nil
}

// Available reports whether Connect succeeded.
func (s *Sink) Available() bool { return s.available.Load() }

// Write submits rec as a point. Writes while unavailable are skipped.
func (s *Sink) Write(ctx context.Context, rec record.Decoded) error {
	if !s.available.Load() {
		s.skipLog.Do(func() {
			s.logger.Debug("time-series store unavailable, skipping writes", "url", s.cfg.URL)
		})
		return nil
	}

	p := s.Point(rec)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write point %s: %w", rec.PropertyCode, err)
	}
	s.logger.Debug("point written", "measurement", s.cfg.Measurement, "epc", rec.PropertyCode)
	return nil
}

// Point builds the point written for rec: static tags plus epc and unitid,
// a single "value" field, stamped with the decode time in UTC.
func (s *Sink) Point(rec record.Decoded) *write.Point {
	tags := make(map[string]string, len(s.cfg.Tags)+2)
	maps.Copy(tags, s.cfg.Tags)
	tags["epc"] = rec.PropertyCode
	tags["unitid"] = s.cfg.UnitID

	fields := map[string]interface{}{"value": fieldValue(rec.Value)}
	return write.NewPoint(s.cfg.Measurement, tags, fields, rec.ObservedAt.UTC())
}

func fieldValue(v record.Value) interface{} {
	switch v.Kind() {
	case record.KindInt:
		return v.Int()
	case record.KindFloat:
		return v.Float()
	case record.KindString:
		return v.Str()
	default:
		return v.String()
	}
}

// Close releases the client connection.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
