// Package pipeline drives the consume-decode-dispatch loop between a meter
// reader and the configured sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/meterlog/internal/observability"
	"github.com/lsm/meterlog/internal/parser"
	"github.com/lsm/meterlog/internal/queue"
	"github.com/lsm/meterlog/internal/reader"
	"github.com/lsm/meterlog/internal/record"
	"github.com/lsm/meterlog/internal/sink"
	"github.com/lsm/meterlog/internal/tracing"
)

const (
	// DefaultPollTimeout bounds each wait on the ingest queue.
	DefaultPollTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single sink write.
	DefaultWriteTimeout = 10 * time.Second
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Decoder turns raw records into typed ones.
type Decoder interface {
	Decode(raw record.Raw) (record.Decoded, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer used for per-record and per-sink spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollTimeout = d
		}
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithQueueCapacity overrides queue.DefaultCapacity.
func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) { p.queue = queue.New(n) }
}

// WithUnitID tags spans with the meter unit.
func WithUnitID(id string) Option {
	return func(p *Pipeline) { p.unitID = id }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(p *Pipeline) { p.onState = append(p.onState, fn) }
}

// Pipeline orchestrates the reader → queue → decoder → sinks flow.
type Pipeline struct {
	reader       reader.Reader
	decoder      Decoder
	sinks        []sink.Sink
	queue        *queue.Queue
	pollTimeout  time.Duration
	writeTimeout time.Duration
	unitID       string
	state        atomic.Int32
	onState      []func(State)
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
}

// New creates a Pipeline in the Initializing state. Sinks are written in the
// order given.
func New(rd reader.Reader, dec Decoder, sinks []sink.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		reader:       rd,
		decoder:      dec,
		sinks:        sinks,
		pollTimeout:  DefaultPollTimeout,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue == nil {
		p.queue = queue.New(queue.DefaultCapacity)
	}
	p.setState(StateInitializing)
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	if p.metrics != nil {
		p.metrics.PipelineState.Set(float64(s))
	}
	for _, fn := range p.onState {
		fn(s)
	}
}

// Start starts the reader. A failure here is fatal to the process.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.reader.Start(ctx, p.queue); err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("start reader: %w", err)
	}
	return nil
}

// Run consumes the queue until ctx is cancelled. Per-record failures are
// logged and never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	sinkNames := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		sinkNames[i] = s.Name()
	}
	p.logger.Info("pipeline running", "sinks", sinkNames, "poll_timeout", p.pollTimeout.String())
	p.setState(StateRunning)

	for ctx.Err() == nil {
		raw, err := p.queue.Pop(ctx, p.pollTimeout)
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		}
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			break
		}
		p.process(ctx, raw)
	}

	p.logger.Info("pipeline loop stopped", "pending", p.queue.Len())
	return nil
}

// process handles one record. Sink writes are not interrupted by ctx
// cancellation once the record has been taken off the queue; each write is
// bounded by the write timeout instead.
func (p *Pipeline) process(ctx context.Context, raw record.Raw) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanRecordProcess,
		trace.WithAttributes(
			tracing.UnitAttr(p.unitID),
			tracing.EPCAttr(raw.PropertyCode),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			tracing.SetSpanError(span, err)
			p.drop(observability.DropPanic)
			p.logger.Error("recovered from panic while handling record",
				"epc", raw.PropertyCode,
				"panic", r,
			)
		}
	}()

	if p.metrics != nil {
		p.metrics.RecordsReceived.Inc()
	}

	rec, err := p.decoder.Decode(raw)
	if err != nil {
		p.handleDecodeError(raw, err)
		span.SetAttributes(tracing.DropReasonAttr(dropReason(err)))
		return
	}
	if p.metrics != nil {
		p.metrics.RecordsDecoded.WithLabelValues(rec.PropertyCode).Inc()
	}
	span.SetAttributes(tracing.DataIDAttr(rec.SemanticName))

	failed := 0
	for _, s := range p.sinks {
		if err := p.write(ctx, s, rec); err != nil {
			failed++
			p.logger.Error("sink write failed",
				"sink", s.Name(),
				"epc", rec.PropertyCode,
				"error", err,
			)
		}
	}
	if failed > 0 {
		tracing.SetSpanError(span, fmt.Errorf("%d of %d sinks failed", failed, len(p.sinks)))
		return
	}
	tracing.SetSpanOK(span)
	p.logger.Debug("record dispatched", "epc", rec.PropertyCode, "dataid", rec.SemanticName, "value", rec.Value.String())
}

// write delivers rec to one sink. A panicking sink is reported as a failed
// write so the remaining sinks still receive the record.
func (p *Pipeline) write(ctx context.Context, s sink.Sink, rec record.Decoded) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanSinkWrite,
		trace.WithAttributes(tracing.SinkAttr(s.Name())),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			p.metrics.SinkWrites.WithLabelValues(s.Name(), status).Inc()
			p.metrics.SinkWriteDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
			tracing.SetSpanError(span, err)
		}
	}()

	if err = s.Write(ctx, rec); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Pipeline) handleDecodeError(raw record.Raw, err error) {
	reason := dropReason(err)
	p.drop(reason)

	switch reason {
	case observability.DropCoercion:
		p.logger.Error("failed to decode record", "epc", raw.PropertyCode, "raw_value", raw.RawValue, "error", err)
	default:
		p.logger.Debug("record dropped", "reason", reason, "source_tag", raw.SourceTag, "epc", raw.PropertyCode)
	}
}

func (p *Pipeline) drop(reason string) {
	if p.metrics != nil {
		p.metrics.RecordsDropped.WithLabelValues(reason).Inc()
	}
}

// dropReason classifies a decode error. Anything that is neither a foreign
// tag nor an unknown code is a coercion failure.
func dropReason(err error) string {
	switch {
	case errors.Is(err, parser.ErrForeignSource):
		return observability.DropForeignSource
	case errors.Is(err, parser.ErrUnknownProperty):
		return observability.DropUnknownProperty
	default:
		return observability.DropCoercion
	}
}

// Shutdown stops the reader and closes every sink. Records still queued are
// discarded. Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.setState(StateDraining)
	p.logger.Info("shutting down pipeline", "discarded", p.queue.Len())

	var errs []error

	if err := p.reader.Stop(); err != nil && !errors.Is(err, reader.ErrNotStarted) {
		p.logger.Error("reader stop error", "error", err)
		errs = append(errs, fmt.Errorf("reader stop: %w", err))
	}
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			p.logger.Error("sink close error", "sink", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s close: %w", s.Name(), err))
		}
	}

	p.setState(StateStopped)
	p.logger.Info("pipeline shutdown complete")
	return errors.Join(errs...)
}
