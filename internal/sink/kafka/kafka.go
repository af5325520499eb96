// Package kafka publishes decoded records to a Kafka topic as structured-mode
// CloudEvents.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/lsm/meterlog/internal/kafka"
	"github.com/lsm/meterlog/internal/record"
)

// EventType is the CloudEvents type of every published reading.
const EventType = "meterlog.reading"

const contentType = "application/cloudevents+json"

// publisher abstracts the kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
	Topic() string
	Close() error
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic   string
	UnitID  string
}

// Reading is the CloudEvent data payload.
type Reading struct {
	UnitID     string      `json:"unitid"`
	EPC        string      `json:"epc"`
	DataID     string      `json:"dataid"`
	Value      interface{} `json:"value"`
	ObservedAt time.Time   `json:"observed_at"`
}

// Sink delivers decoded records to a Kafka topic.
type Sink struct {
	publisher publisher
	topic     string
	unitID    string
	logger    *slog.Logger
	newID     func() string
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	pub, err := kafka.NewPublisher(cfg.Cluster, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return newSink(cfg, pub, logger), nil
}

func newSink(cfg Config, pub publisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		publisher: pub,
		topic:     pub.Topic(),
		unitID:    cfg.UnitID,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "kafka" }

// Write publishes rec and waits for the broker ack.
func (s *Sink) Write(ctx context.Context, rec record.Decoded) error {
	start := time.Now()

	payload, err := s.encode(rec)
	if err != nil {
		return err
	}

	// Inject trace context into headers for propagation
	headers := map[string]string{"content-type": contentType}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	msg := kafka.Message{
		Key:     []byte(s.unitID + "/" + rec.PropertyCode),
		Value:   payload,
		Headers: headers,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", rec.PropertyCode, err)
	}

	s.logger.Debug("reading published",
		"topic", s.topic,
		"epc", rec.PropertyCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Sink) encode(rec record.Decoded) ([]byte, error) {
	e := event.New()
	e.SetID(s.newID())
	e.SetType(EventType)
	e.SetSource("meterlog/" + s.unitID)
	e.SetSubject(rec.PropertyCode)
	e.SetTime(rec.ObservedAt)

	data := Reading{
		UnitID:     s.unitID,
		EPC:        rec.PropertyCode,
		DataID:     rec.SemanticName,
		Value:      rec.Value.Interface(),
		ObservedAt: rec.ObservedAt,
	}
	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("cloudevent data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("cloudevent: %w", err)
	}
	return json.Marshal(e)
}

// Close shuts down the Kafka publisher.
func (s *Sink) Close() error {
	return s.publisher.Close()
}
