// Package kafka consumes raw records that a device gateway publishes to a
// Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/meterlog/internal/kafka"
	"github.com/lsm/meterlog/internal/reader"
	"github.com/lsm/meterlog/internal/record"
)

const commitTimeout = 5 * time.Second

// Config holds Kafka reader configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic         string
	ConsumerGroup string
	StartOffset   string // "earliest" or "latest" (default: "latest")
}

// consumer abstracts the kafka client methods used by Reader for testing.
type consumer interface {
	Ping(ctx context.Context) error
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// Reader consumes raw records from a Kafka topic into the ingest queue.
type Reader struct {
	client consumer
	topic  string
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a new Kafka reader. No broker is contacted until Start.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	// Add consumer-specific options
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newReader(client, cfg.Topic, logger), nil
}

func newReader(c consumer, topic string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{client: c, topic: topic, logger: logger}
}

// Start pings the cluster and begins consuming in the background.
// An unreachable cluster is a start failure.
func (r *Reader) Start(ctx context.Context, q reader.Pusher) error {
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.logger.Info("starting kafka consumer", "topic", r.topic)
	go r.run(runCtx, q)
	return nil
}

func (r *Reader) run(ctx context.Context, q reader.Pusher) {
	defer close(r.done)

	for {
		fetches := r.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				r.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
			continue
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()

			raw, err := record.UnmarshalRaw(rec.Value)
			if err != nil {
				r.logger.Warn("skipping malformed record",
					"topic", rec.Topic,
					"partition", rec.Partition,
					"offset", rec.Offset,
					"error", err,
				)
				r.client.MarkCommitRecords(rec)
				continue
			}

			if err := q.Push(ctx, raw); err != nil {
				// Unpushed records stay uncommitted and are redelivered.
				commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
				r.commit(commitCtx)
				cancel()
				return
			}
			r.client.MarkCommitRecords(rec)
		}

		r.commit(ctx)
	}
}

func (r *Reader) commit(ctx context.Context) {
	if err := r.client.CommitMarkedOffsets(ctx); err != nil {
		r.logger.Error("commit error", "topic", r.topic, "error", err)
	}
}

// Stop halts consumption and closes the client.
func (r *Reader) Stop() error {
	if r.cancel == nil {
		return reader.ErrNotStarted
	}
	r.once.Do(func() {
		r.cancel()
		<-r.done
		r.client.Close()
		r.logger.Info("kafka consumer stopped", "topic", r.topic)
	})
	return nil
}

var _ reader.Reader = (*Reader)(nil)
