package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// DeliveryTimeout bounds how long a record may wait for an ack, including
// retries against an unreachable broker.
const DeliveryTimeout = 30 * time.Second

// Message is one record to publish.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher produces to a single topic and waits for every ack.
type Publisher struct {
	client  producer
	topic   string
	timeout time.Duration
}

// NewPublisher creates a publisher bound to topic. No broker is contacted
// until the first Publish.
func NewPublisher(cluster *ClusterConfig, topic string) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(topic),
		kgo.RecordDeliveryTimeout(DeliveryTimeout),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return &Publisher{client: client, topic: topic, timeout: DeliveryTimeout}, nil
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string { return p.topic }

// Publish sends msg and blocks until the broker acknowledges it. Headers are
// written in key order. A ctx without a deadline is bounded by the delivery
// timeout.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for _, k := range slices.Sorted(maps.Keys(msg.Headers)) {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(msg.Headers[k])})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close shuts down the client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
