package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/meterlog/internal/kafka"
	"github.com/lsm/meterlog/internal/queue"
	"github.com/lsm/meterlog/internal/reader"
)

type mockConsumer struct {
	pingErr error
	fetches chan kgo.Fetches
	mu      sync.Mutex
	marked  []int64
	commits int
	closed  bool
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{fetches: make(chan kgo.Fetches, 4)}
}

func (m *mockConsumer) Ping(context.Context) error { return m.pingErr }

func (m *mockConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case f := <-m.fetches:
		return f
	case <-ctx.Done():
		return kgo.NewErrFetch(ctx.Err())
	}
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.marked = append(m.marked, r.Offset)
	}
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *mockConsumer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConsumer) markedOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.marked...)
}

func batch(values ...string) kgo.Fetches {
	recs := make([]*kgo.Record, len(values))
	for i, v := range values {
		recs[i] = &kgo.Record{Topic: "raw", Offset: int64(i), Value: []byte(v)}
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "raw",
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: recs}},
	}}}}
}

func TestNew_Validation(t *testing.T) {
	cluster := &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing cluster", Config{Topic: "raw", ConsumerGroup: "g"}},
		{"missing topic", Config{Cluster: cluster, ConsumerGroup: "g"}},
		{"missing group", Config{Cluster: cluster, Topic: "raw"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_ValidConfig(t *testing.T) {
	r, err := New(Config{
		Cluster:       &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:         "raw",
		ConsumerGroup: "meterlog",
		StartOffset:   "earliest",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.topic != "raw" {
		t.Errorf("topic = %s", r.topic)
	}
	r.client.Close()
}

func TestReader_StartFailsWhenPingFails(t *testing.T) {
	mc := newMockConsumer()
	mc.pingErr = errors.New("no brokers")
	r := newReader(mc, "raw", nil)

	if err := r.Start(context.Background(), queue.New(1)); err == nil {
		t.Fatal("expected start error")
	}
	if err := r.Stop(); !errors.Is(err, reader.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestReader_PushesAndCommits(t *testing.T) {
	mc := newMockConsumer()
	r := newReader(mc, "raw", nil)
	q := queue.New(queue.DefaultCapacity)

	if err := r.Start(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	mc.fetches <- batch(
		`{"source_tag":"BR","property_code":"E7","raw_value":"1500"}`,
		`garbage`,
		`{"tag":"BR","epc":"D3","value":1}`,
	)

	first, err := q.Pop(context.Background(), 2*time.Second)
	if err != nil || first.PropertyCode != "E7" || first.RawValue != "1500" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := q.Pop(context.Background(), 2*time.Second)
	if err != nil || second.PropertyCode != "D3" || second.RawValue != "1" {
		t.Fatalf("second = %+v, %v", second, err)
	}

	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := mc.markedOffsets(); len(got) != 3 {
		t.Errorf("expected all 3 records marked (malformed included), got %v", got)
	}
	if !mc.closed {
		t.Error("client not closed")
	}
}

func TestReader_StopWhileQueueFull(t *testing.T) {
	mc := newMockConsumer()
	r := newReader(mc, "raw", nil)
	q := queue.New(1)

	if err := r.Start(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	mc.fetches <- batch(
		`{"source_tag":"BR","property_code":"E7","raw_value":"1"}`,
		`{"source_tag":"BR","property_code":"E7","raw_value":"2"}`,
	)

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		_ = r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on a full queue")
	}

	if got := mc.markedOffsets(); len(got) != 1 || got[0] != 0 {
		t.Errorf("only the pushed record should be marked, got %v", got)
	}
}
