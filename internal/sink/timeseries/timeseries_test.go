package timeseries

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lsm/meterlog/internal/record"
)

type mockClient struct {
	ok      bool
	err     error
	closed  bool
	pingCnt int
}

func (m *mockClient) Ping(context.Context) (bool, error) {
	m.pingCnt++
	return m.ok, m.err
}

func (m *mockClient) Close() { m.closed = true }

type mockWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, p...)
	return nil
}

var observed = time.Date(2026, 3, 1, 21, 0, 0, 0, time.FixedZone("JST", 9*3600))

func testConfig() Config {
	return Config{
		URL:         "http://influxdb:8086",
		Org:         "home",
		Bucket:      "power",
		Measurement: "smartmeter",
		Tags:        map[string]string{"location": "home"},
		UnitID:      "house-1",
	}
}

func tagsOf(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fieldsOf(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestSink_WritePoint(t *testing.T) {
	c := &mockClient{ok: true}
	w := &mockWriter{}
	s := newSink(testConfig(), c, w, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	rec := record.Decoded{PropertyCode: "E7", SemanticName: "instant_power_w", Value: record.IntValue(1500), ObservedAt: observed}
	if err := s.Write(context.Background(), rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(w.points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != "smartmeter" {
		t.Errorf("measurement = %s", p.Name())
	}
	tags := tagsOf(p)
	if tags["location"] != "home" || tags["epc"] != "E7" || tags["unitid"] != "house-1" || len(tags) != 3 {
		t.Errorf("unexpected tags: %v", tags)
	}
	fields := fieldsOf(p)
	if len(fields) != 1 {
		t.Fatalf("expected a single field, got %v", fields)
	}
	if fields["value"] != int64(1500) {
		t.Errorf("value field = %#v, want int64(1500)", fields["value"])
	}
	if !p.Time().Equal(observed) || p.Time().Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", p.Time(), observed.UTC())
	}
}

func TestSink_FieldKinds(t *testing.T) {
	s := newSink(testConfig(), &mockClient{ok: true}, &mockWriter{}, nil)

	tests := []struct {
		value record.Value
		want  interface{}
	}{
		{record.IntValue(7), int64(7)},
		{record.FloatValue(12.345), 12.345},
		{record.StringValue("on"), "on"},
	}
	for _, tt := range tests {
		p := s.Point(record.Decoded{PropertyCode: "X", Value: tt.value, ObservedAt: observed})
		if got := fieldsOf(p)["value"]; got != tt.want {
			t.Errorf("%#v: field = %#v, want %#v", tt.value, got, tt.want)
		}
	}
}

func TestSink_StaticTagsCannotBeMutatedByCaller(t *testing.T) {
	cfg := testConfig()
	s := newSink(cfg, &mockClient{ok: true}, &mockWriter{}, nil)
	cfg.Tags["location"] = "elsewhere"

	p := s.Point(record.Decoded{PropertyCode: "E7", Value: record.IntValue(1), ObservedAt: observed})
	if tagsOf(p)["location"] != "home" {
		t.Error("sink shares the caller's tag map")
	}
}

func TestSink_UnavailableSkipsWrites(t *testing.T) {
	c := &mockClient{err: errors.New("connection refused")}
	w := &mockWriter{}
	s := newSink(testConfig(), c, w, nil)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if s.Available() {
		t.Error("sink should be unavailable")
	}

	rec := record.Decoded{PropertyCode: "E7", Value: record.IntValue(1), ObservedAt: observed}
	if err := s.Write(context.Background(), rec); err != nil {
		t.Errorf("writes while unavailable should be skipped silently, got %v", err)
	}
	if len(w.points) != 0 {
		t.Errorf("expected no points, got %d", len(w.points))
	}
}

func TestSink_PingNotOK(t *testing.T) {
	s := newSink(testConfig(), &mockClient{ok: false}, &mockWriter{}, nil)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSink_WriteErrorReturned(t *testing.T) {
	w := &mockWriter{err: errors.New("401 unauthorized")}
	s := newSink(testConfig(), &mockClient{ok: true}, w, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := s.Write(context.Background(), record.Decoded{PropertyCode: "E7", Value: record.IntValue(1), ObservedAt: observed})
	if err == nil {
		t.Fatal("expected write error")
	}
}

func TestSink_Close(t *testing.T) {
	c := &mockClient{ok: true}
	s := newSink(testConfig(), c, &mockWriter{}, nil)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.closed {
		t.Error("client not closed")
	}
}

func TestNewSink_Validation(t *testing.T) {
	if _, err := NewSink(Config{}, nil); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := NewSink(Config{URL: "http://i:8086"}, nil); err == nil {
		t.Error("expected error for missing org/bucket")
	}

	s, err := NewSink(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if s.Available() {
		t.Error("sink must not be available before Connect")
	}
	_ = s.Close()
}
