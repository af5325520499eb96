package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lsm/meterlog/internal/queue"
	"github.com/lsm/meterlog/internal/reader"
	"github.com/lsm/meterlog/internal/record"
)

const waitFor = 3 * time.Second

func line(code, value string) string {
	return `{"source_tag":"BR","property_code":"` + code + `","raw_value":"` + value + `"}` + "\n"
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

func startReader(t *testing.T, path string, fromStart bool) (*Reader, *queue.Queue) {
	t.Helper()
	r, err := New(Config{Path: path, FromStart: fromStart}, nil)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(queue.DefaultCapacity)
	if err := r.Start(context.Background(), q); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return r, q
}

func expect(t *testing.T, q *queue.Queue, code, value string) {
	t.Helper()
	got, err := q.Pop(context.Background(), waitFor)
	if err != nil {
		t.Fatalf("waiting for %s: %v", code, err)
	}
	if got.PropertyCode != code || got.RawValue != value || got.SourceTag != record.SourceTag {
		t.Fatalf("got %+v, want %s=%s", got, code, value)
	}
}

func expectEmpty(t *testing.T, q *queue.Queue) {
	t.Helper()
	if got, err := q.Pop(context.Background(), 200*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected empty queue, got %+v (%v)", got, err)
	}
}

func TestReader_FromStartReadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, []byte(line("E7", "1500")+line("D3", "1")), 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, true)
	expect(t, q, "E7", "1500")
	expect(t, q, "D3", "1")
}

func TestReader_TailsFromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, []byte(line("E7", "1")), 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, false)
	expectEmpty(t, q)

	appendFile(t, path, line("E7", "2"))
	expect(t, q, "E7", "2")
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, false)
	appendFile(t, path, "not json\n\n"+`{"source_tag":"BR"}`+"\n"+line("E1", "6"))
	expect(t, q, "E1", "6")
	expectEmpty(t, q)
}

func TestReader_PartialLineWaitsForNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, false)
	full := line("E7", "900")
	appendFile(t, path, full[:10])
	expectEmpty(t, q)

	appendFile(t, path, full[10:])
	expect(t, q, "E7", "900")
}

func TestReader_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, false)
	appendFile(t, path, line("E7", "100")+line("E7", "200")+line("E7", "300"))
	expect(t, q, "E7", "100")
	expect(t, q, "E7", "200")
	expect(t, q, "E7", "300")

	if err := os.WriteFile(path, []byte(line("D7", "1")), 0o644); err != nil {
		t.Fatal(err)
	}
	expect(t, q, "D7", "1")
}

func TestReader_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, q := startReader(t, path, false)
	appendFile(t, path, line("E7", "1"))
	expect(t, q, "E7", "1")

	if err := os.Rename(path, filepath.Join(dir, "spool.jsonl.1")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(line("E7", "2")), 0o644); err != nil {
		t.Fatal(err)
	}
	expect(t, q, "E7", "2")
}

func TestReader_MissingFileFailsStart(t *testing.T) {
	r, err := New(Config{Path: filepath.Join(t.TempDir(), "absent.jsonl")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), queue.New(1)); err == nil {
		t.Fatal("expected start failure for a missing spool file")
	}
}

func TestReader_StopBeforeStart(t *testing.T) {
	r, err := New(Config{Path: "/tmp/spool.jsonl"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); !errors.Is(err, reader.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReader_StopUnblocksFullQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.jsonl")
	if err := os.WriteFile(path, []byte(line("E7", "1")+line("E7", "2")), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := New(Config{Path: path, FromStart: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background(), queue.New(1)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("stop blocked on a full queue")
	}
}
