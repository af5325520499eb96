// Package csv appends decoded records to long-format CSV files.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/lsm/meterlog/internal/record"
)

// Header is the column layout of every file the sink writes.
var Header = []string{"timestamp", "unitid", "epc", "dataid", "value"}

// TimestampLayout formats the timestamp column.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Config holds CSV sink configuration.
type Config struct {
	OutputDir       string
	FilenamePattern string // strftime pattern, e.g. smartmeter_%Y%m%d.csv
	UnitID          string
}

// Sink appends one row per decoded record to a file chosen by the current time.
type Sink struct {
	dir     string
	pattern *strftime.Strftime
	unitID  string
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// Option configures a Sink.
type Option func(*Sink)

// WithClock overrides the clock used to pick the output file.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// NewSink creates a CSV sink. No file is opened until the first write.
func NewSink(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.FilenamePattern == "" {
		return nil, errors.New("filename pattern is required")
	}
	pattern, err := strftime.New(cfg.FilenamePattern)
	if err != nil {
		return nil, fmt.Errorf("filename pattern %q: %w", cfg.FilenamePattern, err)
	}

	s := &Sink{
		dir:     cfg.OutputDir,
		pattern: pattern,
		unitID:  cfg.UnitID,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "csv" }

// Path returns the file a write at t would go to.
func (s *Sink) Path(t time.Time) string {
	return filepath.Join(s.dir, s.pattern.FormatString(t))
}

// Write appends rec as one row, writing the header first if the file is new.
func (s *Sink) Write(_ context.Context, rec record.Decoded) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureFile(s.Path(s.now())); err != nil {
		return err
	}

	row := []string{
		rec.ObservedAt.Local().Format(TimestampLayout),
		s.unitID,
		rec.PropertyCode,
		rec.SemanticName,
		formatValue(rec.Value),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write row to %s: %w", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", s.path, err)
	}

	s.logger.Debug("csv row written", "path", s.path, "epc", rec.PropertyCode)
	return nil
}

// ensureFile makes path the open file, rolling over from the previous one.
func (s *Sink) ensureFile(path string) error {
	if s.file != nil && s.path == path {
		return nil
	}
	if err := s.closeFile(); err != nil {
		s.logger.Warn("failed to close previous csv file", "path", s.path, "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write header to %s: %w", path, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return fmt.Errorf("write header to %s: %w", path, err)
		}
		s.logger.Info("created csv file", "path", path)
	}

	s.path = path
	s.file = f
	s.w = w
	return nil
}

func (s *Sink) closeFile() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.file.Close()
	s.file = nil
	s.w = nil
	return errors.Join(flushErr, closeErr)
}

// Close flushes and closes the open file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

func formatValue(v record.Value) string {
	switch v.Kind() {
	case record.KindInt, record.KindFloat, record.KindString:
		return v.String()
	default:
		return ""
	}
}
