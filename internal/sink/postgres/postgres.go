// Package postgres appends decoded records to a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"

	"github.com/lsm/meterlog/internal/record"
)

const (
	defaultMaxOpenConns = 4
	defaultMaxIdleConns = 2
	defaultConnLifetime = time.Hour
	defaultPingTimeout  = 5 * time.Second
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTable reports whether name is a plain or schema-qualified SQL
// identifier that can be interpolated into statements.
func ValidTable(name string) bool {
	return identifier.MatchString(name)
}

// ErrUnavailable is returned by Connect when the database cannot be reached.
var ErrUnavailable = errors.New("postgres unavailable")

// Config holds Postgres sink configuration.
type Config struct {
	DSN         string
	Table       string
	CreateTable bool
	UnitID      string
}

// database is the subset of *sql.DB used by Sink.
type database interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// Sink inserts one row per decoded record.
type Sink struct {
	db        database
	cfg       Config
	insert    string
	available atomic.Bool
	logger    *slog.Logger
	skipLog   rate.Sometimes
}

// NewSink opens a pgx-backed pool. No connection is made until Connect.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = "meter_readings"
	}
	if !ValidTable(cfg.Table) {
		return nil, fmt.Errorf("table %q is not a valid identifier", cfg.Table)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnLifetime)

	return newSink(cfg, db, logger), nil
}

func newSink(cfg Config, db database, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		db:      db,
		cfg:     cfg,
		insert:  insertStatement(cfg.Table),
		logger:  logger,
		skipLog: rate.Sometimes{Interval: time.Minute},
	}
}

func insertStatement(table string) string {
	return "INSERT INTO " + table +
		" (observed_at, unit_id, epc, data_id, value_int, value_float, value_text)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7)"
}

func createStatement(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id          BIGSERIAL PRIMARY KEY,
	observed_at TIMESTAMPTZ NOT NULL,
	unit_id     TEXT NOT NULL,
	epc         TEXT NOT NULL,
	data_id     TEXT NOT NULL,
	value_int   BIGINT,
	value_float DOUBLE PRECISION,
	value_text  TEXT
)`
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return "postgres" }

// Connect pings the database and creates the table when configured to.
// On failure the sink is marked unavailable and writes are skipped.
func (s *Sink) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.available.Store(false)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.cfg.CreateTable {
		if _, err := s.db.ExecContext(ctx, createStatement(s.cfg.Table)); err != nil {
			s.available.Store(false)
			return fmt.Errorf("%w: create table %s: %v", ErrUnavailable, s.cfg.Table, err)
		}
	}
	s.available.Store(true)
	s.logger.Info("connected to postgres", "table", s.cfg.Table)
	return nil
}

// Available reports whether Connect succeeded.
func (s *Sink) Available() bool { return s.available.Load() }

// Write inserts rec. Writes while unavailable are skipped.
func (s *Sink) Write(ctx context.Context, rec record.Decoded) error {
	if !s.available.Load() {
		s.skipLog.Do(func() {
			s.logger.Debug("postgres unavailable, skipping writes", "table", s.cfg.Table)
		})
		return nil
	}

	var vInt, vFloat, vText any
	switch rec.Value.Kind() {
	case record.KindInt:
		vInt = rec.Value.Int()
	case record.KindFloat:
		vFloat = rec.Value.Float()
	case record.KindString:
		vText = rec.Value.Str()
	default:
		return fmt.Errorf("insert %s: invalid value", rec.PropertyCode)
	}

	_, err := s.db.ExecContext(ctx, s.insert,
		rec.ObservedAt.UTC(), s.cfg.UnitID, rec.PropertyCode, rec.SemanticName,
		vInt, vFloat, vText,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.PropertyCode, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}
