package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/meterlog/internal/config"
	"github.com/lsm/meterlog/internal/reader"
	kafkareader "github.com/lsm/meterlog/internal/reader/kafka"
	"github.com/lsm/meterlog/internal/reader/spool"
	"github.com/lsm/meterlog/internal/sink"
	csvsink "github.com/lsm/meterlog/internal/sink/csv"
	kafkasink "github.com/lsm/meterlog/internal/sink/kafka"
	pgsink "github.com/lsm/meterlog/internal/sink/postgres"
	"github.com/lsm/meterlog/internal/sink/timeseries"
)

// connector is implemented by sinks that contact a server at startup.
type connector interface {
	Connect(ctx context.Context) error
}

// buildSinks constructs the enabled sinks in dispatch order. A sink whose
// server cannot be reached is kept; it skips writes until restart.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		closeSinks(sinks, logger)
		return nil, err
	}

	if c := cfg.Sinks.CSV; c.Enabled {
		s, err := csvsink.NewSink(csvsink.Config{
			OutputDir:       c.OutputDir,
			FilenamePattern: c.FilenamePattern,
			UnitID:          cfg.UnitID,
		}, csvsink.WithLogger(logger.With("subsystem", "csv-sink")))
		if err != nil {
			return fail(fmt.Errorf("csv sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.TimeSeries; c.Enabled {
		s, err := timeseries.NewSink(timeseries.Config{
			URL:         c.URL,
			Token:       c.Token,
			Org:         c.Org,
			Bucket:      c.Bucket,
			Measurement: c.Measurement,
			Tags:        c.Tags,
			UnitID:      cfg.UnitID,
		}, logger.With("subsystem", "timeseries-sink"))
		if err != nil {
			return fail(fmt.Errorf("timeseries sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Postgres; c.Enabled {
		s, err := pgsink.NewSink(pgsink.Config{
			DSN:         c.DSN,
			Table:       c.Table,
			CreateTable: c.CreateTable,
			UnitID:      cfg.UnitID,
		}, logger.With("subsystem", "postgres-sink"))
		if err != nil {
			return fail(fmt.Errorf("postgres sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Kafka; c.Enabled {
		cluster := c.ClusterConfig
		s, err := kafkasink.NewSink(kafkasink.Config{
			Cluster: &cluster,
			Topic:   c.Topic,
			UnitID:  cfg.UnitID,
		}, logger.With("subsystem", "kafka-sink"))
		if err != nil {
			return fail(fmt.Errorf("kafka sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	for _, s := range sinks {
		if c, ok := s.(connector); ok {
			if err := c.Connect(ctx); err != nil {
				logger.Warn("sink unavailable, writes will be skipped", "sink", s.Name(), "error", err)
			}
		}
	}
	return sinks, nil
}

func buildReader(cfg *config.Config, logger *slog.Logger) (reader.Reader, error) {
	switch cfg.Reader.Type {
	case config.ReaderSpool:
		r, err := spool.New(spool.Config{
			Path:      cfg.Reader.Spool.Path,
			FromStart: cfg.Reader.Spool.FromStart,
		}, logger.With("subsystem", "spool-reader"))
		if err != nil {
			return nil, fmt.Errorf("spool reader: %w", err)
		}
		return r, nil

	case config.ReaderKafka:
		k := cfg.Reader.Kafka
		cluster := k.ClusterConfig
		r, err := kafkareader.New(kafkareader.Config{
			Cluster:       &cluster,
			Topic:         k.Topic,
			ConsumerGroup: k.ConsumerGroup,
			StartOffset:   k.StartOffset,
		}, logger.With("subsystem", "kafka-reader"))
		if err != nil {
			return nil, fmt.Errorf("kafka reader: %w", err)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("unsupported reader type: %s", cfg.Reader.Type)
	}
}

func closeSinks(sinks []sink.Sink, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("sink close error", "sink", s.Name(), "error", err)
		}
	}
}
