// Package spool tails a JSON-lines spool file written by the device daemon.
package spool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/lsm/meterlog/internal/reader"
	"github.com/lsm/meterlog/internal/record"
)

const readChunk = 32 * 1024

// Config holds spool reader configuration.
type Config struct {
	Path      string
	FromStart bool
}

// Reader follows the spool file across appends, truncation, and rotation.
type Reader struct {
	path      string
	fromStart bool
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	file    *os.File
	offset  int64
	pending []byte
	buf     []byte

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a spool reader. The file is not opened until Start.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if cfg.Path == "" {
		return nil, errors.New("spool path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		path:      filepath.Clean(cfg.Path),
		fromStart: cfg.FromStart,
		logger:    logger,
		buf:       make([]byte, readChunk),
	}, nil
}

// Start opens the spool file and begins tailing it into q. A missing file is
// a start failure.
func (r *Reader) Start(ctx context.Context, q reader.Pusher) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	if !r.fromStart {
		off, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("seek spool: %w", err)
		}
		r.offset = off
	}
	r.file = f

	w, err := fsnotify.NewWatcher()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("watch spool directory: %w", err)
	}
	r.watcher = w

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.logger.Info("spool reader started", "path", r.path, "offset", r.offset)
	go r.run(runCtx, q)
	return nil
}

func (r *Reader) run(ctx context.Context, q reader.Pusher) {
	defer close(r.done)

	if err := r.readAvailable(ctx, q); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if err := r.handle(ctx, q, event); err != nil {
				return
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("spool watcher error", "path", r.path, "error", err)
		}
	}
}

// handle returns an error only when the context ended mid-push.
func (r *Reader) handle(ctx context.Context, q reader.Pusher, event fsnotify.Event) error {
	switch {
	case event.Has(fsnotify.Create):
		if r.file != nil {
			if err := r.readAvailable(ctx, q); err != nil {
				return err
			}
			r.closeFile()
		}
		if err := r.reopen(); err != nil {
			r.logger.Warn("spool reopen failed", "path", r.path, "error", err)
			return nil
		}
		return r.readAvailable(ctx, q)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if r.file == nil {
			return nil
		}
		if err := r.readAvailable(ctx, q); err != nil {
			return err
		}
		r.closeFile()
		r.logger.Info("spool file moved away, waiting for a new one", "path", r.path)
		return nil

	case event.Has(fsnotify.Write):
		if r.file == nil {
			if err := r.reopen(); err != nil {
				return nil
			}
		}
		if err := r.checkTruncated(); err != nil {
			r.logger.Warn("spool stat failed", "path", r.path, "error", err)
			return nil
		}
		return r.readAvailable(ctx, q)
	}
	return nil
}

func (r *Reader) reopen() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	r.file = f
	r.offset = 0
	r.pending = r.pending[:0]
	r.logger.Info("spool file reopened", "path", r.path)
	return nil
}

func (r *Reader) closeFile() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.pending = r.pending[:0]
}

func (r *Reader) checkTruncated() error {
	fi, err := r.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= r.offset {
		return nil
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.logger.Info("spool file truncated, rewinding", "path", r.path, "size", fi.Size(), "offset", r.offset)
	r.offset = 0
	r.pending = r.pending[:0]
	return nil
}

// readAvailable consumes every complete line currently in the file.
func (r *Reader) readAvailable(ctx context.Context, q reader.Pusher) error {
	if r.file == nil {
		return nil
	}
	for {
		n, err := r.file.Read(r.buf)
		if n > 0 {
			r.offset += int64(n)
			r.pending = append(r.pending, r.buf[:n]...)
			if perr := r.drainLines(ctx, q); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			r.logger.Error("spool read failed", "path", r.path, "error", err)
			return nil
		}
	}
}

func (r *Reader) drainLines(ctx context.Context, q reader.Pusher) error {
	for {
		i := bytes.IndexByte(r.pending, '\n')
		if i < 0 {
			return nil
		}
		line := bytes.TrimSpace(r.pending[:i])
		r.pending = r.pending[i+1:]
		if len(line) == 0 {
			continue
		}

		raw, err := record.UnmarshalRaw(line)
		if err != nil {
			r.logger.Warn("skipping malformed spool line", "path", r.path, "error", err)
			continue
		}
		if err := q.Push(ctx, raw); err != nil {
			return err
		}
	}
}

// Stop halts tailing and closes the file and watcher.
func (r *Reader) Stop() error {
	if r.cancel == nil {
		return reader.ErrNotStarted
	}
	var errs []error
	r.once.Do(func() {
		r.cancel()
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		<-r.done
		if r.file != nil {
			if err := r.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spool: %w", err))
			}
			r.file = nil
		}
		r.logger.Info("spool reader stopped", "path", r.path)
	})
	return errors.Join(errs...)
}
