// Package follow tails the server's current log file and records every
// connection as a live observation.
package follow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/iplog/internal/history"
	"github.com/goodtune/iplog/internal/logline"
	"github.com/goodtune/iplog/internal/metrics"
	"github.com/rs/zerolog"
)

// Tracker records a live connection. *history.Store satisfies it.
type Tracker interface {
	Track(ctx context.Context, username, address string) (history.Outcome, error)
}

// Follower watches one log file. Lines already present when it starts are
// skipped; a file that is replaced (rotation) is read from its beginning.
type Follower struct {
	path    string
	tracker Tracker
	logger  zerolog.Logger
	ready   chan struct{}

	file    *os.File
	offset  int64
	partial []byte
}

// New creates a follower for path.
func New(path string, tracker Tracker, logger zerolog.Logger) *Follower {
	return &Follower{
		path:    path,
		tracker: tracker,
		logger:  logger.With().Str("component", "follow").Str("file", path).Logger(),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the follower is watching.
func (f *Follower) Ready() <-chan struct{} {
	return f.ready
}

// Run follows the file until ctx is cancelled.
func (f *Follower) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so rotation (remove/rename then create) is seen
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	if err := f.open(true); err != nil {
		return err
	}
	defer f.closeFile()

	f.logger.Info().Msg("Following server log")
	close(f.ready)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			f.handle(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Msg("File watcher error")
		}
	}
}

func (f *Follower) handle(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		f.logger.Debug().Msg("Log file recreated, reading from start")
		f.closeFile()
		if err := f.open(false); err != nil {
			f.logger.Error().Err(err).Msg("Failed to reopen log file")
			return
		}
		f.read(ctx)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		f.logger.Debug().Msg("Log file rotated away")
		f.read(ctx)
		f.closeFile()

	case event.Has(fsnotify.Write):
		if f.file == nil {
			if err := f.open(false); err != nil {
				f.logger.Error().Err(err).Msg("Failed to open log file")
				return
			}
		}
		f.read(ctx)
	}
}

// open opens the log file, positioned at its end when atEnd is set.
// A missing file is not an error; it is opened once created.
func (f *Follower) open(atEnd bool) error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.logger.Debug().Msg("Log file does not exist yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	f.offset = 0
	if atEnd {
		offset, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("seek log file: %w", err)
		}
		f.offset = offset
	}
	f.file = file
	f.partial = f.partial[:0]
	return nil
}

func (f *Follower) closeFile() {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.partial = f.partial[:0]
}

// read consumes everything appended since the last read.
func (f *Follower) read(ctx context.Context) {
	if f.file == nil {
		return
	}

	if info, err := f.file.Stat(); err == nil && info.Size() < f.offset {
		f.logger.Debug().Msg("Log file truncated, reading from start")
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			f.logger.Error().Err(err).Msg("Failed to rewind log file")
			return
		}
		f.offset = 0
		f.partial = f.partial[:0]
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := f.file.Read(buf)
		if n > 0 {
			f.offset += int64(n)
			f.consume(ctx, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Error().Err(err).Msg("Failed to read log file")
			}
			return
		}
	}
}

// consume splits data into lines, keeping any trailing partial line.
func (f *Follower) consume(ctx context.Context, data []byte) {
	f.partial = append(f.partial, data...)
	for {
		idx := bytes.IndexByte(f.partial, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(f.partial[:idx], "\r"))
		f.partial = f.partial[idx+1:]
		f.line(ctx, line)
	}
}

func (f *Follower) line(ctx context.Context, line string) {
	m, ok := logline.Parse(line)
	if !ok {
		metrics.FollowLinesTotal.WithLabelValues("ignored").Inc()
		return
	}
	metrics.FollowLinesTotal.WithLabelValues("matched").Inc()

	if _, err := f.tracker.Track(ctx, m.Username, m.Address); err != nil {
		f.logger.Error().Err(err).
			Str("username", m.Username).
			Str("address", m.Address).
			Msg("Failed to track connection")
	}
}
