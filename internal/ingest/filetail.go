package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

const (
	tailPollInterval  = 200 * time.Millisecond
	tailRetryInterval = 500 * time.Millisecond
)

func StartFileTail(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := newTailer(path, current.StartAtEnd, newLineFeed("file_tail", parser, out, logger))
		go t.run(ctx)
	}
}

// tailer follows one file. It reopens the path from the top when the file
// shrinks or is replaced, so rotated logs are read in full.
type tailer struct {
	path       string
	startAtEnd bool
	feed       *lineFeed
	poll       time.Duration

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial string
}

func newTailer(path string, startAtEnd bool, feed *lineFeed) *tailer {
	return &tailer{path: path, startAtEnd: startAtEnd, feed: feed, poll: tailPollInterval}
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	seekEnd := t.startAtEnd
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(seekEnd); err != nil {
				t.feed.logger.Warn("tail open failed", "path", t.path, "err", err)
				if !BackoffSleep(ctx, tailRetryInterval) {
					return
				}
				continue
			}
			seekEnd = false
		}
		if err := t.readAvailable(ctx); err != nil {
			t.feed.logger.Warn("tail read error", "path", t.path, "err", err)
			t.close()
			continue
		}
		if !BackoffSleep(ctx, t.poll) {
			return
		}
		if t.replaced() {
			t.close()
		}
	}
}

func (t *tailer) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.offset = 0
	if seekEnd {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return err
		}
		t.offset = pos
	}
	t.file, t.info, t.reader, t.partial = f, info, bufio.NewReader(f), ""
	return nil
}

// readAvailable handles every complete line written so far. A trailing
// fragment without a newline is held until the rest arrives.
func (t *tailer) readAvailable(ctx context.Context) error {
	for ctx.Err() == nil {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			t.partial += chunk
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line := t.partial + chunk
		t.partial = ""
		t.feed.handle(ctx, line)
	}
	return nil
}

func (t *tailer) replaced() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	return !os.SameFile(info, t.info) || info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file, t.info, t.reader, t.partial = nil, nil, nil, ""
}
