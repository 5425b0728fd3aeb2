package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"threatguard/internal/logging"
	"threatguard/internal/model"
	"threatguard/internal/normalize"
)

const maxLineBytes = 1 << 20

func SendNonBlocking(ctx context.Context, out chan<- model.SecurityEvent, ev model.SecurityEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "kind", ev.Kind, "client_ip", ev.ClientIP)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// lineFeed turns raw lines from one source into normalized events on out.
type lineFeed struct {
	source  string
	parser  *Parser
	out     chan<- model.SecurityEvent
	logger  *slog.Logger
	now     func() time.Time
	prepare func(string) string
}

func newLineFeed(source string, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) *lineFeed {
	if parser == nil {
		parser = NewParser()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &lineFeed{
		source: source,
		parser: parser,
		out:    out,
		logger: logger.With("source", source),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// handle parses, normalizes and forwards one line. It reports whether an
// event reached out.
func (f *lineFeed) handle(ctx context.Context, line string) bool {
	if f.prepare != nil {
		line = f.prepare(line)
	}
	fields, err := f.parser.ParseLine(line)
	if err != nil {
		f.logger.Debug("unparseable line", "err", err)
		return false
	}
	if fields == nil {
		return false
	}
	ev, err := normalize.Normalize(*fields, f.now())
	if err != nil {
		f.logger.Warn("normalize error", "err", err)
		return false
	}
	ev.Source = f.source
	return SendNonBlocking(ctx, f.out, ev, f.logger)
}

// drain handles r line by line until EOF or ctx is done.
func (f *lineFeed) drain(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.handle(ctx, scanner.Text())
	}
	return scanner.Err()
}

// serve accepts connections on ln and drains each one. ln is closed when ctx
// is done; serve returns once Accept fails for good.
func (f *lineFeed) serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			f.logger.Warn("accept error", "err", err)
			if !BackoffSleep(ctx, 50*time.Millisecond) {
				return
			}
			continue
		}
		go func() {
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			if err := f.drain(ctx, conn); err != nil && ctx.Err() == nil {
				f.logger.Warn("connection read error", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}
