package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

const maxDatagram = 8192

// StartSyslog binds the configured UDP and TCP syslog listeners. A listener
// that fails to bind is logged and skipped; the other still runs.
func StartSyslog(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Syslog
	if !current.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", current.UDPAddr, "tcp_addr", current.TCPAddr)
	}
	if current.UDPAddr != "" {
		if _, err := ListenSyslogUDP(ctx, current.UDPAddr, parser, out, logger); err != nil && logger != nil {
			logger.Error("syslog udp ingest failed", "err", err)
		}
	}
	if current.TCPAddr != "" {
		if _, err := ListenSyslogTCP(ctx, current.TCPAddr, parser, out, logger); err != nil && logger != nil {
			logger.Error("syslog tcp ingest failed", "err", err)
		}
	}
}

func newSyslogFeed(parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) *lineFeed {
	f := newLineFeed("syslog", parser, out, logger)
	f.prepare = stripPriority
	return f
}

// ListenSyslogUDP binds addr and handles one or more lines per datagram
// until ctx is done.
func ListenSyslogUDP(ctx context.Context, addr string, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) (net.Addr, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("syslog udp listen %s: %w", addr, err)
	}
	feed := newSyslogFeed(parser, out, logger)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				feed.logger.Warn("udp read error", "err", err)
				if !BackoffSleep(ctx, 50*time.Millisecond) {
					return
				}
				continue
			}
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				feed.handle(ctx, line)
			}
		}
	}()
	return conn.LocalAddr(), nil
}

// ListenSyslogTCP binds addr and reads newline-framed messages from each
// connection until ctx is done.
func ListenSyslogTCP(ctx context.Context, addr string, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("syslog tcp listen %s: %w", addr, err)
	}
	go newSyslogFeed(parser, out, logger).serve(ctx, ln)
	return ln.Addr(), nil
}

// stripPriority removes a leading RFC 3164 "<PRI>" tag.
func stripPriority(line string) string {
	trim := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trim, "<") {
		return line
	}
	end := strings.IndexByte(trim, '>')
	if end < 2 || end > 4 {
		return line
	}
	for _, ch := range trim[1:end] {
		if ch < '0' || ch > '9' {
			return line
		}
	}
	return trim[end+1:]
}
