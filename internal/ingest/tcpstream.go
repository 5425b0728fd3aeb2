package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

// StartTCPStream accepts newline-delimited events on the configured address.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	addr, err := ListenTCPStream(ctx, current.Addr, parser, out, logger)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream ingest failed", "err", err)
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", addr.String())
	}
}

// ListenTCPStream binds addr and serves it until ctx is done. The bound
// address is returned, so ":0" picks a free port.
func ListenTCPStream(ctx context.Context, addr string, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp stream listen %s: %w", addr, err)
	}
	go newLineFeed("tcp_stream", parser, out, logger).serve(ctx, ln)
	return ln.Addr(), nil
}
