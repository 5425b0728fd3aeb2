package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"threatguard/internal/config"
	"threatguard/internal/model"
)

// messageReader is the part of *kafka.Reader the consumer needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.SecurityEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consumeKafka(ctx, reader, newLineFeed("kafka", parser, out, logger), time.Second)
}

// consumeKafka reads until ctx is done, backing off after read errors. A
// message value may carry several newline-separated events.
func consumeKafka(ctx context.Context, r messageReader, feed *lineFeed, backoff time.Duration) {
	defer r.Close()
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			feed.logger.Warn("kafka read error", "err", err)
			if !BackoffSleep(ctx, backoff) {
				return
			}
			continue
		}
		forwarded := 0
		for _, line := range strings.Split(string(m.Value), "\n") {
			if feed.handle(ctx, line) {
				forwarded++
			}
		}
		if forwarded == 0 {
			feed.logger.Debug("kafka message carried no events", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
		}
	}
}
