package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"threatguard/internal/logging"
	"threatguard/internal/model"
)

var ErrNotConnected = errors.New("notification transport not connected")

// Notification is the message sent to the security team on escalation.
type Notification struct {
	IncidentID   string          `json:"incident_id"`
	Kind         model.EventKind `json:"kind"`
	Level        string          `json:"level"`
	Severity     model.Severity  `json:"severity"`
	SourceIP     string          `json:"source_ip"`
	AffectedUser string          `json:"affected_user,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Techniques   []string        `json:"techniques,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Message      string          `json:"message"`
}

func FromIncident(inc model.SecurityIncident) Notification {
	return Notification{
		IncidentID:   inc.ID,
		Kind:         inc.Kind,
		Level:        inc.Level.String(),
		Severity:     inc.Severity,
		SourceIP:     inc.SourceIP,
		AffectedUser: inc.AffectedUser,
		Endpoint:     inc.Endpoint,
		Techniques:   append([]string(nil), inc.Techniques...),
		Timestamp:    inc.Timestamp,
		Message:      fmt.Sprintf("%s incident %s from %s requires security review", inc.Level, inc.Kind, inc.SourceIP),
	}
}

// Sender delivers one notification synchronously.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It is the fallback transport.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	logging.For(s.Logger, "notify").Warn("security team notification",
		"incident_id", n.IncidentID,
		"kind", n.Kind,
		"level", n.Level,
		"source_ip", n.SourceIP,
		"message", n.Message,
	)
	return nil
}

// NATSSender publishes notifications as JSON on a subject.
type NATSSender struct {
	conn    *nats.Conn
	subject string
}

func DialNATS(url, subject string) (*NATSSender, error) {
	nc, err := nats.Connect(url,
		nats.Name("threatguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSender{conn: nc, subject: subject}, nil
}

func (s *NATSSender) Send(ctx context.Context, n Notification) error {
	if s == nil || s.conn == nil || !s.conn.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return err
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *NATSSender) Close() {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
}

// BreakerSender trips after consecutive failures so a dead transport does
// not slow every escalation.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerSender(next Sender, name string, maxFailures uint32, timeout time.Duration) *BreakerSender {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &BreakerSender{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerSender) Send(ctx context.Context, n Notification) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", b.breaker.Name(), err)
	}
	return nil
}

func (b *BreakerSender) State() gobreaker.State {
	return b.breaker.State()
}
