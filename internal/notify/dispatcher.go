package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"threatguard/internal/logging"
	"threatguard/internal/metrics"
	"threatguard/internal/model"
)

// Dispatcher queues escalations and delivers them on a background worker.
// NotifySecurityTeam never blocks; failures are logged and counted.
type Dispatcher struct {
	logger     *slog.Logger
	primary    Sender
	fallback   Sender
	queue      chan Notification
	cooldown   *Cooldown
	period     time.Duration
	timeout    time.Duration
	collectors *metrics.Collectors
	wg         sync.WaitGroup
	once       sync.Once
	mu         sync.RWMutex
	closed     bool
}

type DispatcherConfig struct {
	QueueSize   int
	Cooldown    time.Duration
	SendTimeout time.Duration
}

func NewDispatcher(primary Sender, cfg DispatcherConfig, logger *slog.Logger, collectors *metrics.Collectors) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	log := logging.For(logger, "notify")
	return &Dispatcher{
		logger:     log,
		primary:    primary,
		fallback:   LogSender{Logger: logger},
		queue:      make(chan Notification, cfg.QueueSize),
		cooldown:   NewCooldown(nil),
		period:     cfg.Cooldown,
		timeout:    cfg.SendTimeout,
		collectors: collectors,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case n, ok := <-d.queue:
				if !ok {
					return
				}
				d.deliver(ctx, n)
			case <-ctx.Done():
				d.drain()
				return
			}
		}
	}()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(context.Background(), n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if d.primary != nil {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.primary.Send(sendCtx, n)
		cancel()
		if err == nil {
			d.collectors.ObserveNotification("sent")
			return
		}
		d.logger.Warn("notification delivery failed", "incident_id", n.IncidentID, "err", err)
		d.collectors.ObserveNotification("failed")
	}
	_ = d.fallback.Send(ctx, n)
}

// NotifySecurityTeam enqueues a notification for inc. Repeats from the same
// source within the cooldown and overflow of the queue are dropped.
func (d *Dispatcher) NotifySecurityTeam(inc model.SecurityIncident) error {
	if !d.cooldown.Allow(string(inc.Kind)+"|"+inc.SourceIP, d.period) {
		d.collectors.ObserveNotification("suppressed")
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrNotConnected
	}
	select {
	case d.queue <- FromIncident(inc):
		return nil
	default:
		d.collectors.ObserveNotification("dropped")
		d.logger.Warn("notification queue full", "incident_id", inc.ID)
		return nil
	}
}

// Close stops accepting notifications and waits for queued ones.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
