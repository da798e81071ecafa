// Package notify delivers trading events and alerts to tenants over Telegram.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portfolio-watch-bot/internal/metrics"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/reconcile"

	"go.uber.org/zap"
)

// Sender delivers one text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TenantLookup returns tenant settings; satisfied by *tenant.Store.
type TenantLookup interface {
	Get(ctx context.Context, id int64) (*models.Tenant, error)
}

// Options configure a Dispatcher.
type Options struct {
	ChannelID   int64
	Cooldown    time.Duration
	QueueSize   int
	SendTimeout time.Duration
}

type jobKind int

const (
	jobEvent jobKind = iota
	jobText
	jobDiagnostic
)

type job struct {
	kind     jobKind
	tenantID int64
	event    reconcile.TradingEvent
	text     string
}

// Dispatcher queues notifications and sends them from a single worker so
// that callers never wait on Telegram.
type Dispatcher struct {
	sender   Sender
	tenants  TenantLookup
	opts     Options
	cooldown *Cooldown
	logger   *zap.Logger

	queue chan job
}

var _ reconcile.Sink = (*Dispatcher)(nil)

func NewDispatcher(sender Sender, tenants TenantLookup, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:   sender,
		tenants:  tenants,
		opts:     opts,
		cooldown: NewCooldown(opts.Cooldown),
		logger:   logger.Named("notify"),
		queue:    make(chan job, opts.QueueSize),
	}
}

// OnTradingEvent queues ev. Buy and Sell events inside the cooldown window of
// the same tenant, asset and kind are dropped; Close events always go out.
func (d *Dispatcher) OnTradingEvent(_ context.Context, tenantID int64, ev reconcile.TradingEvent) {
	if ev.Kind != reconcile.KindClose {
		key := fmt.Sprintf("%d/%s/%s", tenantID, ev.Asset, ev.Kind)
		if !d.cooldown.Allow(key, ev.At) {
			metrics.Notifications.WithLabelValues("suppressed").Inc()
			return
		}
	}
	d.enqueue(job{kind: jobEvent, tenantID: tenantID, event: ev})
}

// Notify queues a plain message to the tenant.
func (d *Dispatcher) Notify(_ context.Context, tenantID int64, text string) {
	d.enqueue(job{kind: jobText, tenantID: tenantID, text: text})
}

// Diagnose reports a reconciliation failure to the tenant if debug mode is on.
func (d *Dispatcher) Diagnose(_ context.Context, tenantID int64, err error) {
	if err == nil {
		return
	}
	d.enqueue(job{kind: jobDiagnostic, tenantID: tenantID, text: err.Error()})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		metrics.Notifications.WithLabelValues("dropped").Inc()
		d.logger.Warn("Notification queue full, dropping message", zap.Int64("tenant", j.tenantID))
	}
}

// Run sends queued messages until ctx is done, then drains what is left
// with a fresh deadline per message.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case j := <-d.queue:
			d.deliver(ctx, j)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			d.deliver(context.Background(), j)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	log := d.logger.With(zap.Int64("tenant", j.tenantID))

	t, err := d.tenants.Get(ctx, j.tenantID)
	if err != nil {
		log.Warn("Cannot resolve tenant for notification", zap.Error(err))
		metrics.Notifications.WithLabelValues("failed").Inc()
		return
	}

	switch j.kind {
	case jobEvent:
		d.send(ctx, log, t.ID, FormatEvent(j.event))
		if t.ShareToChannel && d.opts.ChannelID != 0 {
			d.send(ctx, log, d.opts.ChannelID, FormatPublicEvent(j.event))
		}
	case jobText:
		d.send(ctx, log, t.ID, j.text)
	case jobDiagnostic:
		if !t.Debug {
			return
		}
		d.send(ctx, log, t.ID, "⚠️ Reconciliation failed: "+j.text)
	}
}

func (d *Dispatcher) send(ctx context.Context, log *zap.Logger, chatID int64, text string) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := d.sender.Send(sctx, chatID, text); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		log.Warn("Failed to send notification", zap.Int64("chat", chatID), zap.Error(err))
		return
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
}

// Cooldown rate-limits keys to one pass per window. A zero window allows everything.
type Cooldown struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
	swept  time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: make(map[string]time.Time)}
}

// Allow reports whether key may pass at now and records it if so.
func (c *Cooldown) Allow(key string, now time.Time) bool {
	if c.window <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// prune drops expired keys, at most once per window.
func (c *Cooldown) prune(now time.Time) {
	if now.Sub(c.swept) < c.window {
		return
	}
	for k, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, k)
		}
	}
	c.swept = now
}
