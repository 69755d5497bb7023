// Package alerts turns health transitions into notifications, applying
// per-server cooldowns and delivering on a background worker.
package alerts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/gsm/internal/core/alerting"
	"github.com/artpar/gsm/internal/core/domain"
	"github.com/google/uuid"
)

// Delivery outcomes reported to the Recorder.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
	OutcomeDropped    = "dropped"
)

// Journal records dispatched alerts.
type Journal interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
}

// Recorder counts alert outcomes by kind.
type Recorder interface {
	RecordAlert(kind, outcome string)
}

// Config configures the dispatcher.
type Config struct {
	// Cooldown suppresses repeated down and unhealthy alerts per server.
	// Default: 15 minutes.
	Cooldown time.Duration

	// QueueSize bounds pending deliveries. Alerts beyond it are dropped.
	// Default: 64.
	QueueSize int

	// SendTimeout bounds a single delivery.
	// Default: 10 seconds.
	SendTimeout time.Duration

	// Location is the time zone used in message timestamps.
	Location *time.Location

	// DashboardURL is linked at the bottom of each message when set.
	DashboardURL string
}

type pending struct {
	id        string
	candidate alerting.Candidate
	text      string
	at        time.Time
}

// Dispatcher implements status.Observer.
type Dispatcher struct {
	notifier Notifier
	journal  Journal
	recorder Recorder
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	history  alerting.History

	queue    chan pending
	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher. journal may be nil.
func NewDispatcher(notifier Notifier, journal Journal, config Config, logger *slog.Logger) *Dispatcher {
	if config.Cooldown == 0 {
		config.Cooldown = 15 * time.Minute
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Dispatcher{
		notifier: notifier,
		journal:  journal,
		config:   config,
		logger:   logger.With("component", "alerts"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		queue:    make(chan pending, config.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// SetRecorder registers a metrics recorder.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// Cooldown returns the configured cooldown.
func (d *Dispatcher) Cooldown() time.Duration {
	return d.config.Cooldown
}

// Channel returns the notifier name.
func (d *Dispatcher) Channel() string {
	return d.notifier.Name()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.run()
	d.logger.Info("alert dispatcher started", "channel", d.notifier.Name(), "cooldown", d.config.Cooldown)
}

// Stop stops the worker after delivering what is already queued.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.startMu.Lock()
	started := d.started
	d.startMu.Unlock()
	if started {
		<-d.done
	}
	d.logger.Info("alert dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case p := <-d.queue:
			d.deliver(p)
		case <-d.stop:
			for {
				select {
				case p := <-d.queue:
					d.deliver(p)
				default:
					return
				}
			}
		}
	}
}

// =============================================================================
// Observer
// =============================================================================

// OnStatusComputed evaluates the transition from prev to cur and queues the
// alerts that pass the cooldown. It never blocks.
func (d *Dispatcher) OnStatusComputed(prev, cur *domain.AggregateStatus) {
	at := d.now()
	opts := alerting.MessageOptions{Location: d.config.Location, DashboardURL: d.config.DashboardURL}

	d.mu.Lock()
	candidates := d.history.Evaluate(prev, cur)
	d.mu.Unlock()

	for _, c := range candidates {
		if !d.accept(c, at) {
			d.logger.Debug("alert suppressed by cooldown", "server", c.Current.Name, "port", c.Current.Port, "kind", c.Kind)
			d.record(string(c.Kind), OutcomeSuppressed)
			continue
		}

		p := pending{id: uuid.NewString(), candidate: c, text: alerting.Render(c, at, opts), at: at}
		select {
		case d.queue <- p:
		default:
			d.logger.Warn("alert queue full, dropping alert", "server", c.Current.Name, "port", c.Current.Port, "kind", c.Kind)
			d.record(string(c.Kind), OutcomeDropped)
		}
	}
}

// accept checks and records the cooldown for c. Recovery alerts are always
// accepted.
func (d *Dispatcher) accept(c alerting.Candidate, at time.Time) bool {
	key := c.CooldownKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.Kind.BypassesCooldown() {
		if last, ok := d.lastSent[key]; ok && at.Sub(last) < d.config.Cooldown {
			return false
		}
	}
	d.lastSent[key] = at
	return true
}

func (d *Dispatcher) deliver(p pending) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
	defer cancel()

	c := p.candidate
	err := d.notifier.Notify(ctx, p.text)
	outcome := OutcomeSent
	if err != nil {
		outcome = OutcomeFailed
		d.logger.Error("failed to deliver alert", "server", c.Current.Name, "port", c.Current.Port, "kind", c.Kind, "error", err)
	} else {
		d.logger.Info("alert sent", "server", c.Current.Name, "port", c.Current.Port, "kind", c.Kind, "channel", d.notifier.Name())
	}
	d.record(string(c.Kind), outcome)
	d.journalAlert(ctx, p, err)
}

func (d *Dispatcher) journalAlert(ctx context.Context, p pending, sendErr error) {
	if d.journal == nil {
		return
	}

	c := p.candidate
	details := map[string]any{
		"channel":     d.notifier.Name(),
		"healthScore": c.Current.HealthScore,
		"healthTier":  c.Current.HealthTier,
		"status":      c.Current.Status,
	}
	message := string(c.Kind) + " alert delivered"
	if sendErr != nil {
		message = sendErr.Error()
	}
	raw, _ := json.Marshal(details)

	event := &domain.Event{
		ID:         p.id,
		Kind:       domain.EventAlert,
		Port:       c.Current.Port,
		ServerName: c.Current.Name,
		Action:     string(c.Kind),
		Success:    sendErr == nil,
		Message:    message,
		Details:    raw,
		CreatedAt:  p.at,
	}
	if err := d.journal.CreateEvent(context.WithoutCancel(ctx), event); err != nil {
		d.logger.Warn("failed to journal alert", "id", p.id, "error", err)
	}
}

func (d *Dispatcher) record(kind, outcome string) {
	if d.recorder != nil {
		d.recorder.RecordAlert(kind, outcome)
	}
}

// =============================================================================
// Test Message
// =============================================================================

// SendTest delivers the configuration test message synchronously. It
// bypasses the queue and cooldowns.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	opts := alerting.MessageOptions{Location: d.config.Location, DashboardURL: d.config.DashboardURL}
	text := alerting.RenderTest(d.config.Cooldown, d.now(), opts)
	if err := d.notifier.Notify(ctx, text); err != nil {
		d.record("test", OutcomeFailed)
		return err
	}
	d.record("test", OutcomeSent)
	d.logger.Info("test alert sent", "channel", d.notifier.Name())
	return nil
}
