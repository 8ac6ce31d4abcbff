// Package dispatch routes finished alerts to notification channels,
// with per-entity rate limiting so a noisy host cannot flood the
// on-call surface.
package dispatch

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"mailsentry/internal/logger"
	"mailsentry/internal/metrics"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

// Notifier delivers one payload to one destination. Implementations
// must be safe for concurrent use.
type Notifier interface {
	Name() string
	MinSeverity() models.Severity
	Notify(ctx context.Context, p *Payload) error
}

// Enricher adds local context (blacklist reasons, IP reputation) to a
// payload keyed by the alert's entities.
type Enricher interface {
	Annotate(entityKeys []string) map[string]string
}

// Payload is the wire shape handed to every channel.
type Payload struct {
	Kind       string            `json:"kind"`
	Severity   models.Severity   `json:"severity"`
	Score      int               `json:"score"`
	EntityKeys []string          `json:"entity_keys"`
	Summary    string            `json:"summary"`
	Alert      *models.Alert     `json:"alert"`
	Incident   *models.Incident  `json:"incident,omitempty"`
	Enrichment map[string]string `json:"enrichment,omitempty"`
}

// Config controls routing and throttling.
type Config struct {
	MinSeverity models.Severity

	// EntityRateLimit is notifications per minute per entity key.
	EntityRateLimit float64
	EntityRateBurst int

	MaxRetries   int
	RetryBackoff time.Duration
}

// Dispatcher fans alerts out to the configured channels and records
// the outcome on the alert row.
type Dispatcher struct {
	cfg      Config
	store    *storage.Store
	channels []Notifier
	enricher Enricher

	limiters *lru.Cache[string, *rate.Limiter]
}

// New creates a dispatcher. enricher may be nil.
func New(cfg Config, store *storage.Store, channels []Notifier, enricher Enricher) (*Dispatcher, error) {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = models.SeverityLow
	}
	if cfg.EntityRateLimit <= 0 {
		cfg.EntityRateLimit = 10
	}
	if cfg.EntityRateBurst <= 0 {
		cfg.EntityRateBurst = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	limiters, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		channels: channels,
		enricher: enricher,
		limiters: limiters,
	}, nil
}

func (d *Dispatcher) limiterFor(key string) *rate.Limiter {
	if lim, ok := d.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(d.cfg.EntityRateLimit/60.0), d.cfg.EntityRateBurst)
	d.limiters.Add(key, lim)
	return lim
}

// allowed reserves one notification slot across all of the alert's
// entity keys. Any throttled key suppresses the whole alert; the
// reservations already taken are returned so a throttled key never
// drains the budget of its co-occurring keys.
func (d *Dispatcher) allowed(keys []string) bool {
	now := time.Now()
	held := make([]*rate.Reservation, 0, len(keys))
	for _, key := range keys {
		r := d.limiterFor(key).ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range held {
				prev.CancelAt(now)
			}
			return false
		}
		held = append(held, r)
	}
	return true
}

// Dispatch notifies every eligible channel about one alert and its
// incident, then records the dispatch state. A throttled or
// below-threshold alert is marked suppressed; a channel that still
// fails after the retry budget marks the alert dispatch_failed.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, incident *models.Incident) {
	if alert == nil {
		return
	}

	if alert.Severity.Rank() < d.cfg.MinSeverity.Rank() {
		d.setState(ctx, alert, models.DispatchSuppressed)
		return
	}
	if !d.allowed(alert.EntityKeys) {
		logger.Debugf("Suppressed alert %s: entity rate limit", alert.ID)
		d.setState(ctx, alert, models.DispatchSuppressed)
		return
	}

	eligible := make([]Notifier, 0, len(d.channels))
	for _, ch := range d.channels {
		if alert.Severity.Rank() >= ch.MinSeverity().Rank() {
			eligible = append(eligible, ch)
		}
	}
	if len(eligible) == 0 {
		d.setState(ctx, alert, models.DispatchSuppressed)
		return
	}

	payload := d.buildPayload(alert, incident)
	failed := false
	for _, ch := range eligible {
		if err := d.notifyWithRetry(ctx, ch, payload); err != nil {
			logger.Errorf("Channel %s failed for alert %s: %v", ch.Name(), alert.ID, err)
			metrics.DispatchFailures.WithLabelValues(ch.Name()).Inc()
			failed = true
		}
	}

	if failed {
		d.setState(ctx, alert, models.DispatchFailed)
		return
	}
	d.setState(ctx, alert, models.DispatchDelivered)
}

func (d *Dispatcher) buildPayload(alert *models.Alert, incident *models.Incident) *Payload {
	p := &Payload{
		Kind:       string(alert.OriginType),
		Severity:   alert.Severity,
		Score:      alert.Score,
		EntityKeys: alert.EntityKeys,
		Summary:    summarize(alert, incident),
		Alert:      alert,
		Incident:   incident,
	}
	if d.enricher != nil {
		p.Enrichment = d.enricher.Annotate(alert.EntityKeys)
	}
	return p
}

func (d *Dispatcher) notifyWithRetry(ctx context.Context, ch Notifier, p *Payload) error {
	var err error
	backoff := d.cfg.RetryBackoff
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = ch.Notify(ctx, p); err == nil {
			return nil
		}
	}
	return err
}

func (d *Dispatcher) setState(ctx context.Context, alert *models.Alert, state models.DispatchState) {
	alert.DispatchState = state
	if d.store == nil {
		return
	}
	if err := d.store.SetAlertDispatchState(ctx, alert.ID, state); err != nil {
		logger.Warnf("Failed to record dispatch state for alert %s: %v", alert.ID, err)
	}
}
