// Package correlator turns findings and sightings into alerts and
// groups alerts into incidents over a sliding window. It is the single
// owner of the open-incident index; mutation happens only here.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailsentry/internal/extract"
	"mailsentry/internal/metrics"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

// Severity policies: how an explicit rule/indicator hint interacts
// with the score-derived severity.
const (
	PolicyStricter = "stricter"
	PolicyHint     = "hint"
	PolicyScore    = "score"
)

// Config controls alert creation and incident grouping.
type Config struct {
	Window         time.Duration
	MinScore       int
	SeverityPolicy string
	StoreRetries   int
	StoreBackoff   time.Duration
}

// InvariantError reports an internal-consistency bug, e.g. an alert
// left unattached to any incident. Callers must surface it, never
// swallow it.
type InvariantError struct {
	AlertID string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("correlation invariant violated for alert %s: %s", e.AlertID, e.Reason)
}

// Outcome pairs a created alert with the incident it ended up in.
type Outcome struct {
	Alert    *models.Alert
	Incident models.Incident
}

// Result is the per-event correlation output.
type Result struct {
	Outcomes []Outcome
}

// Correlator is the grouping engine.
type Correlator struct {
	cfg   Config
	store *storage.Store

	// stripes serialize work per entity key; alerts with disjoint keys
	// proceed in parallel, alerts sharing a key are strictly ordered.
	stripes [stripeCount]sync.Mutex

	// tableMu guards the maps themselves; it is only ever held for
	// short in-memory operations while the stripe locks order the
	// logical work.
	tableMu   sync.Mutex
	incidents map[int64]*models.Incident
	byKey     map[string]int64
	nextID    int64

	now func() time.Time
}

const stripeCount = 64

// New creates a correlator. The incident id sequence continues from
// the highest persisted id.
func New(ctx context.Context, cfg Config, store *storage.Store) (*Correlator, error) {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 20
	}
	if cfg.SeverityPolicy == "" {
		cfg.SeverityPolicy = PolicyStricter
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 200 * time.Millisecond
	}

	c := &Correlator{
		cfg:       cfg,
		store:     store,
		incidents: make(map[int64]*models.Incident),
		byKey:     make(map[string]int64),
		now:       time.Now,
	}

	if store != nil {
		maxID, err := store.MaxIncidentID(ctx)
		if err != nil {
			return nil, err
		}
		c.nextID = maxID
	}
	return c, nil
}

// applySeverity resolves the hint-vs-score policy.
func (c *Correlator) applySeverity(computed, hint models.Severity) models.Severity {
	if hint == "" {
		return computed
	}
	switch c.cfg.SeverityPolicy {
	case PolicyHint:
		return hint
	case PolicyScore:
		return computed
	default:
		return models.Stricter(computed, hint)
	}
}

// Process converts the event's findings and sightings into alerts and
// attaches each alert to an incident. Alert rows are persisted before
// grouping so a crash never leaves an incident referencing a missing
// alert.
func (c *Correlator) Process(ctx context.Context, event *models.Event, findings []models.Finding, sightings []*models.Sighting) (Result, error) {
	var res Result
	if event == nil {
		return res, nil
	}

	keys := extract.EntityKeys(event)
	ts := event.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	var alerts []*models.Alert
	for _, f := range findings {
		if f.Score < c.cfg.MinScore {
			continue
		}
		alerts = append(alerts, &models.Alert{
			ID:            uuid.NewString(),
			EventID:       event.ID,
			OriginType:    models.OriginFinding,
			OriginRef:     f.RuleID,
			Severity:      c.applySeverity(models.SeverityFromScore(f.Score), f.SeverityHint),
			Score:         f.Score,
			EntityKeys:    keys,
			CreatedAt:     ts,
			Status:        models.AlertOpen,
			DispatchState: models.DispatchPending,
		})
	}
	for _, sg := range sightings {
		if sg.Score < c.cfg.MinScore {
			continue
		}
		alerts = append(alerts, &models.Alert{
			ID:            uuid.NewString(),
			EventID:       event.ID,
			OriginType:    models.OriginSighting,
			OriginRef:     fmt.Sprintf("%d", sg.IndicatorID),
			Severity:      c.applySeverity(models.SeverityFromScore(sg.Score), sg.SeverityHint),
			Score:         sg.Score,
			EntityKeys:    keys,
			CreatedAt:     sg.Timestamp,
			Status:        models.AlertOpen,
			DispatchState: models.DispatchPending,
		})
	}

	for _, alert := range alerts {
		err := storage.WithRetry(ctx, c.cfg.StoreRetries, c.cfg.StoreBackoff, func(ctx context.Context) error {
			return c.store.InsertAlert(ctx, alert)
		})
		if err != nil {
			return res, fmt.Errorf("persist alert %s: %w", alert.ID, err)
		}
		metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()

		incident, err := c.Attach(ctx, alert)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, Outcome{Alert: alert, Incident: incident})
	}
	return res, nil
}
