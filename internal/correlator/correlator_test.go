package correlator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

func newTestCorrelator(t *testing.T, cfg Config) (*Correlator, *storage.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c, err := New(context.Background(), cfg, db)
	if err != nil {
		t.Fatalf("create correlator: %v", err)
	}
	return c, db
}

func eventAt(id string, ts time.Time, fields map[string]string) *models.Event {
	return &models.Event{ID: id, Timestamp: ts, SourceType: models.SourceDNS, Fields: fields}
}

func finding(rule string, score int) models.Finding {
	return models.Finding{RuleID: rule, Score: score}
}

func TestAlertsWithinWindowShareIncident(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := map[string]string{"src_ip": "203.0.113.10"}

	r1, err := c.Process(ctx, eventAt("ev-1", t0, key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := c.Process(ctx, eventAt("ev-2", t0.Add(10*time.Minute), key), []models.Finding{finding("r2", 70)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r1.Outcomes) != 1 || len(r2.Outcomes) != 1 {
		t.Fatalf("expected one outcome each, got %d and %d", len(r1.Outcomes), len(r2.Outcomes))
	}
	if r1.Outcomes[0].Incident.ID != r2.Outcomes[0].Incident.ID {
		t.Fatalf("expected shared incident, got %d and %d", r1.Outcomes[0].Incident.ID, r2.Outcomes[0].Incident.ID)
	}

	inc := r2.Outcomes[0].Incident
	if len(inc.AlertIDs) != 2 {
		t.Fatalf("expected 2 alerts in incident, got %d", len(inc.AlertIDs))
	}
	if inc.AggregateSeverity != models.SeverityHigh {
		t.Fatalf("expected aggregate severity high, got %s", inc.AggregateSeverity)
	}
	if !inc.OpenedAt.Equal(t0) || !inc.LastUpdatedAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("unexpected incident times: %v / %v", inc.OpenedAt, inc.LastUpdatedAt)
	}
}

func TestAlertAfterWindowOpensFreshIncident(t *testing.T) {
	c, db := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := map[string]string{"src_ip": "203.0.113.10"}

	r1, err := c.Process(ctx, eventAt("ev-1", t0, key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := c.Process(ctx, eventAt("ev-2", t0.Add(40*time.Minute), key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := r1.Outcomes[0].Incident
	second := r2.Outcomes[0].Incident
	if first.ID == second.ID {
		t.Fatalf("expected a fresh incident after the window elapsed")
	}
	if len(second.AlertIDs) != 1 {
		t.Fatalf("expected fresh incident with 1 alert, got %d", len(second.AlertIDs))
	}

	// The expired incident was closed, not extended.
	closed, err := db.QueryIncidents(ctx, storage.IncidentQuery{Status: models.IncidentClosed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != first.ID {
		t.Fatalf("expected incident %d closed, got %+v", first.ID, closed)
	}
	if len(c.OpenIncidents()) != 1 {
		t.Fatalf("expected exactly one open incident")
	}
}

func TestAlertAtExactWindowBoundaryOpensFreshIncident(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := map[string]string{"src_ip": "203.0.113.10"}

	r1, err := c.Process(ctx, eventAt("ev-1", t0, key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := c.Process(ctx, eventAt("ev-2", t0.Add(10*time.Minute), key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.Outcomes[0].Incident.ID != r2.Outcomes[0].Incident.ID {
		t.Fatalf("expected shared incident, got %d and %d",
			r1.Outcomes[0].Incident.ID, r2.Outcomes[0].Incident.ID)
	}

	// Exactly last_updated_at + window: the gap equals the window, so
	// the old incident closes and a second one opens.
	r3, err := c.Process(ctx, eventAt("ev-3", t0.Add(40*time.Minute), key), []models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third := r3.Outcomes[0].Incident
	if third.ID == r2.Outcomes[0].Incident.ID {
		t.Fatalf("alert at the exact window boundary must open a fresh incident")
	}
	if len(third.AlertIDs) != 1 {
		t.Fatalf("expected fresh incident with 1 alert, got %d", len(third.AlertIDs))
	}
}

func TestBridgingAlertMergesIncidents(t *testing.T) {
	c, db := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	r1, err := c.Process(ctx, eventAt("ev-1", t0, map[string]string{"src_ip": "203.0.113.10"}),
		[]models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := c.Process(ctx, eventAt("ev-2", t0.Add(time.Minute), map[string]string{"query_name": "evil.test"}),
		[]models.Finding{finding("r2", 90)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.Outcomes[0].Incident.ID == r2.Outcomes[0].Incident.ID {
		t.Fatalf("disjoint entities must not share an incident")
	}

	// One event touching both entities merges the two incidents.
	r3, err := c.Process(ctx, eventAt("ev-3", t0.Add(2*time.Minute),
		map[string]string{"src_ip": "203.0.113.10", "query_name": "evil.test"}),
		[]models.Finding{finding("r3", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged := r3.Outcomes[0].Incident
	if len(merged.AlertIDs) != 3 {
		t.Fatalf("expected 3 alerts after merge, got %d", len(merged.AlertIDs))
	}
	if len(merged.EntityKeys) != 2 {
		t.Fatalf("expected 2 entity keys after merge, got %v", merged.EntityKeys)
	}
	if merged.AggregateSeverity != models.SeverityCritical {
		t.Fatalf("expected critical aggregate, got %s", merged.AggregateSeverity)
	}
	if !merged.OpenedAt.Equal(t0) {
		t.Fatalf("expected earliest opened_at to survive, got %v", merged.OpenedAt)
	}

	// Survivor is the most recently updated incident.
	if merged.ID != r2.Outcomes[0].Incident.ID {
		t.Fatalf("expected incident %d to survive, got %d", r2.Outcomes[0].Incident.ID, merged.ID)
	}

	open := c.OpenIncidents()
	if len(open) != 1 {
		t.Fatalf("expected one open incident after merge, got %d", len(open))
	}

	absorbed, err := db.QueryIncidents(ctx, storage.IncidentQuery{Status: models.IncidentMerged})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(absorbed) != 1 || absorbed[0].ID != r1.Outcomes[0].Incident.ID {
		t.Fatalf("expected incident %d marked merged, got %+v", r1.Outcomes[0].Incident.ID, absorbed)
	}
}

func TestMinScoreFiltersAlerts(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute, MinScore: 20})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := c.Process(ctx, eventAt("ev-1", t0, map[string]string{"src_ip": "203.0.113.10"}),
		[]models.Finding{finding("weak", 10), finding("strong", 50)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Outcomes) != 1 {
		t.Fatalf("expected only the strong finding to alert, got %d", len(res.Outcomes))
	}
	if res.Outcomes[0].Alert.OriginRef != "strong" {
		t.Fatalf("unexpected alert origin: %s", res.Outcomes[0].Alert.OriginRef)
	}
}

func TestSeverityPolicies(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	fields := map[string]string{"src_ip": "203.0.113.10"}
	// Score 40 computes medium; hint is critical.
	f := models.Finding{RuleID: "r1", Score: 40, SeverityHint: models.SeverityCritical}

	cases := []struct {
		policy string
		want   models.Severity
	}{
		{PolicyStricter, models.SeverityCritical},
		{PolicyHint, models.SeverityCritical},
		{PolicyScore, models.SeverityMedium},
	}
	for _, tc := range cases {
		c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute, SeverityPolicy: tc.policy})
		res, err := c.Process(ctx, eventAt("ev-1", t0, fields), []models.Finding{f}, nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.policy, err)
		}
		if got := res.Outcomes[0].Alert.Severity; got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.policy, tc.want, got)
		}
	}
}

func TestSightingAlertsCarryIndicatorRef(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := c.Process(ctx, eventAt("ev-1", t0, map[string]string{"query_name": "evil.test"}), nil,
		[]*models.Sighting{{
			IndicatorID: 42, EventID: "ev-1", Timestamp: t0,
			Type: models.IndicatorDomain, Value: "evil.test", MatchedField: "query_name",
			Score: 90, SeverityHint: models.SeverityCritical,
		}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(res.Outcomes))
	}
	a := res.Outcomes[0].Alert
	if a.OriginType != models.OriginSighting || a.OriginRef != "42" {
		t.Fatalf("unexpected origin: %s/%s", a.OriginType, a.OriginRef)
	}
	if a.Severity != models.SeverityCritical {
		t.Fatalf("unexpected severity: %s", a.Severity)
	}
}

func TestEventWithoutEntityKeysStillGetsIncident(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := c.Process(ctx, eventAt("ev-1", t0, map[string]string{"status": "rejected"}),
		[]models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Incident.ID == 0 {
		t.Fatalf("keyless alert must still be attached: %+v", res.Outcomes)
	}
}

func TestSweepClosesIdleIncidents(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := c.Process(ctx, eventAt("ev-1", t0, map[string]string{"src_ip": "203.0.113.10"}),
		[]models.Finding{finding("r1", 40)}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.now = func() time.Time { return t0.Add(10 * time.Minute) }
	if n := c.Sweep(ctx); n != 0 {
		t.Fatalf("expected nothing swept inside window, got %d", n)
	}

	// Exactly window elapsed counts as expired.
	c.now = func() time.Time { return t0.Add(30 * time.Minute) }
	if n := c.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 swept incident, got %d", n)
	}
	if len(c.OpenIncidents()) != 0 {
		t.Fatalf("expected no open incidents after sweep")
	}
}

func TestIncidentIDsContinueAcrossRestarts(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c1, err := New(ctx, Config{Window: 30 * time.Minute}, db)
	if err != nil {
		t.Fatalf("create correlator: %v", err)
	}
	r1, err := c1.Process(ctx, eventAt("ev-1", t0, map[string]string{"src_ip": "203.0.113.10"}),
		[]models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c2, err := New(ctx, Config{Window: 30 * time.Minute}, db)
	if err != nil {
		t.Fatalf("create correlator: %v", err)
	}
	r2, err := c2.Process(ctx, eventAt("ev-2", t0, map[string]string{"query_name": "evil.test"}),
		[]models.Finding{finding("r1", 40)}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r2.Outcomes[0].Incident.ID <= r1.Outcomes[0].Incident.ID {
		t.Fatalf("expected id sequence to continue, got %d then %d",
			r1.Outcomes[0].Incident.ID, r2.Outcomes[0].Incident.ID)
	}
}

func TestConcurrentAlertsSameEntityNoDoubleCount(t *testing.T) {
	c, _ := newTestCorrelator(t, Config{Window: 30 * time.Minute})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const n = 24
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Process(ctx,
				eventAt(fmt.Sprintf("ev-%d", i), t0.Add(time.Duration(i)*time.Second),
					map[string]string{"src_ip": "203.0.113.10"}),
				[]models.Finding{finding("r1", 40)}, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	open := c.OpenIncidents()
	if len(open) != 1 {
		t.Fatalf("expected a single incident, got %d", len(open))
	}
	if len(open[0].AlertIDs) != n {
		t.Fatalf("expected %d alerts exactly once each, got %d", n, len(open[0].AlertIDs))
	}
	seen := make(map[string]struct{}, n)
	for _, id := range open[0].AlertIDs {
		if _, dup := seen[id]; dup {
			t.Fatalf("alert %s counted twice", id)
		}
		seen[id] = struct{}{}
	}
}
