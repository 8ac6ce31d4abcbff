package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mailsentry/pkg/models"
)

type fakeChannel struct {
	name        string
	minSeverity models.Severity

	mu       sync.Mutex
	failures int
	calls    int
	payloads []*Payload
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) MinSeverity() models.Severity {
	if f.minSeverity == "" {
		return models.SeverityLow
	}
	return f.minSeverity
}

func (f *fakeChannel) Notify(_ context.Context, p *Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("temporary failure")
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeChannel) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func testAlert(severity models.Severity) *models.Alert {
	return &models.Alert{
		ID: "a-1", EventID: "ev-1",
		OriginType: models.OriginFinding, OriginRef: "r1",
		Severity: severity, Score: 50,
		EntityKeys: []string{"src_ip=203.0.113.10"},
		CreatedAt:  time.Now(),
		Status:     models.AlertOpen, DispatchState: models.DispatchPending,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, channels ...Notifier) *Dispatcher {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	d, err := New(cfg, nil, channels, nil)
	if err != nil {
		t.Fatalf("create dispatcher: %v", err)
	}
	return d
}

func TestDispatchDeliversOnce(t *testing.T) {
	ch := &fakeChannel{name: "test"}
	d := newTestDispatcher(t, Config{EntityRateLimit: 600, EntityRateBurst: 100}, ch)

	alert := testAlert(models.SeverityHigh)
	d.Dispatch(context.Background(), alert, nil)

	if ch.delivered() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", ch.delivered())
	}
	if alert.DispatchState != models.DispatchDelivered {
		t.Fatalf("expected delivered state, got %s", alert.DispatchState)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	ch := &fakeChannel{name: "flaky", failures: 2}
	d := newTestDispatcher(t, Config{EntityRateLimit: 600, EntityRateBurst: 100, MaxRetries: 3}, ch)

	alert := testAlert(models.SeverityHigh)
	d.Dispatch(context.Background(), alert, nil)

	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", ch.calls)
	}
	if ch.delivered() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", ch.delivered())
	}
	if alert.DispatchState != models.DispatchDelivered {
		t.Fatalf("expected delivered state, got %s", alert.DispatchState)
	}
}

func TestDispatchFailsAfterRetryBudget(t *testing.T) {
	ch := &fakeChannel{name: "down", failures: 10}
	d := newTestDispatcher(t, Config{EntityRateLimit: 600, EntityRateBurst: 100, MaxRetries: 3}, ch)

	alert := testAlert(models.SeverityHigh)
	d.Dispatch(context.Background(), alert, nil)

	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", ch.calls)
	}
	if alert.DispatchState != models.DispatchFailed {
		t.Fatalf("expected dispatch_failed state, got %s", alert.DispatchState)
	}
}

func TestDispatchBelowMinSeveritySuppressed(t *testing.T) {
	ch := &fakeChannel{name: "test"}
	d := newTestDispatcher(t, Config{MinSeverity: models.SeverityHigh, EntityRateLimit: 600, EntityRateBurst: 100}, ch)

	alert := testAlert(models.SeverityLow)
	d.Dispatch(context.Background(), alert, nil)

	if ch.calls != 0 {
		t.Fatalf("expected no notification, got %d calls", ch.calls)
	}
	if alert.DispatchState != models.DispatchSuppressed {
		t.Fatalf("expected suppressed state, got %s", alert.DispatchState)
	}
}

func TestDispatchPerChannelMinSeverity(t *testing.T) {
	low := &fakeChannel{name: "low", minSeverity: models.SeverityLow}
	critical := &fakeChannel{name: "critical", minSeverity: models.SeverityCritical}
	d := newTestDispatcher(t, Config{EntityRateLimit: 600, EntityRateBurst: 100}, low, critical)

	d.Dispatch(context.Background(), testAlert(models.SeverityMedium), nil)

	if low.delivered() != 1 {
		t.Fatalf("expected low channel delivery, got %d", low.delivered())
	}
	if critical.calls != 0 {
		t.Fatalf("critical channel must not fire for medium alert, got %d", critical.calls)
	}
}

func TestDispatchRateLimitsPerEntity(t *testing.T) {
	ch := &fakeChannel{name: "test"}
	d := newTestDispatcher(t, Config{EntityRateLimit: 0.001, EntityRateBurst: 2}, ch)

	var suppressed int
	for i := 0; i < 5; i++ {
		alert := testAlert(models.SeverityHigh)
		d.Dispatch(context.Background(), alert, nil)
		if alert.DispatchState == models.DispatchSuppressed {
			suppressed++
		}
	}
	if ch.delivered() != 2 {
		t.Fatalf("expected burst of 2 deliveries, got %d", ch.delivered())
	}
	if suppressed != 3 {
		t.Fatalf("expected 3 suppressed alerts, got %d", suppressed)
	}

	// A different entity has its own budget.
	other := testAlert(models.SeverityHigh)
	other.EntityKeys = []string{"query_name=evil.test"}
	d.Dispatch(context.Background(), other, nil)
	if other.DispatchState != models.DispatchDelivered {
		t.Fatalf("expected fresh entity to deliver, got %s", other.DispatchState)
	}
}

func TestDispatchThrottledKeyKeepsOthersBudget(t *testing.T) {
	ch := &fakeChannel{name: "test"}
	d := newTestDispatcher(t, Config{EntityRateLimit: 0.001, EntityRateBurst: 1}, ch)

	// Spend the query_name key's only token.
	first := testAlert(models.SeverityHigh)
	first.EntityKeys = []string{"query_name=evil.test"}
	d.Dispatch(context.Background(), first, nil)
	if first.DispatchState != models.DispatchDelivered {
		t.Fatalf("expected first alert delivered, got %s", first.DispatchState)
	}

	// The two-key alert is throttled on query_name; the src_ip token it
	// checked first must be returned, not consumed.
	both := testAlert(models.SeverityHigh)
	both.EntityKeys = []string{"src_ip=203.0.113.10", "query_name=evil.test"}
	d.Dispatch(context.Background(), both, nil)
	if both.DispatchState != models.DispatchSuppressed {
		t.Fatalf("expected suppressed, got %s", both.DispatchState)
	}

	solo := testAlert(models.SeverityHigh)
	d.Dispatch(context.Background(), solo, nil)
	if solo.DispatchState != models.DispatchDelivered {
		t.Fatalf("src_ip budget drained by a throttled co-key: %s", solo.DispatchState)
	}
	if ch.delivered() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", ch.delivered())
	}
}

func TestFileChannelWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "notifications.jsonl")
	ch, err := NewFileChannel("file", path, models.SeverityLow)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	alert := testAlert(models.SeverityHigh)
	p := &Payload{Kind: "finding", Severity: alert.Severity, Alert: alert, Summary: "test"}
	if err := ch.Notify(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ch.Notify(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", lines)
	}

	var decoded Payload
	if err := json.Unmarshal(data[:len(data)/2], &decoded); err != nil {
		t.Fatalf("decode first line: %v", err)
	}
	if decoded.Severity != models.SeverityHigh {
		t.Fatalf("unexpected severity: %s", decoded.Severity)
	}
}

func TestWebhookChannel(t *testing.T) {
	var got *Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got = &p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL, map[string]string{"X-Token": "secret"}, models.SeverityLow, time.Second)
	alert := testAlert(models.SeverityCritical)
	err := ch.Notify(context.Background(), &Payload{Kind: "finding", Severity: alert.Severity, Alert: alert})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Severity != models.SeverityCritical {
		t.Fatalf("unexpected payload: %+v", got)
	}

	bad := NewWebhookChannel("hook", srv.URL, nil, models.SeverityLow, time.Second)
	if err := bad.Notify(context.Background(), &Payload{}); err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
}

func TestSMTPChannelBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	ch := NewSMTPChannel("mail", "127.0.0.1", 25, "sentry@localhost", []string{"ops@localhost"}, models.SeverityHigh)
	ch.send = func(addr, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	p := &Payload{
		Severity:   models.SeverityCritical,
		Summary:    "critical sighting alert",
		Enrichment: map[string]string{"src_ip=203.0.113.10": "listed on local blocklist"},
	}
	if err := ch.Notify(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != "127.0.0.1:25" || gotFrom != "sentry@localhost" || len(gotTo) != 1 {
		t.Fatalf("unexpected envelope: %s %s %v", gotAddr, gotFrom, gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{"Subject: [mailsentry] critical alert", "critical sighting alert", "listed on local blocklist"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}
