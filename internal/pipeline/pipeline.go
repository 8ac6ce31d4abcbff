// Package pipeline wires the engine together: consume raw events,
// validate, run detection and indicator matching, correlate, dispatch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"mailsentry/internal/correlator"
	"mailsentry/internal/dispatch"
	"mailsentry/internal/indicators"
	"mailsentry/internal/logger"
	"mailsentry/internal/metrics"
	"mailsentry/internal/rules"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

// Source yields raw event payloads. A nil payload with nil error means
// nothing was queued within the source's block timeout.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Config controls pipeline concurrency and shutdown.
type Config struct {
	Workers       int
	QueueSize     int
	ShutdownGrace time.Duration
	SweepInterval time.Duration
	StoreRetries  int
	StoreBackoff  time.Duration
}

// Pipeline is the event processing loop.
type Pipeline struct {
	cfg        Config
	source     Source
	engine     *rules.Engine
	indicators *indicators.Store
	correlator *correlator.Correlator
	dispatcher *dispatch.Dispatcher
	store      *storage.Store
}

// New assembles a pipeline. source may be nil for direct-ingest use
// (tests, the ingest CLI).
func New(cfg Config, source Source, engine *rules.Engine, ind *indicators.Store, corr *correlator.Correlator, disp *dispatch.Dispatcher, store *storage.Store) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = 3
	}
	if cfg.StoreBackoff <= 0 {
		cfg.StoreBackoff = 200 * time.Millisecond
	}
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		engine:     engine,
		indicators: ind,
		correlator: corr,
		dispatcher: disp,
		store:      store,
	}
}

// Run starts the read loop, the worker pool and the incident sweeper,
// and blocks until ctx is canceled. Queued events get ShutdownGrace to
// drain before in-flight work is cut off.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Pipeline started with %d workers", p.cfg.Workers)

	// Workers keep draining after ctx cancels, up to the grace period.
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()

	msgCh := make(chan []byte, p.cfg.QueueSize)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(procCtx, msgCh)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		logger.Warnf("Shutdown grace elapsed, abandoning queued events")
		cancelProc()
		<-done
	}
	return ctx.Err()
}

// Close releases the source.
func (p *Pipeline) Close() error {
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop event: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) workerLoop(ctx context.Context, in <-chan []byte) {
	for payload := range in {
		if ctx.Err() != nil {
			return
		}
		p.handle(ctx, payload)
	}
}

func (p *Pipeline) handle(ctx context.Context, payload []byte) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		logger.Warnf("Failed to decode event: %v", err)
		return
	}

	if _, err := p.Ingest(ctx, &event); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			// Already counted and logged; nothing to retry.
			return
		}
		logger.Errorf("Failed to process event %s: %v", event.ID, err)
	}
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.correlator.Sweep(ctx); n > 0 {
				logger.Infof("Swept %d expired incidents", n)
			}
		}
	}
}

// Ingest runs one already-decoded event through the full pipeline:
// validation, rule evaluation, indicator matching, correlation and
// dispatch. It is the synchronous entry point behind both the Redis
// workers and direct submission.
func (p *Pipeline) Ingest(ctx context.Context, event *models.Event) (correlator.Result, error) {
	if err := event.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			metrics.EventsRejected.WithLabelValues(ve.Field).Inc()
		} else {
			metrics.EventsRejected.WithLabelValues("invalid").Inc()
		}
		logger.Warnf("Rejected event %s: %v", event.ID, err)
		return correlator.Result{}, err
	}
	metrics.EventsIngested.WithLabelValues(event.SourceType).Inc()

	// Detection and indicator matching are independent; run them side
	// by side.
	var (
		findings  []models.Finding
		sightings []*models.Sighting
		wg        sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if p.engine != nil {
			findings = p.engine.Evaluate(event)
		}
	}()
	go func() {
		defer wg.Done()
		if p.indicators != nil {
			sightings = p.indicators.Match(ctx, event)
		}
	}()
	wg.Wait()

	for _, f := range findings {
		metrics.FindingsCreated.WithLabelValues(f.RuleID).Inc()
	}

	for _, sg := range sightings {
		sg := sg
		err := storage.WithRetry(ctx, p.cfg.StoreRetries, p.cfg.StoreBackoff, func(ctx context.Context) error {
			return p.store.AppendSighting(ctx, sg)
		})
		if err != nil {
			p.deadLetter(ctx, event, "persist sighting: "+err.Error())
			return correlator.Result{}, err
		}
	}

	res, err := p.correlator.Process(ctx, event, findings, sightings)
	if err != nil {
		p.deadLetter(ctx, event, "correlate: "+err.Error())
		return res, err
	}

	if p.dispatcher != nil {
		for i := range res.Outcomes {
			incident := res.Outcomes[i].Incident
			p.dispatcher.Dispatch(ctx, res.Outcomes[i].Alert, &incident)
		}
	}
	return res, nil
}

// deadLetter records an event whose durable writes exhausted their
// retries.
func (p *Pipeline) deadLetter(ctx context.Context, event *models.Event, reason string) {
	metrics.DeadLetters.Inc()
	payload, err := json.Marshal(event)
	if err != nil {
		payload = []byte("{}")
	}
	if err := p.store.InsertDeadLetter(ctx, event.ID, string(payload), reason); err != nil {
		logger.Errorf("Failed to dead-letter event %s: %v", event.ID, err)
		return
	}
	logger.Warnf("Dead-lettered event %s: %s", event.ID, reason)
}
