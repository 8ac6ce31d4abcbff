// Package indicators holds the IOC store and the event matcher. The
// durable rows live in storage; an in-memory index keyed by (type,
// value) keeps lookups O(1) regardless of store size.
package indicators

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsentry/internal/logger"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

type indexKey struct {
	typ   models.IndicatorType
	value string
}

// Store is the indicator store. Updates to the same indicator are
// serialized per key; lookups for distinct indicators proceed without
// contention.
type Store struct {
	db      *storage.Store
	retries int
	backoff time.Duration

	mu    sync.RWMutex
	index map[indexKey]*models.Indicator

	locks sync.Map // indexKey -> *sync.Mutex

	now func() time.Time
}

// NewStore opens the indicator store and warms the match index from
// the active rows.
func NewStore(ctx context.Context, db *storage.Store, retries int, backoff time.Duration) (*Store, error) {
	s := &Store{
		db:      db,
		retries: retries,
		backoff: backoff,
		index:   make(map[indexKey]*models.Indicator),
		now:     time.Now,
	}

	active, err := db.ListActiveIndicators(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm indicator index: %w", err)
	}
	for _, ind := range active {
		s.index[indexKey{ind.Type, ind.Value}] = ind
	}
	return s, nil
}

func (s *Store) keyLock(key indexKey) *sync.Mutex {
	if mu, ok := s.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Len returns the number of indexed (active) indicators.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Ingest upserts an indicator by (type, value): existing rows merge
// confidence as max(existing, new) and extend validity; new rows start
// with first_seen = last_seen = now. The returned flag reports
// create-vs-merge.
func (s *Store) Ingest(ctx context.Context, in *models.IndicatorInput) (int64, bool, error) {
	if err := in.Validate(); err != nil {
		return 0, false, err
	}

	value := in.NormalizedValue()
	key := indexKey{in.Type, value}
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()
	row := &models.Indicator{
		Type:       in.Type,
		Value:      value,
		Source:     in.Source,
		Confidence: in.Confidence,
		Severity:   in.Severity,
		FirstSeen:  now,
		LastSeen:   now,
		Active:     true,
	}

	var (
		id      int64
		created bool
	)
	err := storage.WithRetry(ctx, s.retries, s.backoff, func(ctx context.Context) error {
		var err error
		id, created, err = s.db.UpsertIndicator(ctx, row)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("upsert indicator %s:%s: %w", in.Type, value, err)
	}

	stored, err := s.db.GetIndicator(ctx, in.Type, value)
	if err != nil {
		return 0, false, fmt.Errorf("reload indicator %s:%s: %w", in.Type, value, err)
	}

	s.mu.Lock()
	s.index[key] = stored
	s.mu.Unlock()

	return id, created, nil
}

// Lookup returns a copy of the active indicator for an exact (type,
// value) key.
func (s *Store) Lookup(typ models.IndicatorType, value string) (models.Indicator, bool) {
	s.mu.RLock()
	ind, ok := s.index[indexKey{typ, models.NormalizeIndicatorValue(typ, value)}]
	s.mu.RUnlock()
	if !ok || !ind.Active {
		return models.Indicator{}, false
	}
	return *ind, true
}

// Deactivate soft-deletes an indicator: the row stays for its sighting
// history but stops matching.
func (s *Store) Deactivate(ctx context.Context, typ models.IndicatorType, value string) error {
	value = models.NormalizeIndicatorValue(typ, value)
	key := indexKey{typ, value}
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.DeactivateIndicator(ctx, typ, value); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()
	return nil
}

// touchLastSeen advances the indicator's last_seen after a sighting,
// serialized per key so concurrent sightings never lose an update.
func (s *Store) touchLastSeen(ctx context.Context, key indexKey, id int64, ts time.Time) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if ind, ok := s.index[key]; ok && ts.After(ind.LastSeen) {
		ind.LastSeen = ts
	}
	s.mu.Unlock()

	err := storage.WithRetry(ctx, s.retries, s.backoff, func(ctx context.Context) error {
		return s.db.TouchIndicatorLastSeen(ctx, id, ts)
	})
	if err != nil {
		// Lookup-path bookkeeping: log and move on, the sighting
		// itself is persisted separately.
		logger.Warnf("Failed to update last_seen for indicator %d: %v", id, err)
	}
}
