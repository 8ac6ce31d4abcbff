package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsentry/pkg/models"
)

// UpsertIndicator inserts or merges an indicator keyed by (type,
// value). Merging keeps the max confidence and the stricter severity,
// extends last_seen and reactivates the row. The returned flag is true
// when a new row was created.
func (s *Store) UpsertIndicator(ctx context.Context, in *models.Indicator) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin indicator upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		id         int64
		confidence int
		severity   string
		lastSeen   string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, confidence, severity, last_seen FROM indicators WHERE type = ? AND value = ?`,
		string(in.Type), in.Value)
	err = row.Scan(&id, &confidence, &severity, &lastSeen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO indicators (type, value, source, confidence, severity, first_seen, last_seen, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			string(in.Type), in.Value, in.Source, in.Confidence, string(in.Severity),
			encodeTime(in.FirstSeen), encodeTime(in.LastSeen))
		if err != nil {
			return 0, false, fmt.Errorf("insert indicator: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("indicator insert id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("commit indicator insert: %w", err)
		}
		return id, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("lookup indicator: %w", err)
	}

	if in.Confidence > confidence {
		confidence = in.Confidence
	}
	merged := string(models.Stricter(models.Severity(severity), in.Severity))
	newLast := lastSeen
	if encodeTime(in.LastSeen) > lastSeen {
		newLast = encodeTime(in.LastSeen)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE indicators SET confidence = ?, severity = ?, last_seen = ?, source = ?, active = 1 WHERE id = ?`,
		confidence, merged, newLast, in.Source, id)
	if err != nil {
		return 0, false, fmt.Errorf("merge indicator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit indicator merge: %w", err)
	}
	return id, false, nil
}

// GetIndicator point-looks-up one indicator by key.
func (s *Store) GetIndicator(ctx context.Context, typ models.IndicatorType, value string) (*models.Indicator, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.readDB.QueryRowContext(ctx,
		`SELECT id, type, value, source, confidence, severity, first_seen, last_seen, active
		 FROM indicators WHERE type = ? AND value = ?`, string(typ), value)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ind, err
}

// ListActiveIndicators returns every active indicator, used to warm
// the in-memory match index at startup.
func (s *Store) ListActiveIndicators(ctx context.Context) ([]*models.Indicator, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, type, value, source, confidence, severity, first_seen, last_seen, active
		 FROM indicators WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list indicators: %w", err)
	}
	defer rows.Close()

	var out []*models.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// TouchIndicatorLastSeen advances last_seen after a sighting. It never
// moves the timestamp backwards.
func (s *Store) TouchIndicatorLastSeen(ctx context.Context, id int64, ts time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.writeDB.ExecContext(ctx,
		`UPDATE indicators SET last_seen = ? WHERE id = ? AND last_seen < ?`,
		encodeTime(ts), id, encodeTime(ts))
	if err != nil {
		return fmt.Errorf("touch indicator last_seen: %w", err)
	}
	return nil
}

// DeactivateIndicator soft-deletes an indicator; its sightings remain.
func (s *Store) DeactivateIndicator(ctx context.Context, typ models.IndicatorType, value string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.writeDB.ExecContext(ctx,
		`UPDATE indicators SET active = 0 WHERE type = ? AND value = ?`, string(typ), value)
	if err != nil {
		return fmt.Errorf("deactivate indicator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSighting appends one sighting row. Sightings are never mutated
// or deleted.
func (s *Store) AppendSighting(ctx context.Context, sighting *models.Sighting) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO sightings (indicator_id, event_id, matched_field, created_at) VALUES (?, ?, ?, ?)`,
		sighting.IndicatorID, sighting.EventID, sighting.MatchedField, encodeTime(sighting.Timestamp))
	if err != nil {
		return fmt.Errorf("append sighting: %w", err)
	}
	return nil
}

// CountSightings reports the sighting count for one indicator.
func (s *Store) CountSightings(ctx context.Context, indicatorID int64) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sightings WHERE indicator_id = ?`, indicatorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sightings: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIndicator(row rowScanner) (*models.Indicator, error) {
	var (
		ind                 models.Indicator
		typ, sev            string
		firstSeen, lastSeen string
		active              int
	)
	if err := row.Scan(&ind.ID, &typ, &ind.Value, &ind.Source, &ind.Confidence, &sev, &firstSeen, &lastSeen, &active); err != nil {
		return nil, err
	}
	ind.Type = models.IndicatorType(typ)
	ind.Severity = models.Severity(sev)
	ind.FirstSeen = decodeTime(firstSeen)
	ind.LastSeen = decodeTime(lastSeen)
	ind.Active = active == 1
	return &ind, nil
}
