package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mailsentry/pkg/models"
)

// likeEntityKey builds a LIKE pattern matching one JSON-encoded entity
// key, with wildcard characters in the key quoted so they match
// literally. Pair with ESCAPE '\'.
func likeEntityKey(key string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return `%"` + r.Replace(key) + `"%`
}

// InsertAlert persists a newly created alert.
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys, err := json.Marshal(a.EntityKeys)
	if err != nil {
		return fmt.Errorf("encode alert entity keys: %w", err)
	}
	_, err = s.writeDB.ExecContext(ctx,
		`INSERT INTO alerts (id, event_id, origin_type, origin_ref, severity, score, entity_keys, status, dispatch_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.OriginType, a.OriginRef, string(a.Severity), a.Score,
		string(keys), string(a.Status), string(a.DispatchState), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateAlertStatus mutates the alert lifecycle status, the only
// mutable alert attribute besides the dispatch state.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.writeDB.ExecContext(ctx,
		`UPDATE alerts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAlertDispatchState records the notification outcome without ever
// touching the rest of the alert row.
func (s *Store) SetAlertDispatchState(ctx context.Context, id string, state models.DispatchState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.writeDB.ExecContext(ctx,
		`UPDATE alerts SET dispatch_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set alert dispatch state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert point-looks-up one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.readDB.QueryContext(ctx, alertSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanAlert(rows)
}

// AlertQuery filters the read-only alert surface. Zero values mean
// "unfiltered".
type AlertQuery struct {
	From      time.Time
	To        time.Time
	Severity  models.Severity
	EntityKey string
	Limit     int
}

const alertSelect = `SELECT id, event_id, origin_type, origin_ref, severity, score, entity_keys, status, dispatch_state, created_at FROM alerts`

// QueryAlerts scans alerts by time range, severity and entity key.
// Reads run on the read pool: a point-in-time snapshot, no engine
// locks held.
func (s *Store) QueryAlerts(ctx context.Context, q AlertQuery) ([]*models.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := alertSelect + ` WHERE 1=1`
	var args []interface{}
	if !q.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, encodeTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, encodeTime(q.To))
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if q.EntityKey != "" {
		query += ` AND entity_keys LIKE ? ESCAPE '\'`
		args = append(args, likeEntityKey(q.EntityKey))
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a                             models.Alert
		severity, status, state, keys string
		createdAt                     string
	)
	if err := row.Scan(&a.ID, &a.EventID, &a.OriginType, &a.OriginRef, &severity, &a.Score, &keys, &status, &state, &createdAt); err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.DispatchState = models.DispatchState(state)
	a.CreatedAt = decodeTime(createdAt)
	if err := json.Unmarshal([]byte(keys), &a.EntityKeys); err != nil {
		return nil, fmt.Errorf("decode alert entity keys: %w", err)
	}
	return &a, nil
}

// SaveIncident upserts an incident snapshot by id.
func (s *Store) SaveIncident(ctx context.Context, inc *models.Incident) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	alertIDs, err := json.Marshal(inc.AlertIDs)
	if err != nil {
		return fmt.Errorf("encode incident alert ids: %w", err)
	}
	keys, err := json.Marshal(inc.EntityKeys)
	if err != nil {
		return fmt.Errorf("encode incident entity keys: %w", err)
	}
	_, err = s.writeDB.ExecContext(ctx,
		`INSERT INTO incidents (id, alert_ids, entity_keys, opened_at, last_updated_at, aggregate_severity, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			alert_ids = excluded.alert_ids,
			entity_keys = excluded.entity_keys,
			last_updated_at = excluded.last_updated_at,
			aggregate_severity = excluded.aggregate_severity,
			status = excluded.status`,
		inc.ID, string(alertIDs), string(keys), encodeTime(inc.OpenedAt),
		encodeTime(inc.LastUpdatedAt), string(inc.AggregateSeverity), string(inc.Status))
	if err != nil {
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

// MaxIncidentID returns the highest persisted incident id, so the
// correlator can continue its id sequence across restarts.
func (s *Store) MaxIncidentID(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.readDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM incidents`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max incident id: %w", err)
	}
	return id, nil
}

// IncidentQuery filters the read-only incident surface.
type IncidentQuery struct {
	From      time.Time
	To        time.Time
	Severity  models.Severity
	EntityKey string
	Status    models.IncidentStatus
	Limit     int
}

// QueryIncidents scans incidents by time range, severity and entity key.
func (s *Store) QueryIncidents(ctx context.Context, q IncidentQuery) ([]*models.Incident, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT id, alert_ids, entity_keys, opened_at, last_updated_at, aggregate_severity, status FROM incidents WHERE 1=1`
	var args []interface{}
	if !q.From.IsZero() {
		query += ` AND last_updated_at >= ?`
		args = append(args, encodeTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND last_updated_at <= ?`
		args = append(args, encodeTime(q.To))
	}
	if q.Severity != "" {
		query += ` AND aggregate_severity = ?`
		args = append(args, string(q.Severity))
	}
	if q.EntityKey != "" {
		query += ` AND entity_keys LIKE ? ESCAPE '\'`
		args = append(args, likeEntityKey(q.EntityKey))
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY last_updated_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		var (
			inc                models.Incident
			alertIDs, keys     string
			openedAt, updated  string
			severity, statusDB string
		)
		if err := rows.Scan(&inc.ID, &alertIDs, &keys, &openedAt, &updated, &severity, &statusDB); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		if err := json.Unmarshal([]byte(alertIDs), &inc.AlertIDs); err != nil {
			return nil, fmt.Errorf("decode incident alert ids: %w", err)
		}
		if err := json.Unmarshal([]byte(keys), &inc.EntityKeys); err != nil {
			return nil, fmt.Errorf("decode incident entity keys: %w", err)
		}
		inc.OpenedAt = decodeTime(openedAt)
		inc.LastUpdatedAt = decodeTime(updated)
		inc.AggregateSeverity = models.Severity(severity)
		inc.Status = models.IncidentStatus(statusDB)
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// InsertDeadLetter records an event whose writes exhausted their
// retries, so it is never silently dropped.
func (s *Store) InsertDeadLetter(ctx context.Context, eventID, payload, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO dead_letters (event_id, payload, reason, created_at) VALUES (?, ?, ?, ?)`,
		eventID, payload, reason, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// CountDeadLetters reports the dead-letter backlog.
func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}
