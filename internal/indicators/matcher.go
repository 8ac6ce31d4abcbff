package indicators

import (
	"context"

	"mailsentry/internal/extract"
	"mailsentry/internal/metrics"
	"mailsentry/pkg/models"
)

// Match checks the event's IOC-bearing fields against the store and
// returns one sighting per matched indicator. Matching is exact-value
// only; substring or fuzzy hits are not acceptable here.
func (s *Store) Match(ctx context.Context, event *models.Event) []*models.Sighting {
	if event == nil {
		return nil
	}

	candidates := extract.Candidates(event)
	if len(candidates) == 0 {
		return nil
	}

	seen := make(map[int64]struct{}, len(candidates))
	var out []*models.Sighting
	for _, c := range candidates {
		ind, ok := s.Lookup(c.Type, c.Value)
		if !ok {
			continue
		}
		if _, dup := seen[ind.ID]; dup {
			continue
		}
		seen[ind.ID] = struct{}{}

		ts := event.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}

		out = append(out, &models.Sighting{
			IndicatorID:  ind.ID,
			EventID:      event.ID,
			Timestamp:    ts,
			Type:         ind.Type,
			Value:        ind.Value,
			MatchedField: c.Field,
			Score:        sightingScore(ind.Severity, ind.Confidence),
			SeverityHint: ind.Severity,
		})
		metrics.SightingsCreated.WithLabelValues(string(ind.Type)).Inc()

		s.touchLastSeen(ctx, indexKey{ind.Type, ind.Value}, ind.ID, ts)
	}
	return out
}

// sightingScore scales the severity base score by indicator
// confidence.
func sightingScore(severity models.Severity, confidence int) int {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return severity.BaseScore() * confidence / 100
}
