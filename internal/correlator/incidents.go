package correlator

import (
	"context"
	"hash/fnv"
	"sort"

	"mailsentry/internal/logger"
	"mailsentry/internal/metrics"
	"mailsentry/internal/storage"
	"mailsentry/pkg/models"
)

func stripeFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// stripeSet returns the sorted, deduplicated stripe indexes of a key
// set. Sorted acquisition keeps multi-stripe locking deadlock-free.
func stripeSet(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	var out []int
	for _, k := range keys {
		idx := stripeFor(k)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func mergeStripeSets(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	var out []int
	for _, s := range [][]int{a, b} {
		for _, idx := range s {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

func subsetOf(sub, super []int) bool {
	held := make(map[int]struct{}, len(super))
	for _, idx := range super {
		held[idx] = struct{}{}
	}
	for _, idx := range sub {
		if _, ok := held[idx]; !ok {
			return false
		}
	}
	return true
}

func (c *Correlator) lockStripes(set []int) {
	for _, idx := range set {
		c.stripes[idx].Lock()
	}
}

func (c *Correlator) unlockStripes(set []int) {
	for i := len(set) - 1; i >= 0; i-- {
		c.stripes[set[i]].Unlock()
	}
}

// Attach groups one alert into an incident: merge with the
// most-recently-updated open incident sharing a key (merging any
// transitively linked open incidents first), or open a fresh incident
// when nothing matches. Expired incidents found on the way are closed
// lazily.
func (c *Correlator) Attach(ctx context.Context, alert *models.Alert) (models.Incident, error) {
	stripes := stripeSet(alert.EntityKeys)

	for {
		c.lockStripes(stripes)

		// Merging and lazy expiry may touch the matched incidents'
		// other keys, so their stripes must be held too. Grow the lock
		// set and retry until it is stable; sorted acquisition keeps
		// this deadlock-free.
		ids, reachableKeys := c.reachable(alert)
		need := mergeStripeSets(stripes, stripeSet(reachableKeys))
		if !subsetOf(need, stripes) {
			c.unlockStripes(stripes)
			stripes = need
			continue
		}

		incident, toPersist := c.attachLocked(alert, ids)
		c.unlockStripes(stripes)

		for i := range toPersist {
			c.persistIncident(ctx, &toPersist[i])
		}

		if incident.ID == 0 {
			return models.Incident{}, &InvariantError{AlertID: alert.ID, Reason: "alert not attached to any incident"}
		}
		return incident, nil
	}
}

// reachable collects the open incidents sharing an entity key with the
// alert (expired or not) and the union of their keys.
func (c *Correlator) reachable(alert *models.Alert) ([]int64, []string) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()

	seen := make(map[int64]struct{})
	var ids []int64
	var keys []string
	for _, key := range alert.EntityKeys {
		id, ok := c.byKey[key]
		if !ok {
			continue
		}
		inc, ok := c.incidents[id]
		if !ok {
			delete(c.byKey, key)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		keys = append(keys, inc.EntityKeys...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, keys
}

// attachLocked performs the grouping. The caller holds every stripe of
// the alert's keys and of every reachable incident's keys. It returns
// the updated incident snapshot plus every snapshot that needs
// persisting (closed, merged, updated).
func (c *Correlator) attachLocked(alert *models.Alert, ids []int64) (models.Incident, []models.Incident) {
	c.tableMu.Lock()

	var toPersist []models.Incident
	var target *models.Incident
	var absorbed []*models.Incident

	for _, id := range ids {
		inc := c.incidents[id]
		if inc == nil {
			continue
		}
		// Lazy expiry: a matched incident whose window elapsed before
		// this alert gets closed, never extended. An alert landing at
		// exactly last_updated_at + window is outside the window.
		if alert.CreatedAt.Sub(inc.LastUpdatedAt) >= c.cfg.Window {
			toPersist = append(toPersist, c.closeLocked(inc))
			continue
		}
		// Survivor: most recently updated; ties broken by lowest id.
		if target == nil ||
			inc.LastUpdatedAt.After(target.LastUpdatedAt) ||
			(inc.LastUpdatedAt.Equal(target.LastUpdatedAt) && inc.ID < target.ID) {
			target = inc
		}
	}
	for _, id := range ids {
		inc := c.incidents[id]
		if inc == nil || inc == target {
			continue
		}
		absorbed = append(absorbed, inc)
	}

	if target == nil {
		c.nextID++
		target = &models.Incident{
			ID:                c.nextID,
			OpenedAt:          alert.CreatedAt,
			LastUpdatedAt:     alert.CreatedAt,
			AggregateSeverity: alert.Severity,
			Status:            models.IncidentOpen,
		}
		c.incidents[target.ID] = target
	}

	// Incidents are merge-closed under transitive entity sharing:
	// absorb every other matched incident before attaching the alert.
	for _, inc := range absorbed {
		for _, aid := range inc.AlertIDs {
			appendUnique(&target.AlertIDs, aid)
		}
		for _, key := range inc.EntityKeys {
			appendUnique(&target.EntityKeys, key)
			c.byKey[key] = target.ID
		}
		target.AggregateSeverity = models.Stricter(target.AggregateSeverity, inc.AggregateSeverity)
		if inc.OpenedAt.Before(target.OpenedAt) {
			target.OpenedAt = inc.OpenedAt
		}
		inc.Status = models.IncidentMerged
		delete(c.incidents, inc.ID)
		toPersist = append(toPersist, snapshotOf(inc))
	}

	appendUnique(&target.AlertIDs, alert.ID)
	for _, key := range alert.EntityKeys {
		appendUnique(&target.EntityKeys, key)
		c.byKey[key] = target.ID
	}
	target.AggregateSeverity = models.Stricter(target.AggregateSeverity, alert.Severity)
	if alert.CreatedAt.After(target.LastUpdatedAt) {
		target.LastUpdatedAt = alert.CreatedAt
	}

	result := snapshotOf(target)
	toPersist = append(toPersist, result)
	openCount := len(c.incidents)
	c.tableMu.Unlock()

	metrics.IncidentsOpen.Set(float64(openCount))
	return result, toPersist
}

// closeLocked archives an expired incident in memory. Closed incidents
// are immutable and never reopened; a later alert with the same entity
// key opens a fresh one. Caller holds tableMu.
func (c *Correlator) closeLocked(inc *models.Incident) models.Incident {
	inc.Status = models.IncidentClosed
	delete(c.incidents, inc.ID)
	for _, key := range inc.EntityKeys {
		if c.byKey[key] == inc.ID {
			delete(c.byKey, key)
		}
	}
	return snapshotOf(inc)
}

// persistIncident upserts an incident snapshot. Failures are logged
// and retried on the next state change; memory stays authoritative for
// open incidents.
func (c *Correlator) persistIncident(ctx context.Context, inc *models.Incident) {
	if c.store == nil {
		return
	}
	err := storage.WithRetry(ctx, c.cfg.StoreRetries, c.cfg.StoreBackoff, func(ctx context.Context) error {
		return c.store.SaveIncident(ctx, inc)
	})
	if err != nil {
		logger.Errorf("Failed to persist incident %d: %v", inc.ID, err)
	}
}

// Sweep closes every open incident whose window has elapsed with no
// new alert. It runs from the pipeline's background ticker and from
// tests.
func (c *Correlator) Sweep(ctx context.Context) int {
	all := make([]int, stripeCount)
	for i := range all {
		all[i] = i
	}
	c.lockStripes(all)

	c.tableMu.Lock()
	now := c.now()
	var expired []*models.Incident
	for _, inc := range c.incidents {
		if now.Sub(inc.LastUpdatedAt) >= c.cfg.Window {
			expired = append(expired, inc)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	closed := make([]models.Incident, 0, len(expired))
	for _, inc := range expired {
		closed = append(closed, c.closeLocked(inc))
	}
	openCount := len(c.incidents)
	c.tableMu.Unlock()
	c.unlockStripes(all)

	metrics.IncidentsOpen.Set(float64(openCount))
	for i := range closed {
		c.persistIncident(ctx, &closed[i])
	}
	return len(closed)
}

// OpenIncidents returns a point-in-time snapshot of the open
// incidents, sorted by id.
func (c *Correlator) OpenIncidents() []models.Incident {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()

	out := make([]models.Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		out = append(out, snapshotOf(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotOf(inc *models.Incident) models.Incident {
	snapshot := *inc
	snapshot.AlertIDs = append([]string(nil), inc.AlertIDs...)
	snapshot.EntityKeys = append([]string(nil), inc.EntityKeys...)
	return snapshot
}

func appendUnique(list *[]string, v string) {
	for _, existing := range *list {
		if existing == v {
			return
		}
	}
	*list = append(*list, v)
}
