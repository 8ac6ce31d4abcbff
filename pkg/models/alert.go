package models

import "time"

// Alert origin kinds.
const (
	OriginFinding  = "finding"
	OriginSighting = "sighting"
)

// Alert lifecycle status.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertClosed       AlertStatus = "closed"
)

// Dispatch outcome recorded on the alert row. A failed dispatch never
// removes the alert itself.
type DispatchState string

const (
	DispatchPending    DispatchState = "pending"
	DispatchDelivered  DispatchState = "delivered"
	DispatchSuppressed DispatchState = "suppressed"
	DispatchFailed     DispatchState = "dispatch_failed"
)

// Alert is a finding or sighting that crossed the minimum actionable
// score. Only Status and DispatchState mutate after creation.
type Alert struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	OriginType    string        `json:"origin_type"`
	OriginRef     string        `json:"origin_ref"`
	Severity      Severity      `json:"severity"`
	Score         int           `json:"score"`
	EntityKeys    []string      `json:"entity_keys"`
	CreatedAt     time.Time     `json:"created_at"`
	Status        AlertStatus   `json:"status"`
	DispatchState DispatchState `json:"dispatch_state"`
}

// Incident lifecycle status. Merged incidents were absorbed into a
// surviving incident and keep their rows for audit.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "open"
	IncidentClosed IncidentStatus = "closed"
	IncidentMerged IncidentStatus = "merged"
)

// Incident is a time- and entity-correlated group of alerts. AlertIDs
// is an ordered set; EntityKeys is the union of member alert keys.
type Incident struct {
	ID                int64          `json:"id"`
	AlertIDs          []string       `json:"alert_ids"`
	EntityKeys        []string       `json:"entity_keys"`
	OpenedAt          time.Time      `json:"opened_at"`
	LastUpdatedAt     time.Time      `json:"last_updated_at"`
	AggregateSeverity Severity       `json:"aggregate_severity"`
	Status            IncidentStatus `json:"status"`
}
