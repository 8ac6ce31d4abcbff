package models

import "strings"

// Severity is the ordered alert/incident severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight of a severity. Unknown values rank
// below low so they never win a "stricter" comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// BaseScore returns the score contribution of a severity level, used
// when scoring indicator sightings. Unknown levels get a conservative
// middle-low base.
func (s Severity) BaseScore() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 30
	case SeverityHigh:
		return 60
	case SeverityCritical:
		return 90
	default:
		return 20
	}
}

// ParseSeverity normalizes a severity string. Empty or unknown input
// returns false.
func ParseSeverity(raw string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return "", false
	}
}

// SeverityFromScore maps a 0-100 score onto the severity scale.
func SeverityFromScore(score int) Severity {
	switch {
	case score < 30:
		return SeverityLow
	case score < 60:
		return SeverityMedium
	case score < 85:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Stricter returns the higher-ranked of two severities.
func Stricter(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
