package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// IndicatorType classifies an IOC value.
type IndicatorType string

const (
	IndicatorIP     IndicatorType = "ip"
	IndicatorDomain IndicatorType = "domain"
	IndicatorHash   IndicatorType = "hash"
	IndicatorEmail  IndicatorType = "email"
	IndicatorURL    IndicatorType = "url"
)

// Indicator is a known IOC with its sighting lifecycle. Rows are never
// deleted, only deactivated, so historical sightings stay resolvable.
type Indicator struct {
	ID         int64         `json:"id"`
	Type       IndicatorType `json:"type"`
	Value      string        `json:"value"`
	Source     string        `json:"source"`
	Confidence int           `json:"confidence"`
	Severity   Severity      `json:"severity"`
	FirstSeen  time.Time     `json:"first_seen"`
	LastSeen   time.Time     `json:"last_seen"`
	Active     bool          `json:"active"`
}

// Sighting records one indicator match against one event. Append-only.
type Sighting struct {
	IndicatorID  int64         `json:"indicator_id"`
	EventID      string        `json:"event_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Type         IndicatorType `json:"indicator_type"`
	Value        string        `json:"value"`
	MatchedField string        `json:"matched_field"`
	Score        int           `json:"score"`
	SeverityHint Severity      `json:"severity_hint"`
}

// IndicatorInput is the indicator ingestion surface payload.
type IndicatorInput struct {
	Type       IndicatorType `json:"indicator_type" yaml:"type" validate:"required,oneof=ip domain hash email url"`
	Value      string        `json:"value" yaml:"value" validate:"required"`
	Source     string        `json:"source" yaml:"source" validate:"required"`
	Confidence int           `json:"confidence" yaml:"confidence" validate:"gte=0,lte=100"`
	Severity   Severity      `json:"severity" yaml:"severity" validate:"required,oneof=low medium high critical"`
}

var validate = validator.New()

// Validate checks the ingestion payload, naming the failing field.
func (in *IndicatorInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Field:  strings.ToLower(errs[0].Field()),
				Reason: fmt.Sprintf("failed %q constraint", errs[0].Tag()),
			}
		}
		return err
	}
	return nil
}

// NormalizedValue canonicalizes the value for exact matching: domains,
// emails and hashes are case-folded, everything is trimmed.
func (in *IndicatorInput) NormalizedValue() string {
	return NormalizeIndicatorValue(in.Type, in.Value)
}

// NormalizeIndicatorValue canonicalizes an IOC value by type.
func NormalizeIndicatorValue(typ IndicatorType, value string) string {
	cleaned := strings.TrimSpace(value)
	switch typ {
	case IndicatorDomain, IndicatorEmail, IndicatorHash:
		return strings.ToLower(cleaned)
	default:
		return cleaned
	}
}
