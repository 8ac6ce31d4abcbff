package models

import (
	"fmt"
	"time"
)

// Event source types accepted at the ingestion boundary.
const (
	SourceMail    = "mail"
	SourceDNS     = "dns"
	SourceSyslog  = "syslog"
	SourceNetwork = "network"
)

// Well-known event field names produced by the collectors.
const (
	FieldSender         = "sender"
	FieldRecipient      = "recipient"
	FieldQueryName      = "query_name"
	FieldDomain         = "domain"
	FieldSrcIP          = "src_ip"
	FieldDstIP          = "dst_ip"
	FieldHelo           = "helo"
	FieldURL            = "url"
	FieldAttachmentHash = "attachment_hash"
	FieldStatus         = "status"
	FieldRawExcerpt     = "raw_excerpt"
)

// Event is the canonical normalized record handed over by the
// collectors. Immutable once it enters the pipeline.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceType string            `json:"source_type"`
	Fields     map[string]string `json:"fields"`
}

// Field returns a field value, empty when absent.
func (e *Event) Field(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	return e.Fields[name]
}

// ValidationError reports a malformed boundary record. It names the
// offending field so collectors can fix their output.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Validate checks the canonical schema. It rejects the record with a
// ValidationError naming the first missing or invalid field.
func (e *Event) Validate() error {
	if e == nil {
		return &ValidationError{Field: "event", Reason: "record is nil"}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	switch e.SourceType {
	case SourceMail, SourceDNS, SourceSyslog, SourceNetwork:
	case "":
		return &ValidationError{Field: "source_type", Reason: "must not be empty"}
	default:
		return &ValidationError{Field: "source_type", Reason: fmt.Sprintf("unknown source type %q", e.SourceType)}
	}
	if len(e.Fields) == 0 {
		return &ValidationError{Field: "fields", Reason: "must contain at least one field"}
	}
	return nil
}
