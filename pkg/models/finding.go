package models

// Finding is a single detection-rule match against one event.
type Finding struct {
	RuleID       string   `json:"rule_id"`
	EventID      string   `json:"event_id"`
	MatchedText  string   `json:"matched_text"`
	Score        int      `json:"score"`
	SeverityHint Severity `json:"severity_hint,omitempty"`
}
