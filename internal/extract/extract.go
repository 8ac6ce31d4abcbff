// Package extract pulls IOC candidate values and correlation entity
// keys out of canonical events. Indicator matching and incident
// grouping share this logic so the two stay consistent.
package extract

import (
	"net"
	"regexp"
	"sort"
	"strings"

	"mailsentry/pkg/models"
)

// Candidate is one potential IOC value found in an event.
type Candidate struct {
	Type  models.IndicatorType
	Value string
	Field string
}

var (
	emailRe  = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	urlRe    = regexp.MustCompile(`\bhttps?://[^\s<>()]+`)
	hashRe   = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{32}\b`)
	domainRe = regexp.MustCompile(`\b(?:[a-zA-Z0-9\-]+\.)+[a-zA-Z]{2,}\b`)
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// ipFields and the typed field table below mirror the collector field
// map: each well-known field carries exactly one indicator type.
var typedFields = []struct {
	field string
	typ   models.IndicatorType
}{
	{models.FieldSrcIP, models.IndicatorIP},
	{models.FieldDstIP, models.IndicatorIP},
	{models.FieldQueryName, models.IndicatorDomain},
	{models.FieldDomain, models.IndicatorDomain},
	{models.FieldHelo, models.IndicatorDomain},
	{models.FieldSender, models.IndicatorEmail},
	{models.FieldRecipient, models.IndicatorEmail},
	{models.FieldURL, models.IndicatorURL},
	{models.FieldAttachmentHash, models.IndicatorHash},
}

// Candidates returns the deduplicated IOC candidates of an event:
// typed values from the well-known fields plus anything recognizable
// in the raw excerpt.
func Candidates(e *models.Event) []Candidate {
	if e == nil {
		return nil
	}

	var out []Candidate
	for _, tf := range typedFields {
		value := strings.TrimSpace(e.Field(tf.field))
		if value == "" {
			continue
		}
		typ := tf.typ
		if !valueMatchesType(typ, value) {
			// A helo of "203.0.113.9" or a sender without an @ still
			// gets classified by shape rather than dropped.
			guessed, ok := guessType(value)
			if !ok {
				continue
			}
			typ = guessed
		}
		out = append(out, Candidate{
			Type:  typ,
			Value: models.NormalizeIndicatorValue(typ, value),
			Field: tf.field,
		})
	}

	if raw := e.Field(models.FieldRawExcerpt); raw != "" {
		out = append(out, fromText(raw)...)
	}

	return dedupe(out)
}

func fromText(text string) []Candidate {
	var out []Candidate
	add := func(typ models.IndicatorType, value string) {
		out = append(out, Candidate{
			Type:  typ,
			Value: models.NormalizeIndicatorValue(typ, value),
			Field: models.FieldRawExcerpt,
		})
	}

	for _, m := range ipv4Re.FindAllString(text, -1) {
		if net.ParseIP(m) != nil {
			add(models.IndicatorIP, m)
		}
	}
	for _, m := range emailRe.FindAllString(text, -1) {
		add(models.IndicatorEmail, m)
	}
	for _, m := range urlRe.FindAllString(text, -1) {
		add(models.IndicatorURL, m)
	}
	for _, m := range hashRe.FindAllString(text, -1) {
		add(models.IndicatorHash, m)
	}
	for _, m := range domainRe.FindAllString(text, -1) {
		// The domain pattern also matches the host part of emails and
		// bare IPs; skip those.
		if net.ParseIP(m) == nil && !strings.Contains(text, "@"+m) {
			add(models.IndicatorDomain, m)
		}
	}
	return out
}

func valueMatchesType(typ models.IndicatorType, value string) bool {
	switch typ {
	case models.IndicatorIP:
		return net.ParseIP(value) != nil
	case models.IndicatorEmail:
		return emailRe.MatchString(value) && !strings.ContainsAny(value, " \t")
	case models.IndicatorURL:
		return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
	case models.IndicatorHash:
		return hashRe.FindString(value) == value
	case models.IndicatorDomain:
		return net.ParseIP(value) == nil && domainRe.FindString(value) == value
	default:
		return false
	}
}

func guessType(value string) (models.IndicatorType, bool) {
	if net.ParseIP(value) != nil {
		return models.IndicatorIP, true
	}
	if emailRe.FindString(value) == value {
		return models.IndicatorEmail, true
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return models.IndicatorURL, true
	}
	if hashRe.FindString(value) == value {
		return models.IndicatorHash, true
	}
	if domainRe.FindString(value) == value {
		return models.IndicatorDomain, true
	}
	return "", false
}

func dedupe(in []Candidate) []Candidate {
	seen := make(map[Candidate]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// entityKeyFields are the correlating fields: alerts sharing any one of
// these values belong to the same threat narrative.
var entityKeyFields = []string{
	models.FieldSrcIP,
	models.FieldDstIP,
	models.FieldQueryName,
	models.FieldDomain,
	models.FieldSender,
	models.FieldRecipient,
}

// EntityKeys derives the sorted "field=value" correlation keys of an
// event. Values are normalized the same way indicator matching
// normalizes them.
func EntityKeys(e *models.Event) []string {
	if e == nil {
		return nil
	}
	var keys []string
	for _, field := range entityKeyFields {
		value := strings.TrimSpace(e.Field(field))
		if value == "" {
			continue
		}
		keys = append(keys, field+"="+strings.ToLower(value))
	}
	sort.Strings(keys)
	return keys
}

// SplitEntityKey breaks an entity key back into field and value.
func SplitEntityKey(key string) (field, value string) {
	idx := strings.Index(key, "=")
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+1:]
}
