// Package enrich adds local reputation context to notifications from
// operator-maintained CSV lists. No network calls, by the same
// offline rule as the rest of the engine.
package enrich

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mailsentry/internal/extract"
	"mailsentry/internal/logger"
	"mailsentry/pkg/models"
)

const (
	domainListFile = "domain_blacklist.csv"
	ipListFile     = "ip_reputation.csv"
)

// Provider answers reputation lookups for domains and IPs.
type Provider struct {
	domains map[string]string
	ips     map[string]string
}

// NewProvider loads the CSV lists from dir. Missing files are fine;
// an empty provider annotates nothing.
func NewProvider(dir string) (*Provider, error) {
	p := &Provider{
		domains: make(map[string]string),
		ips:     make(map[string]string),
	}
	if dir == "" {
		return p, nil
	}

	if err := loadCSV(filepath.Join(dir, domainListFile), p.domains); err != nil {
		return nil, err
	}
	if err := loadCSV(filepath.Join(dir, ipListFile), p.ips); err != nil {
		return nil, err
	}
	logger.Infof("Loaded enrichment lists: %d domains, %d ips", len(p.domains), len(p.ips))
	return p, nil
}

// loadCSV reads value,reason rows into dst. A header row starting with
// "domain" or "ip" is skipped.
func loadCSV(path string, dst map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open enrichment list %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read enrichment list %s: %w", path, err)
		}
		if len(rec) == 0 {
			continue
		}
		value := strings.ToLower(strings.TrimSpace(rec[0]))
		if value == "" || value == "domain" || value == "ip" || strings.HasPrefix(value, "#") {
			continue
		}
		reason := ""
		if len(rec) > 1 {
			reason = strings.TrimSpace(rec[1])
		}
		if reason == "" {
			reason = "listed"
		}
		dst[value] = reason
	}
}

// Domain returns the blacklist reason for a domain.
func (p *Provider) Domain(name string) (string, bool) {
	reason, ok := p.domains[strings.ToLower(strings.TrimSpace(name))]
	return reason, ok
}

// IP returns the reputation note for an address.
func (p *Provider) IP(addr string) (string, bool) {
	reason, ok := p.ips[strings.TrimSpace(addr)]
	return reason, ok
}

// Annotate maps each entity key with a known-bad value to its reason.
// The result is attached to outgoing notifications.
func (p *Provider) Annotate(entityKeys []string) map[string]string {
	var out map[string]string
	add := func(key, reason string) {
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = reason
	}

	for _, key := range entityKeys {
		field, value := extract.SplitEntityKey(key)
		switch field {
		case models.FieldSrcIP, models.FieldDstIP:
			if reason, ok := p.IP(value); ok {
				add(key, reason)
			}
		case models.FieldQueryName, models.FieldDomain:
			if reason, ok := p.Domain(value); ok {
				add(key, reason)
			}
		case models.FieldSender, models.FieldRecipient:
			if at := strings.LastIndex(value, "@"); at >= 0 {
				if reason, ok := p.Domain(value[at+1:]); ok {
					add(key, reason)
				}
			}
		}
	}
	return out
}
