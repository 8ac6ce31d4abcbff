package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mailsentry/pkg/models"
)

func summarize(alert *models.Alert, incident *models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s alert (score %d) via %s", alert.Severity, alert.OriginType, alert.Score, alert.OriginRef)
	if len(alert.EntityKeys) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(alert.EntityKeys, ", "))
	}
	if incident != nil {
		fmt.Fprintf(&b, " [incident %d, %s]", incident.ID, incident.AggregateSeverity)
	}
	return b.String()
}

// FileChannel appends one JSON line per notification. The simplest
// sink, and the default when no channel is configured.
type FileChannel struct {
	name        string
	path        string
	minSeverity models.Severity

	mu sync.Mutex
}

// NewFileChannel creates the sink, creating the parent directory if
// needed.
func NewFileChannel(name, path string, minSeverity models.Severity) (*FileChannel, error) {
	if minSeverity == "" {
		minSeverity = models.SeverityLow
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create notification dir: %w", err)
		}
	}
	return &FileChannel{name: name, path: path, minSeverity: minSeverity}, nil
}

func (c *FileChannel) Name() string                 { return c.name }
func (c *FileChannel) MinSeverity() models.Severity { return c.minSeverity }

func (c *FileChannel) Notify(_ context.Context, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open notification file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// WebhookChannel POSTs the payload as JSON to a fixed URL.
type WebhookChannel struct {
	name        string
	url         string
	headers     map[string]string
	minSeverity models.Severity
	client      *http.Client
}

func NewWebhookChannel(name, url string, headers map[string]string, minSeverity models.Severity, timeout time.Duration) *WebhookChannel {
	if minSeverity == "" {
		minSeverity = models.SeverityLow
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:        name,
		url:         url,
		headers:     headers,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string                 { return c.name }
func (c *WebhookChannel) MinSeverity() models.Severity { return c.minSeverity }

func (c *WebhookChannel) Notify(ctx context.Context, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SMTPChannel mails a plain-text notification. Meant for small
// deployments where the mail server being monitored is also the relay.
type SMTPChannel struct {
	name        string
	addr        string
	from        string
	to          []string
	minSeverity models.Severity

	send func(addr, from string, to []string, msg []byte) error
}

func NewSMTPChannel(name, host string, port int, from string, to []string, minSeverity models.Severity) *SMTPChannel {
	if minSeverity == "" {
		minSeverity = models.SeverityHigh
	}
	return &SMTPChannel{
		name:        name,
		addr:        fmt.Sprintf("%s:%d", host, port),
		from:        from,
		to:          to,
		minSeverity: minSeverity,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (c *SMTPChannel) Name() string                 { return c.name }
func (c *SMTPChannel) MinSeverity() models.Severity { return c.minSeverity }

func (c *SMTPChannel) Notify(_ context.Context, p *Payload) error {
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&body, "Subject: [mailsentry] %s alert\r\n", p.Severity)
	body.WriteString("\r\n")
	body.WriteString(p.Summary)
	body.WriteString("\r\n")
	for k, v := range p.Enrichment {
		fmt.Fprintf(&body, "%s: %s\r\n", k, v)
	}

	if err := c.send(c.addr, c.from, c.to, []byte(body.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
