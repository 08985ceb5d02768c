package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradeloop/internal/collab"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultQueueSize      = 100
	SignatureHeader       = "X-Tradeloop-Signature"
)

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Severities     []string `yaml:"severities"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Notification struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Severity collab.Severity `json:"severity"`
	Message  string          `json:"message"`
	TS       string          `json:"ts"`
}

// Webhook queues notifications and posts them to every configured hook from a
// background dispatcher. Notify never blocks; a full queue drops the message.
type Webhook struct {
	source string
	hooks  []WebhookConfig
	client *http.Client
	queue  chan Notification
	log    logrus.FieldLogger
	now    func() time.Time
}

var _ collab.Notifier = (*Webhook)(nil)

func NewWebhook(source string, hooks []WebhookConfig, log logrus.FieldLogger) *Webhook {
	return &Webhook{
		source: source,
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		queue:  make(chan Notification, defaultQueueSize),
		log:    log.WithField("component", "webhook"),
		now:    time.Now,
	}
}

func (w *Webhook) Notify(ctx context.Context, message string, severity collab.Severity) {
	n := Notification{
		ID:       uuid.NewString(),
		Source:   w.source,
		Severity: severity,
		Message:  message,
		TS:       w.now().UTC().Format(time.RFC3339),
	}
	select {
	case w.queue <- n:
	default:
		w.log.WithField("severity", severity).Warn("webhook queue full; notification dropped")
	}
}

// Run dispatches queued notifications until ctx is done, then drains what is
// already queued.
func (w *Webhook) Run(ctx context.Context) {
	for {
		select {
		case n := <-w.queue:
			w.dispatchAll(context.WithoutCancel(ctx), n)
		case <-ctx.Done():
			for {
				select {
				case n := <-w.queue:
					w.dispatchAll(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) dispatchAll(ctx context.Context, n Notification) {
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newSeverityFilter(hook.Severities).match(n.Severity) {
			continue
		}
		if err := w.Deliver(ctx, hook, n); err != nil {
			w.log.WithError(err).WithField("url", hook.URL).Warn("webhook delivery failed")
		}
	}
}

// Deliver posts one notification to one hook.
func (w *Webhook) Deliver(ctx context.Context, hook WebhookConfig, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tradeloop-Delivery", n.ID)
	req.Header.Set("X-Tradeloop-Severity", string(n.Severity))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(data, hook.Secret))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

type severityFilter struct {
	all bool
	set map[collab.Severity]struct{}
}

func newSeverityFilter(severities []string) severityFilter {
	set := make(map[collab.Severity]struct{}, len(severities))
	for _, s := range severities {
		if key := strings.ToLower(strings.TrimSpace(s)); key != "" {
			set[collab.Severity(key)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return severityFilter{all: true}
	}
	return severityFilter{set: set}
}

func (f severityFilter) match(s collab.Severity) bool {
	if f.all {
		return true
	}
	_, ok := f.set[s]
	return ok
}
