// Package notify pushes pipeline events to an external webhook. Conflicts
// and discards are the events a host application cannot afford to miss;
// everything else is observable through the journal. Delivery is
// best-effort: a dead webhook never blocks or fails a flush pass.
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
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HeaderSignature carries the hex HMAC-SHA256 of the request body,
// prefixed "sha256=", when a signing secret is configured.
const HeaderSignature = "X-Relais-Signature"

// WebhookOptions configures an outbound webhook.
type WebhookOptions struct {
	// URL receives event payloads as JSON POSTs. Required.
	URL string

	// Secret signs outbound payloads. Empty disables signing.
	Secret string

	// Timeout bounds one delivery. Default 10s.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	UserAgent  string
}

func (o *WebhookOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.UserAgent == "" {
		o.UserAgent = "relais/1"
	}
}

// SendError reports a failed delivery.
type SendError struct {
	URL    string
	Status int // zero when the request never got a response
	Cause  error
}

func (e *SendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("notify: webhook %s returned %d", e.URL, e.Status)
	}
	return fmt.Sprintf("notify: webhook %s: %v", e.URL, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// Webhook delivers JSON event payloads to one URL.
type Webhook struct {
	opts WebhookOptions
}

// NewWebhook validates the target URL and returns a sender.
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("notify: webhook url scheme %q not supported", u.Scheme)
	}
	opts.defaults()
	return &Webhook{opts: opts}, nil
}

// Send delivers one payload and reports failure. Use Notify from event
// handlers; Send is for callers that need the error.
func (w *Webhook) Send(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &SendError{URL: w.opts.URL, Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return &SendError{URL: w.opts.URL, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.opts.UserAgent)
	if w.opts.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.opts.Secret, body))
	}

	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return &SendError{URL: w.opts.URL, Cause: err}
	}
	// Drain so the connection can be reused; the response body carries
	// nothing we act on.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &SendError{URL: w.opts.URL, Status: resp.StatusCode}
	}
	return nil
}

// Notify is Send without the error: failures are logged and dropped.
func (w *Webhook) Notify(ctx context.Context, payload any) {
	if err := w.Send(ctx, payload); err != nil {
		w.opts.Logger.WarnContext(ctx, "webhook delivery failed", "error", err)
	}
}

// Sign computes the "sha256=<hex>" HMAC-SHA256 signature of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body. Accepts the
// optional "sha256=" prefix. Returns true when no secret is configured.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
