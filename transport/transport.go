// Package transport performs the single idempotent HTTP call the sync
// pipeline is built on. One method: send a write to the backend and report
// a tagged Outcome (success, application failure, or transport failure),
// with no retries and no state. Retry policy belongs to the flush engine;
// queueing belongs to the ledger. Keeping the transport stateless keeps it
// trivially fakeable.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Header names of the outbound write contract.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderClientID       = "X-Relais-Client"
)

// Credentials is what the external provider supplies per call: an opaque
// bearer token and the connectivity-mode flag.
type Credentials struct {
	Token     string
	LocalOnly bool
}

// CredentialFunc resolves credentials for one send. Nil means anonymous
// remote mode. A LocalOnly result suppresses the network call entirely.
type CredentialFunc func(ctx context.Context) (Credentials, error)

// StaticToken returns a CredentialFunc that always serves the same bearer
// token.
func StaticToken(token string) CredentialFunc {
	return func(context.Context) (Credentials, error) {
		return Credentials{Token: token}, nil
	}
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root every mutation path is relative to.
	// Required.
	BaseURL string

	// Credentials supplies the bearer token and connectivity mode.
	Credentials CredentialFunc

	// HTTPClient overrides the underlying client. Default:
	// &http.Client{Timeout: Timeout}.
	HTTPClient *http.Client

	// Timeout bounds each request when HTTPClient is not set. Default 15s.
	Timeout time.Duration

	// MaxResponseBytes caps response body reads. Default 1 MiB.
	MaxResponseBytes int64

	// UserAgent for outbound requests. Default "relais/1".
	UserAgent string

	// ClientID is the stable installation identity sent on every request,
	// empty to omit the header.
	ClientID string

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = 1 << 20
	}
	if o.UserAgent == "" {
		o.UserAgent = "relais/1"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Request is one write to deliver.
type Request struct {
	Method string // POST or PATCH for queued writes; GET allowed for reads
	Path   string // relative to BaseURL; may carry a query string
	Body   json.RawMessage
	// IdempotencyKey, when present, is transmitted as a header so the
	// backend can deduplicate a retried write it already applied.
	IdempotencyKey string
}

// Client sends writes to the configured backend. It holds no mutable state
// beyond the HTTP client's connection pool.
type Client struct {
	base      *url.URL
	creds     CredentialFunc
	http      *http.Client
	maxBody   int64
	userAgent string
	clientID  string
	logger    *slog.Logger
}

// New builds a Client. BaseURL is required and must parse.
func New(opts Options) (*Client, error) {
	opts.defaults()
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:      base,
		creds:     opts.Credentials,
		http:      hc,
		maxBody:   opts.MaxResponseBytes,
		userAgent: opts.UserAgent,
		clientID:  opts.ClientID,
		logger:    opts.Logger,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Do performs one send and reports the Outcome.
//
// The error return is reserved for calls that could not be attempted at
// all: invalid request shape or a failing credential provider. Network
// failures are not errors here; they come back inside the Outcome so the
// caller can route them (stop the drain, enqueue, ...).
func (c *Client) Do(ctx context.Context, req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}

	creds := Credentials{}
	if c.creds != nil {
		var err error
		creds, err = c.creds(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("transport: credential provider: %w", err)
		}
	}
	if creds.LocalOnly {
		return Outcome{Kind: KindTransportFailure, LocalOnly: true, Err: ErrLocalOnly}, nil
	}

	target, err := c.resolve(req.Path)
	if err != nil {
		return Outcome{}, err
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = bytes.NewReader(req.Body)
	}

	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("transport: create request: %w", err)
	}
	if body != http.NoBody {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("User-Agent", c.userAgent)
	if creds.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if req.IdempotencyKey != "" {
		hr.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	if c.clientID != "" {
		hr.Header.Set(HeaderClientID, c.clientID)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		c.logger.WarnContext(ctx, "send failed",
			"method", req.Method, "path", req.Path, "error", err)
		return Outcome{
			Kind: KindTransportFailure,
			Err:  &UnreachableError{URL: target, Cause: err},
		}, nil
	}
	defer resp.Body.Close()

	data, err := limitedReadAll(resp.Body, c.maxBody)
	if err != nil {
		// The status arrived but the body did not. The write's fate is
		// unknown to the caller, so classify as a transport failure: the
		// idempotency key makes the eventual replay safe.
		return Outcome{
			Kind: KindTransportFailure,
			Err:  &UnreachableError{URL: target, Cause: err},
		}, nil
	}

	out := Outcome{Status: resp.StatusCode}
	if isJSON(resp.Header.Get("Content-Type")) && len(data) > 0 {
		out.Data = json.RawMessage(data)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Kind = KindSuccess
	} else {
		out.Kind = KindAppFailure
	}

	c.logger.DebugContext(ctx, "send",
		"method", req.Method, "path", req.Path,
		"status", resp.StatusCode, "outcome", out.Kind.String())
	return out, nil
}

func (r Request) validate() error {
	if r.Method == "" {
		return fmt.Errorf("transport: method is required")
	}
	if r.Path == "" {
		return fmt.Errorf("transport: path is required")
	}
	return nil
}

// resolve joins the backend base with a relative path, preserving any base
// path prefix and the request's query string.
func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("transport: bad path %q: %w", path, err)
	}
	u := c.base.JoinPath(ref.Path)
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}

// limitedReadAll reads at most maxBytes from r and fails with
// ErrResponseTooLarge beyond that.
func limitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
