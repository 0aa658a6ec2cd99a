// Package syncer is the offline-first mutation engine for a task-tracker
// client. It wires the durable outbox, the HTTP transport, connectivity
// monitoring, the event journal, and optional webhook notifications into
// one client with a small surface.
//
// The pipeline:
//
//	Submit/Enqueue → outbox ledger (SQLite) → flush on online transition → backend
//
// Writes never block on the network: when the backend is unreachable they
// land in the ledger and replay, oldest first, once connectivity returns.
// Conflicts (409) leave the queue and surface on the conflict channel.
//
// Usage:
//
//	c, err := syncer.New(cfg, logger)
//	defer c.Close()
//	c.OnConflict(func(m outbox.Mutation) { ... })
//	c.Start(ctx)
//	c.Submit(ctx, "POST", "/tasks", body)
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/relais/dbopen"
	"github.com/hazyhaar/relais/idgen"
	"github.com/hazyhaar/relais/journal"
	"github.com/hazyhaar/relais/netmon"
	"github.com/hazyhaar/relais/notify"
	"github.com/hazyhaar/relais/outbox"
	"github.com/hazyhaar/relais/transport"
)

// Client is the syncer facade.
type Client struct {
	cfg      *Config
	db       *sql.DB
	ledger   *outbox.Ledger
	flusher  *outbox.Flusher
	trans    *transport.Client
	monitor  *netmon.Monitor
	journal  *journal.Journal
	webhook  *notify.Webhook
	newKey   idgen.Generator
	logger   *slog.Logger
	clientID string

	cancels []func()
	closed  atomic.Bool
}

// New creates a Client. Opens the SQLite database, mints or loads the
// stable client ID, and wires the pipeline. Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("syncer: backend.base_url is required")
	}

	db, err := dbopen.Open(cfg.Store.Path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(outbox.Schema),
		dbopen.WithSchema(journal.Schema),
		dbopen.WithSchema(MetaSchema),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientID, err := loadOrCreateClientID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	trans, err := transport.New(transport.Options{
		BaseURL:          cfg.Backend.BaseURL,
		Credentials:      cfg.Auth.credentialFunc(),
		Timeout:          cfg.Backend.Timeout.Std(),
		MaxResponseBytes: cfg.Backend.MaxResponseBytes,
		UserAgent:        cfg.Backend.UserAgent,
		ClientID:         clientID,
		Logger:           logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var probeURL string
	if cfg.Monitor.ActiveProbe {
		probeURL = cfg.Backend.BaseURL + cfg.Monitor.ProbePath
	}
	monitor := netmon.New(netmon.Options{
		ProbeURL: probeURL,
		Interval: cfg.Monitor.Interval.Std(),
		Logger:   logger,
	})

	ledger := outbox.NewLedger(db)
	flusher := outbox.NewFlusher(ledger, sendMutation(trans), outbox.Options{
		MaxRetries:        cfg.Flush.MaxRetries,
		BaseDelay:         cfg.Flush.BaseDelay.Std(),
		RetryClientErrors: cfg.Flush.RetryClientErrors,
		Logger:            logger,
	})

	var webhook *notify.Webhook
	if cfg.Webhook.URL != "" {
		webhook, err = notify.NewWebhook(notify.WebhookOptions{
			URL:    cfg.Webhook.URL,
			Secret: cfg.Webhook.Secret,
			Logger: logger,
		})
		if err != nil {
			trans.Close()
			db.Close()
			return nil, err
		}
	}

	c := &Client{
		cfg:      cfg,
		db:       db,
		ledger:   ledger,
		flusher:  flusher,
		trans:    trans,
		monitor:  monitor,
		journal:  journal.New(db),
		webhook:  webhook,
		newKey:   idgen.MutationKey,
		logger:   logger,
		clientID: clientID,
	}
	c.cancels = append(c.cancels, flusher.Subscribe(c.recordEvent))
	if webhook != nil {
		c.cancels = append(c.cancels, flusher.Subscribe(c.notifyEvent))
	}
	return c, nil
}

// sendMutation adapts the transport to the flush engine.
func sendMutation(t *transport.Client) outbox.SendFunc {
	return func(ctx context.Context, m outbox.Mutation) (transport.Outcome, error) {
		return t.Do(ctx, transport.Request{
			Method:         m.Method,
			Path:           m.Path,
			Body:           m.Body,
			IdempotencyKey: m.Key,
		})
	}
}

// Start launches background work: the reachability probe loop (when
// configured), the flush-on-reconnect trigger, and journal retention.
func (c *Client) Start(ctx context.Context) {
	c.cancels = append(c.cancels, c.monitor.OnOnline(func() {
		go c.flushTrigger("online")
	}))
	if c.cfg.Monitor.ActiveProbe {
		go c.monitor.Run(ctx)
	}
	go c.retentionLoop(ctx)
	c.logger.Info("relais: started",
		"db", c.cfg.Store.Path, "backend", c.cfg.Backend.BaseURL, "client_id", c.clientID)
}

// Close releases subscriptions and the database. Safe to call twice.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, cancel := range c.cancels {
		cancel()
	}
	c.trans.Close()
	return c.db.Close()
}

// Submit sends a mutation now when that cannot break replay order, and
// queues it otherwise. Queued is true when the mutation went to the
// ledger. The attempt and any later replay share one idempotency key, so
// the backend applies the write once no matter which path delivered it.
//
// A direct-send application outcome, 409 included, returns synchronously
// to the caller; the conflict channel only carries queued mutations.
func (c *Client) Submit(ctx context.Context, method, path string, body json.RawMessage) (transport.Outcome, bool, error) {
	key := c.newKey()

	if !c.monitor.Online() {
		_, err := c.Enqueue(ctx, method, path, body, key)
		return transport.Outcome{}, true, err
	}

	// A non-empty ledger means older writes are still waiting; sending
	// this one first would reorder dependent mutations.
	pending, err := c.ledger.Count(ctx)
	if err != nil {
		return transport.Outcome{}, false, err
	}
	if pending > 0 {
		_, err := c.Enqueue(ctx, method, path, body, key)
		return transport.Outcome{}, true, err
	}

	out, err := c.trans.Do(ctx, transport.Request{
		Method: method, Path: path, Body: body, IdempotencyKey: key,
	})
	if err != nil {
		return out, false, err
	}
	if out.Kind == transport.KindTransportFailure {
		if !out.LocalOnly {
			c.monitor.SetOnline(false)
		}
		_, err := c.Enqueue(ctx, method, path, body, key)
		return out, true, err
	}
	return out, false, nil
}

// Enqueue stores a mutation without attempting delivery. An empty key gets
// a generated one. When configured, an online enqueue also triggers an
// asynchronous flush pass.
func (c *Client) Enqueue(ctx context.Context, method, path string, body json.RawMessage, key string) (*outbox.Mutation, error) {
	if key == "" {
		key = c.newKey()
	}
	m := &outbox.Mutation{Key: key, Method: method, Path: path, Body: body}
	if err := c.ledger.Enqueue(ctx, m); err != nil {
		return nil, err
	}
	c.journal.Record(ctx, journal.Entry{
		Event:       journal.EventEnqueued,
		MutationKey: m.Key,
		Method:      m.Method,
		Path:        m.Path,
	})
	c.logger.DebugContext(ctx, "mutation enqueued", "key", m.Key, "method", method, "path", path)

	if c.cfg.Flush.FlushOnEnqueue && c.monitor.Online() {
		go c.flushTrigger("enqueue")
	}
	return m, nil
}

// Flush runs one drain pass and journals an early stop.
func (c *Client) Flush(ctx context.Context) (*outbox.Report, error) {
	rep, err := c.flusher.Flush(ctx)
	if rep != nil && rep.Stopped {
		// Journal the stop even when ctx itself caused it.
		c.journal.Record(context.WithoutCancel(ctx), journal.Entry{
			Event:  journal.EventStopped,
			Detail: rep.StopCause,
		})
	}
	return rep, err
}

func (c *Client) flushTrigger(reason string) {
	rep, err := c.Flush(context.Background())
	if err != nil {
		c.logger.Error("triggered flush failed", "trigger", reason, "error", err)
		return
	}
	if rep.Skipped {
		return
	}
	c.logger.Debug("triggered flush finished", "trigger", reason,
		"attempted", rep.Attempted, "flushed", len(rep.Flushed), "stopped", rep.Stopped)
}

// Pending lists queued mutations, oldest first.
func (c *Client) Pending(ctx context.Context) ([]outbox.Mutation, error) {
	return c.ledger.ListAll(ctx)
}

// PendingCount returns the queue depth.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.ledger.Count(ctx)
}

// Cancel drops a queued mutation by key. Idempotent.
func (c *Client) Cancel(ctx context.Context, key string) error {
	if err := c.ledger.Remove(ctx, key); err != nil {
		return err
	}
	c.journal.Record(ctx, journal.Entry{
		Event:       journal.EventDiscarded,
		MutationKey: key,
		Detail:      "cancelled",
	})
	return nil
}

// Journal returns recent pipeline events, newest first.
func (c *Client) Journal(ctx context.Context, limit, offset int) ([]journal.Entry, error) {
	return c.journal.Recent(ctx, limit, offset)
}

// OnConflict registers a conflict handler. See outbox.Flusher.OnConflict.
func (c *Client) OnConflict(fn func(outbox.Mutation)) func() {
	return c.flusher.OnConflict(fn)
}

// Subscribe registers an observer for all terminal mutation events.
func (c *Client) Subscribe(fn func(outbox.Event)) func() {
	return c.flusher.Subscribe(fn)
}

// Online reports cached backend reachability.
func (c *Client) Online() bool { return c.monitor.Online() }

// SetOnline feeds an external connectivity signal (platform callback, UI
// toggle). A transition to online triggers a flush pass once Start ran.
func (c *Client) SetOnline(online bool) { c.monitor.SetOnline(online) }

// Status summarizes the pipeline for health surfaces.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	pending, err := c.ledger.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"online":    c.monitor.Online(),
		"pending":   pending,
		"client_id": c.clientID,
		"flusher":   c.flusher.Stats(),
		"monitor":   c.monitor.Stats(),
	}, nil
}

// recordEvent journals every terminal flush event.
func (c *Client) recordEvent(ev outbox.Event) {
	entry := journal.Entry{
		MutationKey: ev.Mutation.Key,
		Method:      ev.Mutation.Method,
		Path:        ev.Mutation.Path,
		Status:      ev.Status,
	}
	switch ev.Type {
	case outbox.EventFlushed:
		entry.Event = journal.EventFlushed
	case outbox.EventConflict:
		entry.Event = journal.EventConflict
	case outbox.EventDiscarded:
		entry.Event = journal.EventDiscarded
		if ev.Reason == outbox.DiscardBudget {
			entry.Detail = outbox.ErrBudgetExhausted.Error()
		} else {
			entry.Detail = fmt.Sprintf("rejected with status %d", ev.Status)
		}
	}
	c.journal.Record(context.Background(), entry)
}

// webhookEnvelope is the JSON body posted for conflict and discard events.
type webhookEnvelope struct {
	Event  string          `json:"event"`
	Key    string          `json:"key"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
	Status int             `json:"status,omitempty"`
	Reason string          `json:"reason,omitempty"`
	At     int64           `json:"at"`
}

// notifyEvent pushes conflicts and discards to the configured webhook.
// Successes stay local; the host cares about what needs attention.
func (c *Client) notifyEvent(ev outbox.Event) {
	if ev.Type == outbox.EventFlushed {
		return
	}
	env := webhookEnvelope{
		Event:  ev.Type.String(),
		Key:    ev.Mutation.Key,
		Method: ev.Mutation.Method,
		Path:   ev.Mutation.Path,
		Body:   ev.Mutation.Body,
		Status: ev.Status,
		At:     time.Now().UnixMilli(),
	}
	if ev.Type == outbox.EventDiscarded {
		env.Reason = ev.Reason.String()
	}
	// Deliver off the flush goroutine: a slow webhook must not stall the
	// drain.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		c.webhook.Notify(ctx, env)
	}()
}

// retentionLoop prunes old journal rows at startup and then once a day.
func (c *Client) retentionLoop(ctx context.Context) {
	c.cleanupJournal(ctx)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupJournal(ctx)
		}
	}
}

func (c *Client) cleanupJournal(ctx context.Context) {
	n, err := c.journal.Cleanup(ctx, c.cfg.Journal.RetentionDays)
	if err != nil {
		c.logger.Warn("journal cleanup failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("journal cleaned", "deleted", n)
	}
}
