// Package statusapi exposes the sync pipeline over a local HTTP surface:
// pending mutations, flush triggers, the journal, and connectivity
// signals. It is the daemon's control plane for UIs and scripts; the
// mutation data plane stays in the syncer.
package statusapi

import (
	"context"
	"encoding/json"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relais/journal"
	"github.com/hazyhaar/relais/outbox"
)

// Pipeline is the slice of the sync engine the API needs. *syncer.Client
// satisfies it.
type Pipeline interface {
	Enqueue(ctx context.Context, method, path string, body json.RawMessage, key string) (*outbox.Mutation, error)
	Flush(ctx context.Context) (*outbox.Report, error)
	Pending(ctx context.Context) ([]outbox.Mutation, error)
	PendingCount(ctx context.Context) (int, error)
	Cancel(ctx context.Context, key string) error
	Journal(ctx context.Context, limit, offset int) ([]journal.Entry, error)
	SetOnline(online bool)
	Status(ctx context.Context) (map[string]any, error)
}

// API serves the status routes.
type API struct {
	pipe    Pipeline
	version string
}

// Option configures the API.
type Option func(*API)

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// New creates the API around a pipeline.
func New(pipe Pipeline, opts ...Option) *API {
	a := &API{pipe: pipe, version: "dev"}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register mounts all routes on the router.
func (a *API) Register(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/pending", a.handlePending)
	r.Get("/pending/count", a.handlePendingCount)
	r.Delete("/pending/{key}", a.handleCancel)
	r.Post("/flush", a.handleFlush)
	r.Post("/enqueue", a.handleEnqueue)
	r.Get("/journal", a.handleJournal)
	r.Post("/online", a.handleOnline)
}
