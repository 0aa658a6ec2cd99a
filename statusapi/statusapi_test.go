package statusapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relais/journal"
	"github.com/hazyhaar/relais/outbox"
	"github.com/hazyhaar/relais/statusapi"
)

// fakePipeline lets each test wire just the calls it cares about.
type fakePipeline struct {
	enqueue      func(ctx context.Context, method, path string, body json.RawMessage, key string) (*outbox.Mutation, error)
	flush        func(ctx context.Context) (*outbox.Report, error)
	pending      func(ctx context.Context) ([]outbox.Mutation, error)
	pendingCount func(ctx context.Context) (int, error)
	cancel       func(ctx context.Context, key string) error
	journal      func(ctx context.Context, limit, offset int) ([]journal.Entry, error)
	setOnline    func(online bool)
	status       func(ctx context.Context) (map[string]any, error)
}

func (f *fakePipeline) Enqueue(ctx context.Context, method, path string, body json.RawMessage, key string) (*outbox.Mutation, error) {
	return f.enqueue(ctx, method, path, body, key)
}
func (f *fakePipeline) Flush(ctx context.Context) (*outbox.Report, error) { return f.flush(ctx) }
func (f *fakePipeline) Pending(ctx context.Context) ([]outbox.Mutation, error) {
	return f.pending(ctx)
}
func (f *fakePipeline) PendingCount(ctx context.Context) (int, error) { return f.pendingCount(ctx) }
func (f *fakePipeline) Cancel(ctx context.Context, key string) error  { return f.cancel(ctx, key) }
func (f *fakePipeline) Journal(ctx context.Context, limit, offset int) ([]journal.Entry, error) {
	return f.journal(ctx, limit, offset)
}
func (f *fakePipeline) SetOnline(online bool) { f.setOnline(online) }
func (f *fakePipeline) Status(ctx context.Context) (map[string]any, error) {
	return f.status(ctx)
}

func serve(t *testing.T, pipe statusapi.Pipeline, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	statusapi.New(pipe, statusapi.WithVersion("test")).Register(r)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	pipe := &fakePipeline{
		status: func(context.Context) (map[string]any, error) {
			return map[string]any{"online": true, "pending": 2}, nil
		},
	}
	rec := serve(t, pipe, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ok" || got["version"] != "test" {
		t.Errorf("health = %v", got)
	}
	if got["online"] != true || got["pending"] != float64(2) {
		t.Errorf("pipeline fields lost: %v", got)
	}
}

func TestPending(t *testing.T) {
	pipe := &fakePipeline{
		pending: func(context.Context) ([]outbox.Mutation, error) {
			return []outbox.Mutation{
				{Key: "mut_a", Method: "POST", Path: "/tasks", EnqueuedAt: 1000},
			}, nil
		},
	}
	rec := serve(t, pipe, http.MethodGet, "/pending", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []outbox.Mutation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Key != "mut_a" {
		t.Errorf("pending = %+v", got)
	}
}

func TestPendingCount(t *testing.T) {
	pipe := &fakePipeline{
		pendingCount: func(context.Context) (int, error) { return 7, nil },
	}
	rec := serve(t, pipe, http.MethodGet, "/pending/count", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"count":7}` {
		t.Errorf("body = %s", body)
	}
}

func TestCancel(t *testing.T) {
	var gotKey string
	pipe := &fakePipeline{
		cancel: func(_ context.Context, key string) error {
			gotKey = key
			return nil
		},
	}
	rec := serve(t, pipe, http.MethodDelete, "/pending/mut_a", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if gotKey != "mut_a" {
		t.Errorf("cancelled key = %q, want mut_a", gotKey)
	}
}

func TestFlush(t *testing.T) {
	pipe := &fakePipeline{
		flush: func(context.Context) (*outbox.Report, error) {
			return &outbox.Report{Attempted: 3, Flushed: []outbox.Mutation{{Key: "mut_a"}}}, nil
		},
	}
	rec := serve(t, pipe, http.MethodPost, "/flush", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got outbox.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Attempted != 3 || len(got.Flushed) != 1 {
		t.Errorf("report = %+v", got)
	}
}

func TestFlush_ErrorIs500(t *testing.T) {
	pipe := &fakePipeline{
		flush: func(context.Context) (*outbox.Report, error) {
			return nil, &outbox.StorageError{Op: "list", Cause: errors.New("disk full")}
		},
	}
	rec := serve(t, pipe, http.MethodPost, "/flush", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal error") {
		t.Errorf("body = %s, must not leak internals", rec.Body.String())
	}
}

func TestEnqueue(t *testing.T) {
	var gotMethod, gotPath, gotKey string
	pipe := &fakePipeline{
		enqueue: func(_ context.Context, method, path string, body json.RawMessage, key string) (*outbox.Mutation, error) {
			gotMethod, gotPath, gotKey = method, path, key
			return &outbox.Mutation{Key: "mut_gen", Method: method, Path: path, Body: body, EnqueuedAt: 1000}, nil
		},
	}
	rec := serve(t, pipe, http.MethodPost, "/enqueue",
		`{"method":" post ","path":"/tasks","body":{"title":"x"}}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	if gotMethod != "POST" {
		t.Errorf("method = %q, want normalized POST", gotMethod)
	}
	if gotPath != "/tasks" || gotKey != "" {
		t.Errorf("path = %q key = %q", gotPath, gotKey)
	}
	var got outbox.Mutation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key != "mut_gen" {
		t.Errorf("returned mutation = %+v", got)
	}
}

func TestEnqueue_ValidationErrorIs400(t *testing.T) {
	pipe := &fakePipeline{
		enqueue: func(context.Context, string, string, json.RawMessage, string) (*outbox.Mutation, error) {
			return nil, errors.New("outbox: method \"GET\" not allowed, want POST or PATCH")
		},
	}
	rec := serve(t, pipe, http.MethodPost, "/enqueue", `{"method":"GET","path":"/tasks"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not allowed") {
		t.Errorf("body = %s, want validation detail", rec.Body.String())
	}
}

func TestEnqueue_StorageErrorIs500(t *testing.T) {
	pipe := &fakePipeline{
		enqueue: func(context.Context, string, string, json.RawMessage, string) (*outbox.Mutation, error) {
			return nil, &outbox.StorageError{Op: "enqueue", Cause: errors.New("database is locked")}
		},
	}
	rec := serve(t, pipe, http.MethodPost, "/enqueue", `{"method":"POST","path":"/tasks"}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Errorf("body = %s, must not leak internals", rec.Body.String())
	}
}

func TestEnqueue_BadJSONIs400(t *testing.T) {
	pipe := &fakePipeline{}
	rec := serve(t, pipe, http.MethodPost, "/enqueue", `{`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestJournal_QueryParsing(t *testing.T) {
	var gotLimit, gotOffset int
	pipe := &fakePipeline{
		journal: func(_ context.Context, limit, offset int) ([]journal.Entry, error) {
			gotLimit, gotOffset = limit, offset
			return []journal.Entry{}, nil
		},
	}

	serve(t, pipe, http.MethodGet, "/journal?limit=3&offset=6", "")
	if gotLimit != 3 || gotOffset != 6 {
		t.Errorf("limit, offset = %d, %d, want 3, 6", gotLimit, gotOffset)
	}

	serve(t, pipe, http.MethodGet, "/journal?limit=oops&offset=-2", "")
	if gotLimit != 50 || gotOffset != 0 {
		t.Errorf("limit, offset = %d, %d, want defaults on bad input", gotLimit, gotOffset)
	}

	serve(t, pipe, http.MethodGet, "/journal?limit=9999", "")
	if gotLimit != 50 {
		t.Errorf("limit = %d, want default 50 on out-of-range input", gotLimit)
	}
}

func TestOnline(t *testing.T) {
	var got []bool
	pipe := &fakePipeline{
		setOnline: func(online bool) { got = append(got, online) },
	}

	rec := serve(t, pipe, http.MethodPost, "/online", `{"online":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	serve(t, pipe, http.MethodPost, "/online", `{"online":false}`)

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("SetOnline calls = %v, want [true false]", got)
	}
}
