package outbox

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/relais/transport"
)

// SendFunc delivers one mutation and reports the transport outcome. The
// returned error is reserved for non-network problems (bad configuration,
// credential provider failure); connectivity trouble travels inside the
// Outcome.
type SendFunc func(ctx context.Context, m Mutation) (transport.Outcome, error)

// Options tunes a Flusher. The zero value is usable.
type Options struct {
	// MaxRetries is the attempt budget per mutation. A mutation whose
	// counter has reached it is discarded before any further attempt.
	// Default 5.
	MaxRetries int

	// BaseDelay seeds the backoff: a mutation with N prior failures waits
	// BaseDelay * 2^(N-1) before its next attempt. Default 1s.
	BaseDelay time.Duration

	// RetryClientErrors keeps 4xx rejections in the ledger and burns
	// budget on them. Off by default: a request the backend deemed
	// malformed stays malformed, so it is discarded on first rejection.
	// Timing statuses (408, 425, 429) are retried regardless.
	RetryClientErrors bool

	Logger *slog.Logger

	// Sleep is the backoff wait, replaceable in tests. Default honors
	// context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

// Flusher drains the ledger oldest-first. At most one pass runs at a
// time: Flush called while a pass is in flight returns immediately with
// Report.Skipped set, it never queues a second drain.
//
// Flushes are event-driven. Nothing here ticks on a timer; callers invoke
// Flush when connectivity returns or right after enqueueing while online.
type Flusher struct {
	ledger *Ledger
	send   SendFunc
	opts   Options

	active atomic.Bool
	obs    observers

	passes    atomic.Int64
	flushed   atomic.Int64
	conflicts atomic.Int64
	discarded atomic.Int64
	stops     atomic.Int64
}

// NewFlusher binds a ledger to a send function.
func NewFlusher(ledger *Ledger, send SendFunc, opts Options) *Flusher {
	opts.defaults()
	return &Flusher{ledger: ledger, send: send, opts: opts}
}

// Subscribe registers an observer for every terminal event. The returned
// func unsubscribes.
func (f *Flusher) Subscribe(fn func(Event)) func() {
	return f.obs.subscribe(fn)
}

// OnConflict registers a handler for 409 rejections only. The mutation
// has already left the ledger when the handler runs; the pipeline never
// merges or retries a conflict on its own.
func (f *Flusher) OnConflict(fn func(Mutation)) func() {
	return f.obs.subscribe(func(ev Event) {
		if ev.Type == EventConflict {
			fn(ev.Mutation)
		}
	})
}

// Report summarizes one flush pass.
type Report struct {
	// Skipped is set when another pass was already in flight and this
	// call did nothing.
	Skipped bool `json:"skipped,omitempty"`

	Attempted int        `json:"attempted"`
	Flushed   []Mutation `json:"flushed,omitempty"`
	Conflicts []Mutation `json:"conflicts,omitempty"`
	Discarded []Mutation `json:"discarded,omitempty"`

	// Stopped is set when the pass ended early with mutations still
	// queued, with the transport error that ended it in StopCause.
	Stopped   bool   `json:"stopped,omitempty"`
	StopCause string `json:"stop_cause,omitempty"`
}

// Flush drains every pending mutation in enqueue order. It stops early
// when the backend becomes unreachable, leaving the remainder for the
// next connectivity event. Returns an error for storage failures, send
// misconfiguration, or context cancellation; running dry or hitting a
// transport failure is a normal outcome, not an error.
func (f *Flusher) Flush(ctx context.Context) (*Report, error) {
	if !f.active.CompareAndSwap(false, true) {
		return &Report{Skipped: true}, nil
	}
	defer f.active.Store(false)

	f.passes.Add(1)
	report := &Report{}

	pending, err := f.ledger.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	f.opts.Logger.DebugContext(ctx, "flush pass started", "pending", len(pending))

	for _, m := range pending {
		if m.Retries >= f.opts.MaxRetries {
			if err := f.discard(ctx, m, DiscardBudget, 0); err != nil {
				return report, err
			}
			report.Discarded = append(report.Discarded, m)
			continue
		}

		if m.Retries > 0 {
			wait := f.opts.BaseDelay * time.Duration(1<<uint(m.Retries-1))
			if err := f.opts.Sleep(ctx, wait); err != nil {
				report.Stopped = true
				report.StopCause = err.Error()
				return report, err
			}
		}

		report.Attempted++
		out, err := f.send(ctx, m)
		if err != nil {
			report.Stopped = true
			report.StopCause = err.Error()
			return report, err
		}

		switch {
		case out.Succeeded():
			if err := f.ledger.Remove(ctx, m.Key); err != nil {
				return report, err
			}
			f.flushed.Add(1)
			f.obs.emit(Event{Type: EventFlushed, Mutation: m, Status: out.Status})
			report.Flushed = append(report.Flushed, m)

		case out.Kind == transport.KindTransportFailure:
			// Row untouched. The whole pass stops: if this one cannot
			// reach the backend, the younger ones behind it cannot either,
			// and draining past it would reorder dependent writes.
			f.stops.Add(1)
			report.Stopped = true
			if out.Err != nil {
				report.StopCause = out.Err.Error()
			}
			if out.LocalOnly {
				f.opts.Logger.DebugContext(ctx, "flush pass stopped, local-only mode",
					"key", m.Key, "remaining", len(pending)-report.Attempted+1)
			} else {
				f.opts.Logger.InfoContext(ctx, "flush pass stopped, backend unreachable",
					"key", m.Key, "remaining", len(pending)-report.Attempted+1, "error", out.Err)
			}
			return report, nil

		case out.Conflict():
			if err := f.ledger.Remove(ctx, m.Key); err != nil {
				return report, err
			}
			f.conflicts.Add(1)
			f.opts.Logger.WarnContext(ctx, "mutation conflicted", "key", m.Key,
				"method", m.Method, "path", m.Path)
			f.obs.emit(Event{Type: EventConflict, Mutation: m, Status: out.Status})
			report.Conflicts = append(report.Conflicts, m)

		default:
			if !f.opts.RetryClientErrors && !retryable(out.Status) {
				if err := f.discard(ctx, m, DiscardRejected, out.Status); err != nil {
					return report, err
				}
				report.Discarded = append(report.Discarded, m)
				continue
			}
			m.Retries++
			if err := f.ledger.Enqueue(ctx, &m); err != nil {
				return report, err
			}
			f.opts.Logger.WarnContext(ctx, "mutation rejected, will retry",
				"key", m.Key, "status", out.Status, "retries", m.Retries)
		}
	}

	f.opts.Logger.DebugContext(ctx, "flush pass finished",
		"attempted", report.Attempted,
		"flushed", len(report.Flushed),
		"conflicts", len(report.Conflicts),
		"discarded", len(report.Discarded))
	return report, nil
}

func (f *Flusher) discard(ctx context.Context, m Mutation, reason DiscardReason, status int) error {
	if err := f.ledger.Remove(ctx, m.Key); err != nil {
		return err
	}
	f.discarded.Add(1)
	f.opts.Logger.WarnContext(ctx, "mutation discarded", "key", m.Key,
		"method", m.Method, "path", m.Path, "reason", reason.String(), "retries", m.Retries)
	f.obs.emit(Event{Type: EventDiscarded, Mutation: m, Reason: reason, Status: status})
	return nil
}

// Active reports whether a pass is in flight.
func (f *Flusher) Active() bool { return f.active.Load() }

// Stats is a point-in-time snapshot of flush counters.
type Stats struct {
	Passes    int64 `json:"passes"`
	Flushed   int64 `json:"flushed"`
	Conflicts int64 `json:"conflicts"`
	Discarded int64 `json:"discarded"`
	Stops     int64 `json:"stops"`
	Active    bool  `json:"active"`
}

func (f *Flusher) Stats() Stats {
	return Stats{
		Passes:    f.passes.Load(),
		Flushed:   f.flushed.Load(),
		Conflicts: f.conflicts.Load(),
		Discarded: f.discarded.Load(),
		Stops:     f.stops.Load(),
		Active:    f.active.Load(),
	}
}

// retryable reports whether a rejected status is worth another attempt.
// Server-side failures and explicit timing statuses are; other client
// errors are permanent.
func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
