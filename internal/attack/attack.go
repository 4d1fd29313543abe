// Package attack runs a loaded script against the request engine.
package attack

import (
	"context"
	"fmt"

	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/engine"
	"github.com/vk/racegate/internal/script"
	"github.com/vk/racegate/internal/stats"
	"github.com/vk/racegate/internal/table"
)

// Option customises a run.
type Option func(*runner)

type runner struct {
	observers []func(*engine.Engine)
}

// WithObserver is called with the engine as soon as it is created, before
// anything is queued.
func WithObserver(fn func(*engine.Engine)) Option {
	return func(r *runner) { r.observers = append(r.observers, fn) }
}

// Run queues every request the script describes, starts the engine, opens
// the gates in order and waits for completion. Finished requests are
// recorded in tbl.
func Run(ctx context.Context, s *script.Script, tbl table.Table, opts ...Option) (stats.Summary, error) {
	logger := ctxlog.FromContext(ctx)
	r := &runner{}
	for _, opt := range opts {
		opt(r)
	}

	engOpts := s.Engine
	engOpts.Callback = HandleResponse(tbl, s.Output.InterestingOnly)
	eng, err := engine.New(ctx, engOpts)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("failed to create engine: %w", err)
	}
	for _, fn := range r.observers {
		fn(eng)
	}

	abort := func(err error) (stats.Summary, error) {
		eng.Cancel()
		<-eng.Done()
		return eng.Stats(), err
	}

	queued := 0
	for _, q := range s.Queues {
		qopts := []engine.QueueOption{engine.WithLabel(q.Label)}
		if q.Gate != "" {
			qopts = append(qopts, engine.WithGate(q.Gate))
		}
		if q.Learn > 0 {
			qopts = append(qopts, engine.WithLearn(q.Learn))
		}
		for _, payloads := range q.Requests() {
			if _, err := eng.Queue(ctx, s.Template, payloads, qopts...); err != nil {
				return abort(fmt.Errorf("failed to queue request for %q: %w", q.Label, err))
			}
			queued++
		}
		logger.Debug("Queued requests.", "queue", q.Label, "gate", q.Gate, "total", queued)
	}
	logger.Info("📦 Requests queued", "count", queued, "queues", len(s.Queues))

	if err := eng.Start(s.StartTimeout); err != nil {
		return abort(fmt.Errorf("failed to start engine: %w", err))
	}

	for _, name := range s.OpenGates {
		if err := eng.OpenGate(name); err != nil {
			return abort(fmt.Errorf("failed to open gate %q: %w", name, err))
		}
	}

	summary, err := eng.Complete(s.CompleteTimeout)
	if err != nil {
		return summary, fmt.Errorf("attack failed: %w", err)
	}
	return summary, nil
}

// HandleResponse records every finished request in tbl. With
// interestingOnly set, boring responses are dropped.
func HandleResponse(tbl table.Table, interestingOnly bool) engine.Callback {
	return func(ctx context.Context, req *engine.Request, interesting bool) error {
		if interestingOnly && !interesting {
			return nil
		}
		return tbl.Add(ctx, req, interesting)
	}
}
