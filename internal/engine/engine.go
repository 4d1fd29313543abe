package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/gate"
	"github.com/vk/racegate/internal/stats"
	"github.com/vk/racegate/internal/wire"
	"golang.org/x/sync/errgroup"
)

// pollInterval is how long an idle worker waits on the queue before
// re-checking whether the attack is completing.
const pollInterval = 100 * time.Millisecond

const (
	stateWarmup int32 = iota
	stateRunning
	stateCompleting
	stateCancelled
)

// Engine sends queued requests over a pool of connections.
type Engine struct {
	opts   Options
	target *target
	logger *slog.Logger

	queue      *queue
	retries    *queue
	gates      *gate.Registry
	classifier *classifier
	stats      *stats.Stats

	state   atomic.Int32
	pending atomic.Int64
	nextID  atomic.Int64

	connected     atomic.Int32
	allConnected  chan struct{}
	started       chan struct{}
	startOnce     sync.Once
	connectedOnce sync.Once

	reuseTLS    atomic.Bool
	tlsSessions tls.ClientSessionCache

	callbackMu sync.Mutex

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New validates opts, resolves the endpoint and starts warming up the
// connection workers. Workers connect immediately but send nothing until
// Start is called.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	t, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx).With("endpoint", opts.Endpoint)
	runCtx, cancel := context.WithCancel(ctxlog.WithLogger(ctx, logger))

	e := &Engine{
		opts:         opts,
		target:       t,
		logger:       logger,
		queue:        newQueue(opts.MaxQueueSize),
		retries:      newQueue(0),
		gates:        gate.NewRegistry(),
		classifier:   newClassifier(),
		stats:        stats.New(),
		allConnected: make(chan struct{}),
		started:      make(chan struct{}),
		tlsSessions:  tls.NewLRUClientSessionCache(opts.ConcurrentConnections),
		parent:       ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	e.reuseTLS.Store(true)

	group, groupCtx := errgroup.WithContext(runCtx)
	e.ctx = groupCtx

	logger.Info("🔥 Warming up...", "connections", opts.ConcurrentConnections, "requests_per_connection", opts.RequestsPerConnection, "pipeline", opts.Pipeline)
	for i := 0; i < opts.ConcurrentConnections; i++ {
		id := i
		group.Go(func() error { return e.worker(groupCtx, id) })
	}

	go func() {
		err := group.Wait()
		if errors.Is(err, ErrStopAttack) {
			logger.Info("Attack stopped by callback.")
			err = nil
		}
		e.err = err
		e.gates.OpenAll()
		close(e.done)
	}()

	return e, nil
}

// Queue renders tpl with payloads and adds it to the request queue. When the
// template has no placeholders the payloads are only recorded as the
// request's words. Queue blocks while a bounded queue is full; a full queue
// during warmup starts the attack so that it can drain.
func (e *Engine) Queue(ctx context.Context, tpl *wire.Template, payloads []string, opts ...QueueOption) (*Request, error) {
	if e.state.Load() >= stateCompleting {
		return nil, ErrEngineCompleted
	}

	fill := payloads
	if tpl.Placeholders() == 0 {
		fill = nil
	}
	raw, err := tpl.Render(fill...)
	if err != nil {
		return nil, fmt.Errorf("failed to render request: %w", err)
	}

	req := &Request{
		ID:       e.nextID.Add(1),
		Words:    payloads,
		Raw:      raw,
		Method:   tpl.Method(),
		QueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(req)
	}

	if req.Gate != "" {
		e.gates.Expect(req.Gate)
	}
	if e.opts.MaxQueueSize > 0 && e.queue.Len() >= e.opts.MaxQueueSize && e.state.Load() == stateWarmup {
		e.logger.Info("Queue is full, starting attack early.", "max_queue_size", e.opts.MaxQueueSize)
		e.begin()
	}
	e.pending.Add(1)
	if err := e.queue.Push(ctx, req); err != nil {
		e.pending.Add(-1)
		return nil, err
	}
	e.stats.Queued.Add(1)
	return req, nil
}

// Start waits up to timeout for every connection to be established and then
// lets the workers begin sending. Missing connections keep retrying in the
// background.
func (e *Engine) Start(timeout time.Duration) error {
	select {
	case <-e.allConnected:
		e.logger.Debug("All connections established.")
	case <-time.After(timeout):
		e.logger.Warn("Start timeout reached before all connections were established.",
			"connected", e.connected.Load(), "wanted", e.opts.ConcurrentConnections)
	case <-e.done:
		return e.closedErr()
	}

	e.begin()
	return nil
}

func (e *Engine) begin() {
	e.startOnce.Do(func() {
		e.state.CompareAndSwap(stateWarmup, stateRunning)
		e.stats.MarkStarted(time.Now())
		close(e.started)
		e.logger.Info("🚀 Attack started", "queued", e.stats.Queued.Load())
	})
}

// OpenGate releases the final bytes held back for the named gate. It first
// waits, at most Timeout, for every request queued on the gate to arrive.
func (e *Engine) OpenGate(name string) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.Timeout)
	defer cancel()
	return e.gates.Open(ctx, name)
}

// Complete declares that no more requests will be queued and waits up to
// timeout for the queued ones to finish. On timeout the attack is cancelled.
func (e *Engine) Complete(timeout time.Duration) (stats.Summary, error) {
	e.begin()
	e.state.CompareAndSwap(stateRunning, stateCompleting)
	e.queue.Wake()
	e.retries.Wake()

	select {
	case <-e.done:
	case <-time.After(timeout):
		e.logger.Warn("Complete timeout reached, cancelling remaining requests.", "pending", e.pending.Load())
		e.Cancel()
		<-e.done
	}

	summary := e.stats.Snapshot()
	e.logger.Info("🏁 Attack complete",
		"successful", summary.Successful, "failed", summary.Failed,
		"retries", summary.Retries, "connections", summary.Connections,
		"spread", summary.Spread)
	return summary, e.err
}

// Cancel aborts the attack: gates open, sockets close and workers exit.
func (e *Engine) Cancel() {
	e.state.Store(stateCancelled)
	e.cancel()
	e.gates.OpenAll()
}

// Done is closed once every worker has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() stats.Summary {
	return e.stats.Snapshot()
}

// Gates reports the state of all gates.
func (e *Engine) Gates() []gate.Status {
	return e.gates.Snapshot()
}

// closedErr reports why the workers have exited.
func (e *Engine) closedErr() error {
	if e.err != nil {
		return e.err
	}
	if err := e.parent.Err(); err != nil {
		return err
	}
	return ErrEngineCompleted
}

func (e *Engine) markConnected() {
	if int(e.connected.Add(1)) == e.opts.ConcurrentConnections {
		e.connectedOnce.Do(func() { close(e.allConnected) })
	}
}

// finished reports whether a worker with nothing to do may exit.
func (e *Engine) finished(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.state.Load() >= stateCompleting && e.pending.Load() <= 0
}

// invokeCallback hands a finished request to the user callback. Callbacks
// never run concurrently.
func (e *Engine) invokeCallback(ctx context.Context, req *Request, interesting bool) error {
	if e.opts.Callback == nil {
		return nil
	}
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	return e.opts.Callback(ctx, req, interesting)
}
