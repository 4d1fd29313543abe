package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/wire"
)

const maxBackoff = 10 * time.Second

// connectBackoff is the wait after the given number of consecutive failed
// dials: 200ms doubled per failure, capped at maxBackoff.
func connectBackoff(failures int) time.Duration {
	exp := min(max(failures, 0), 6)
	return min(time.Duration(math.Pow(2, float64(exp)))*200*time.Millisecond, maxBackoff)
}

// worker owns one connection slot. It reconnects whenever a connection is
// exhausted or fails, until the attack finishes.
func (e *Engine) worker(ctx context.Context, id int) error {
	logger := ctxlog.FromContext(ctx).With("conn", id)
	logger.Debug("Worker started.")
	defer logger.Debug("Worker finished.")

	connected := false
	failures := 0
	for {
		if e.finished(ctx) {
			return nil
		}

		conn, err := e.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			e.stats.Retries.Add(1)
			backoff := connectBackoff(failures)
			logger.Warn("Failed to connect.", "error", err, "attempt", failures, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		e.stats.Connections.Add(1)
		failures = 0

		if !connected {
			connected = true
			e.markConnected()
			select {
			case <-e.started:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}

		err = e.serve(ctx, conn, id, logger)
		conn.Close()
		if err != nil {
			return err
		}
	}
}

// dial opens a connection to the target. For https the certificate is not
// verified. A failed handshake turns off session resumption for later dials.
func (e *Engine) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: e.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", e.target.addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if !e.target.tls {
		return conn, nil
	}

	cfg := &tls.Config{
		ServerName:         e.target.host,
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	}
	if e.reuseTLS.Load() {
		cfg.ClientSessionCache = e.tlsSessions
	}

	hsCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		if e.reuseTLS.CompareAndSwap(true, false) {
			e.logger.Warn("TLS handshake failed, disabling session reuse.", "error", err)
		}
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// serve carries up to RequestsPerConnection requests over conn. It returns a
// non-nil error only when the attack must stop.
func (e *Engine) serve(ctx context.Context, conn net.Conn, id int, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	sent := 0
	answered := 0
	for sent < e.opts.RequestsPerConnection {
		limit := e.opts.batchSize()
		if remaining := e.opts.RequestsPerConnection - sent; remaining < limit {
			limit = remaining
		}

		batch := e.nextBatch(ctx, limit)
		if len(batch) == 0 {
			return nil
		}
		for _, req := range batch {
			req.ConnID = id
		}

		if err := e.send(ctx, conn, batch); err != nil {
			return e.recoverInflight(ctx, batch, err, answered, logger)
		}
		sent += len(batch)

		for i, req := range batch {
			conn.SetReadDeadline(time.Now().Add(e.opts.Timeout))
			resp, err := wire.ReadResponse(br, req.Method)
			if err != nil {
				return e.recoverInflight(ctx, batch[i:], err, answered, logger)
			}
			answered++
			if err := e.deliver(ctx, req, resp); err != nil {
				e.requeue(batch[i+1:])
				return err
			}
			if resp.Close {
				logger.Debug("Server closed connection.", "answered", answered)
				e.requeue(batch[i+1:])
				return nil
			}
		}
	}
	return nil
}

// nextBatch waits for the first request and then gathers up to limit more
// without blocking for long. A pipelined batch only mixes requests bound to
// the same gate.
func (e *Engine) nextBatch(ctx context.Context, limit int) []*Request {
	var batch []*Request
	for len(batch) == 0 {
		if e.finished(ctx) {
			return nil
		}
		if req := e.take(ctx); req != nil {
			batch = append(batch, req)
		}
	}

	for len(batch) < limit {
		req := e.take(ctx)
		if req == nil {
			break
		}
		if req.Gate != batch[0].Gate {
			e.putBack(req)
			break
		}
		batch = append(batch, req)
	}
	return batch
}

// take prefers retried requests over fresh ones.
func (e *Engine) take(ctx context.Context) *Request {
	if req := e.retries.TryPop(); req != nil {
		return req
	}
	return e.queue.Pop(ctx, pollInterval)
}

func (e *Engine) putBack(req *Request) {
	if req.Retries > 0 {
		e.retries.PushFront(req)
		return
	}
	e.queue.PushFront(req)
}

// send writes a batch. For gated batches every byte but the last is written,
// the batch arrives at its gate, and the final byte follows the release.
func (e *Engine) send(ctx context.Context, conn net.Conn, batch []*Request) error {
	size := 0
	for _, req := range batch {
		size += len(req.Raw)
	}
	buf := make([]byte, 0, size)
	for _, req := range batch {
		buf = append(buf, req.Raw...)
	}

	gateName := batch[0].Gate
	if gateName == "" {
		conn.SetWriteDeadline(time.Now().Add(e.opts.Timeout))
		if _, err := conn.Write(buf); err != nil {
			return err
		}
		markSent(batch)
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(e.opts.Timeout))
	if _, err := conn.Write(buf[:len(buf)-1]); err != nil {
		return err
	}

	fresh := 0
	for _, req := range batch {
		if !req.arrived {
			req.arrived = true
			fresh++
		}
	}
	select {
	case <-e.gates.Arrive(gateName, fresh):
	case <-ctx.Done():
		return ctx.Err()
	}

	conn.SetWriteDeadline(time.Now().Add(e.opts.Timeout))
	if _, err := conn.Write(buf[len(buf)-1:]); err != nil {
		return err
	}
	markSent(batch)
	return nil
}

func markSent(batch []*Request) {
	now := time.Now()
	for _, req := range batch {
		req.SentAt = now
	}
}

func (e *Engine) deliver(ctx context.Context, req *Request, resp *wire.Response) error {
	req.ReceivedAt = time.Now()
	req.Response = resp.Raw
	req.Status = resp.StatusCode
	req.Err = nil

	e.stats.Successful.Add(1)
	e.stats.AddDuration(req.Duration())

	interesting := e.classifier.classify(req, resp)
	err := e.invokeCallback(ctx, req, interesting)
	e.pending.Add(-1)
	return err
}

// recoverInflight handles a failed connection. Requests with retries left go back on
// the retry queue; the rest are reported to the callback as failures.
func (e *Engine) recoverInflight(ctx context.Context, inflight []*Request, cause error, answered int, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(cause, net.ErrClosed) {
		cause = fmt.Errorf("connection closed: %w", cause)
	}

	var retry []*Request
	defer func() {
		for i := len(retry) - 1; i >= 0; i-- {
			e.retries.PushFront(retry[i])
		}
	}()

	for _, req := range inflight {
		if req.Retries < e.opts.MaxRetriesPerRequest {
			req.Retries++
			e.stats.Retries.Add(1)
			logger.Info("Autorecovering error.", "answered", answered, "request", req.ID, "word", req.Word(), "retry", req.Retries, "error", cause)
			retry = append(retry, req)
			continue
		}

		logger.Error("Request failed, retries exhausted.", "request", req.ID, "word", req.Word(), "error", cause)
		req.Err = cause
		req.ReceivedAt = time.Now()
		e.stats.Failed.Add(1)
		err := e.invokeCallback(ctx, req, true)
		e.pending.Add(-1)
		if err != nil {
			return err
		}
	}
	return nil
}

// requeue puts unanswered requests of a recycled connection back without
// counting a retry.
func (e *Engine) requeue(reqs []*Request) {
	for i := len(reqs) - 1; i >= 0; i-- {
		e.putBack(reqs[i])
	}
}
