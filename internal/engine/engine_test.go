package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/racegate/internal/wire"
)

// collector records every callback invocation.
type collector struct {
	mu          sync.Mutex
	requests    []*Request
	interesting map[int64]bool
}

func newCollector() *collector {
	return &collector{interesting: make(map[int64]bool)}
}

func (c *collector) callback(_ context.Context, req *Request, interesting bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	c.interesting[req.ID] = interesting
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func testOptions(endpoint string, conns int, cb Callback) Options {
	opts := DefaultOptions()
	opts.Endpoint = endpoint
	opts.ConcurrentConnections = conns
	opts.Timeout = 2 * time.Second
	opts.Callback = cb
	return opts
}

func mustTemplate(t *testing.T, raw string) *wire.Template {
	t.Helper()
	tpl, err := wire.ParseTemplate(raw)
	require.NoError(t, err)
	return tpl
}

func TestEngine_GateWithholdsFinalByte(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "redeemed")
	}))
	defer srv.Close()

	ctx := context.Background()
	col := newCollector()
	e, err := New(ctx, testOptions(srv.URL, 5, col.callback))
	require.NoError(t, err)

	tpl := mustTemplate(t, "GET /redeem HTTP/1.1\r\nHost: shop.local\r\n\r\n")
	for i := 0; i < 5; i++ {
		_, err := e.Queue(ctx, tpl, nil, WithGate("race1"))
		require.NoError(t, err)
	}

	require.NoError(t, e.Start(2*time.Second))
	require.Eventually(t, func() bool {
		g := e.Gates()
		return len(g) == 1 && g[0].Arrived == 5
	}, 2*time.Second, 10*time.Millisecond)

	// Every request is parked one byte short of complete.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), hits.Load())

	require.NoError(t, e.OpenGate("race1"))
	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, int64(5), summary.Successful)
	assert.Equal(t, int64(0), summary.Failed)
	require.Equal(t, 5, col.len())
	for _, req := range col.requests {
		assert.Equal(t, 200, req.Status)
		assert.Contains(t, string(req.Response), "redeemed")
		assert.Equal(t, "race1", req.Gate)
		assert.False(t, req.SentAt.IsZero())
	}
}

func TestEngine_PayloadsFillTemplate(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Query().Get("code")] = true
		mu.Unlock()
	}))
	defer srv.Close()

	ctx := context.Background()
	e, err := New(ctx, testOptions(srv.URL, 2, nil))
	require.NoError(t, err)

	tpl := mustTemplate(t, "GET /apply?code=%s HTTP/1.1\r\nHost: shop.local\r\n\r\n")
	for _, code := range []string{"A", "B", "C"} {
		req, err := e.Queue(ctx, tpl, []string{code})
		require.NoError(t, err)
		assert.Equal(t, code, req.Word())
	}

	require.NoError(t, e.Start(time.Second))
	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Successful)
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true}, seen)
}

func TestEngine_RetriesDroppedConnection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		fmt.Fprint(w, "second time lucky")
	}))
	defer srv.Close()

	ctx := context.Background()
	col := newCollector()
	e, err := New(ctx, testOptions(srv.URL, 1, col.callback))
	require.NoError(t, err)

	_, err = e.Queue(ctx, mustTemplate(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(time.Second))
	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)

	require.Equal(t, 1, col.len())
	req := col.requests[0]
	assert.Equal(t, 1, req.Retries)
	assert.Equal(t, 200, req.Status)
	assert.NoError(t, req.Err)
	assert.GreaterOrEqual(t, summary.Retries, int64(1))
	assert.GreaterOrEqual(t, summary.Connections, int64(2))
}

func TestEngine_ExhaustedRetriesReportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	col := newCollector()
	opts := testOptions(srv.URL, 1, col.callback)
	opts.MaxRetriesPerRequest = 1
	e, err := New(ctx, opts)
	require.NoError(t, err)

	req, err := e.Queue(ctx, mustTemplate(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(time.Second))
	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)

	require.Equal(t, 1, col.len())
	assert.Error(t, req.Err)
	assert.True(t, col.interesting[req.ID])
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(0), summary.Successful)
}

func TestEngine_LearnedResponsesAreBoring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/odd" {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, "coupon already used by another session\nplease retry later")
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	ctx := context.Background()
	col := newCollector()
	e, err := New(ctx, testOptions(srv.URL, 1, col.callback))
	require.NoError(t, err)

	normal := mustTemplate(t, "GET /normal HTTP/1.1\r\nHost: a\r\n\r\n")
	odd := mustTemplate(t, "GET /odd HTTP/1.1\r\nHost: a\r\n\r\n")

	learn, err := e.Queue(ctx, normal, nil, WithLearn(1))
	require.NoError(t, err)
	boring, err := e.Queue(ctx, normal, nil)
	require.NoError(t, err)
	interesting, err := e.Queue(ctx, odd, nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(time.Second))
	_, err = e.Complete(5 * time.Second)
	require.NoError(t, err)

	assert.False(t, col.interesting[learn.ID])
	assert.False(t, col.interesting[boring.ID])
	assert.True(t, col.interesting[interesting.ID])
	assert.Equal(t, learn.Fingerprint(), boring.Fingerprint())
	assert.NotEqual(t, learn.Fingerprint(), interesting.Fingerprint())
}

func TestEngine_PipelinedGateOnOneConnection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx := context.Background()
	opts := testOptions(srv.URL, 1, nil)
	opts.Pipeline = true
	opts.ReadFreq = 10
	e, err := New(ctx, opts)
	require.NoError(t, err)

	tpl := mustTemplate(t, "GET /vote HTTP/1.1\r\nHost: a\r\n\r\n")
	for i := 0; i < 10; i++ {
		_, err := e.Queue(ctx, tpl, nil, WithGate("burst"))
		require.NoError(t, err)
	}
	require.NoError(t, e.Start(time.Second))
	require.NoError(t, e.OpenGate("burst"))

	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.Successful)
	assert.Equal(t, int32(10), hits.Load())
	assert.Equal(t, int64(1), summary.Connections)
}

func TestEngine_CallbackStopsAttack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx := context.Background()
	var calls atomic.Int32
	stop := func(context.Context, *Request, bool) error {
		calls.Add(1)
		return ErrStopAttack
	}
	e, err := New(ctx, testOptions(srv.URL, 1, stop))
	require.NoError(t, err)

	tpl := mustTemplate(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	for i := 0; i < 20; i++ {
		_, err := e.Queue(ctx, tpl, nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.Start(time.Second))
	_, err = e.Complete(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_CompleteTimeoutCancels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	e, err := New(ctx, testOptions(srv.URL, 1, nil))
	require.NoError(t, err)

	_, err = e.Queue(ctx, mustTemplate(t, "GET /slow HTTP/1.1\r\nHost: a\r\n\r\n"), nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(time.Second))

	start := time.Now()
	summary, err := e.Complete(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(0), summary.Successful)

	_, err = e.Queue(ctx, mustTemplate(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil)
	require.ErrorIs(t, err, ErrEngineCompleted)
}

func TestEngine_TLSTarget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "secure")
	}))
	defer srv.Close()

	ctx := context.Background()
	col := newCollector()
	e, err := New(ctx, testOptions(srv.URL, 2, col.callback))
	require.NoError(t, err)

	tpl := mustTemplate(t, "GET /redeem HTTP/1.1\r\nHost: shop.local\r\n\r\n")
	for i := 0; i < 3; i++ {
		_, err := e.Queue(ctx, tpl, nil)
		require.NoError(t, err)
	}

	require.NoError(t, e.Start(2*time.Second))
	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.Successful)
	assert.Equal(t, int32(3), hits.Load())
	assert.True(t, e.reuseTLS.Load())
	for _, req := range col.requests {
		assert.Contains(t, string(req.Response), "secure")
	}
}

func TestEngine_FailedHandshakeDisablesSessionReuse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	endpoint := strings.Replace(srv.URL, "http://", "https://", 1)
	e, err := New(context.Background(), testOptions(endpoint, 1, nil))
	require.NoError(t, err)
	defer func() {
		e.Cancel()
		<-e.Done()
	}()

	require.Eventually(t, func() bool {
		return !e.reuseTLS.Load()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.Stats().Retries > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_BoundedQueueStartsEarly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	const n = 6
	opts := testOptions(srv.URL, n, nil)
	opts.MaxQueueSize = 1
	e, err := New(context.Background(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tpl := mustTemplate(t, "GET /redeem HTTP/1.1\r\nHost: shop.local\r\n\r\n")
	for i := 0; i < n; i++ {
		_, err := e.Queue(ctx, tpl, nil, WithGate("race1"))
		require.NoError(t, err)
	}

	require.NoError(t, e.Start(2*time.Second))
	require.NoError(t, e.OpenGate("race1"))

	gates := e.Gates()
	require.Len(t, gates, 1)
	assert.Equal(t, n, gates[0].Expected)
	assert.Equal(t, n, gates[0].Arrived)

	summary, err := e.Complete(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(n), summary.Successful)
	assert.Equal(t, int32(n), hits.Load())
}

func TestEngine_StartReportsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e, err := New(ctx, testOptions(endpoint, 1, nil))
	require.NoError(t, err)
	cancel()

	err = e.Start(5 * time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrEngineCompleted)
}

func TestEngine_OpenUnknownGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e, err := New(context.Background(), testOptions(srv.URL, 1, nil))
	require.NoError(t, err)
	defer e.Cancel()

	require.Error(t, e.OpenGate("race1"))
}

func TestNew_InvalidOptions(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{name: "no connections", mutate: func(o *Options) { o.ConcurrentConnections = 0 }, want: "concurrent connections"},
		{name: "no requests", mutate: func(o *Options) { o.RequestsPerConnection = 0 }, want: "requests per connection"},
		{name: "bad scheme", mutate: func(o *Options) { o.Endpoint = "ftp://files.local" }, want: "http or https"},
		{name: "no host", mutate: func(o *Options) { o.Endpoint = "https://" }, want: "no host"},
		{name: "no timeout", mutate: func(o *Options) { o.Timeout = 0 }, want: "timeout"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Endpoint = "https://shop.local"
			tc.mutate(&opts)
			_, err := New(context.Background(), opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseEndpoint_DefaultPorts(t *testing.T) {
	tgt, err := parseEndpoint("https://shop.local")
	require.NoError(t, err)
	assert.True(t, tgt.tls)
	assert.Equal(t, "shop.local:443", tgt.addr)

	tgt, err = parseEndpoint("http://shop.local:8080")
	require.NoError(t, err)
	assert.False(t, tgt.tls)
	assert.Equal(t, "shop.local:8080", tgt.addr)
}

func TestOptions_BatchSize(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 1, opts.batchSize())

	opts.Pipeline = true
	assert.Equal(t, opts.RequestsPerConnection, opts.batchSize())

	opts.ReadFreq = 4
	assert.Equal(t, 4, opts.batchSize())
}
