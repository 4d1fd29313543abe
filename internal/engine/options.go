package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrInvalidOptions is returned by New for unusable options.
	ErrInvalidOptions = errors.New("invalid engine options")
	// ErrEngineCompleted is returned when queueing after Complete or Cancel.
	ErrEngineCompleted = errors.New("engine no longer accepts requests")
	// ErrStopAttack may be returned by a Callback to end the attack early.
	ErrStopAttack = errors.New("attack stopped by callback")
)

// Callback receives every finished request. interesting reports whether the
// response differs from the learned boring responses; failed requests are
// always interesting. Callbacks are invoked one at a time.
type Callback func(ctx context.Context, req *Request, interesting bool) error

// Options configures an Engine.
type Options struct {
	// Endpoint is the target origin, e.g. "https://shop.example:443".
	Endpoint string
	// ConcurrentConnections is the number of connection workers.
	ConcurrentConnections int
	// RequestsPerConnection is how many requests a connection carries
	// before it is recycled.
	RequestsPerConnection int
	// Pipeline sends ReadFreq requests back-to-back before reading.
	Pipeline bool
	// ReadFreq is the pipelining batch size. Ignored unless Pipeline is set;
	// zero means RequestsPerConnection.
	ReadFreq int
	// MaxRetriesPerRequest bounds how often a request is re-sent after a
	// connection failure.
	MaxRetriesPerRequest int
	// MaxQueueSize bounds the request queue; Queue blocks while it is full.
	// Zero means unbounded.
	MaxQueueSize int
	// Timeout is the socket dial/read/write timeout, and the longest
	// OpenGate waits for requests to reach a gate.
	Timeout time.Duration
	// Callback handles finished requests. May be nil.
	Callback Callback
}

// DefaultOptions mirrors the classic race-condition setup: thirty
// connections, a hundred requests each, no pipelining.
func DefaultOptions() Options {
	return Options{
		ConcurrentConnections: 30,
		RequestsPerConnection: 100,
		MaxRetriesPerRequest:  3,
		Timeout:               10 * time.Second,
	}
}

// batchSize is the number of requests written before reading responses.
func (o Options) batchSize() int {
	if !o.Pipeline {
		return 1
	}
	if o.ReadFreq <= 0 || o.ReadFreq > o.RequestsPerConnection {
		return o.RequestsPerConnection
	}
	return o.ReadFreq
}

func (o Options) validate() error {
	var problems []string
	if o.ConcurrentConnections <= 0 {
		problems = append(problems, "concurrent connections must be greater than 0")
	}
	if o.RequestsPerConnection <= 0 {
		problems = append(problems, "requests per connection must be greater than 0")
	}
	if o.MaxRetriesPerRequest < 0 {
		problems = append(problems, "max retries per request cannot be negative")
	}
	if o.MaxQueueSize < 0 {
		problems = append(problems, "max queue size cannot be negative")
	}
	if o.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
	}
	return nil
}

// target is a resolved endpoint.
type target struct {
	tls  bool
	host string
	addr string
}

func parseEndpoint(endpoint string) (*target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidOptions, endpoint, err)
	}

	t := &target{host: u.Hostname()}
	port := u.Port()
	switch strings.ToLower(u.Scheme) {
	case "https":
		t.tls = true
		if port == "" {
			port = "443"
		}
	case "http":
		if port == "" {
			port = "80"
		}
	default:
		return nil, fmt.Errorf("%w: endpoint %q must use http or https", ErrInvalidOptions, endpoint)
	}
	if t.host == "" {
		return nil, fmt.Errorf("%w: endpoint %q has no host", ErrInvalidOptions, endpoint)
	}
	t.addr = net.JoinHostPort(t.host, port)
	return t, nil
}
