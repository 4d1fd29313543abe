package engine

import (
	"strings"
	"time"
)

// Request is a single queued request and, once finished, its response.
type Request struct {
	ID int64
	// Label names the queue block the request came from.
	Label string
	// Words are the payloads substituted into the template.
	Words []string
	Gate  string
	// Learn marks a request whose response defines a boring fingerprint.
	Learn int

	Raw    []byte
	Method string

	Retries int
	ConnID  int

	Response []byte
	Status   int
	Err      error

	QueuedAt   time.Time
	SentAt     time.Time
	ReceivedAt time.Time

	fingerprint uint64
	arrived     bool
}

// Word returns the payloads joined with commas.
func (r *Request) Word() string {
	return strings.Join(r.Words, ",")
}

// Duration is the time between the final byte leaving and the response
// being fully read.
func (r *Request) Duration() time.Duration {
	if r.SentAt.IsZero() || r.ReceivedAt.IsZero() {
		return 0
	}
	return r.ReceivedAt.Sub(r.SentAt)
}

// Fingerprint is the response fingerprint used for interesting detection.
func (r *Request) Fingerprint() uint64 {
	return r.fingerprint
}

// QueueOption customises a queued request.
type QueueOption func(*Request)

// WithGate withholds the final byte of the request until the named gate opens.
func WithGate(name string) QueueOption {
	return func(r *Request) { r.Gate = name }
}

// WithLabel tags the request with the name of its queue block.
func WithLabel(label string) QueueOption {
	return func(r *Request) { r.Label = label }
}

// WithLearn marks the request's response as boring for the given group.
func WithLearn(group int) QueueOption {
	return func(r *Request) { r.Learn = group }
}
