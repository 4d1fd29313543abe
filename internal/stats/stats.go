// Package stats tracks the progress of an attack: connection and retry
// counters updated by engine workers, plus response latencies for
// percentile reporting.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds runtime statistics for an attack. Counters are safe for
// concurrent use.
type Stats struct {
	Connections atomic.Int64
	Retries     atomic.Int64
	Successful  atomic.Int64
	Failed      atomic.Int64
	Queued      atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	started   time.Time
}

// New creates a new Stats instance.
func New() *Stats {
	return &Stats{durations: make([]time.Duration, 0, 128)}
}

// MarkStarted records the moment the attack began sending.
func (s *Stats) MarkStarted(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = t
}

// AddDuration records the time between sending a request's final byte and
// receiving its complete response.
func (s *Stats) AddDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
}

// Percentile calculates the percentile value (p should be between 0 and 100)
// by linear interpolation between the two nearest samples.
func (s *Stats) Percentile(p float64) time.Duration {
	s.mu.Lock()
	sorted := make([]time.Duration, len(s.durations))
	copy(sorted, s.durations)
	s.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	weight := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}

// Summary is a point-in-time copy of Stats.
type Summary struct {
	Connections int64         `json:"connections" yaml:"connections"`
	Retries     int64         `json:"retries" yaml:"retries"`
	Successful  int64         `json:"successful" yaml:"successful"`
	Failed      int64         `json:"failed" yaml:"failed"`
	Queued      int64         `json:"queued" yaml:"queued"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
	RPS         float64       `json:"rps" yaml:"rps"`
	P50         time.Duration `json:"p50" yaml:"p50"`
	P95         time.Duration `json:"p95" yaml:"p95"`
	P99         time.Duration `json:"p99" yaml:"p99"`
	// Spread is the gap between the fastest and slowest response, the
	// figure that shows how tightly a gate packed its requests together.
	Spread time.Duration `json:"spread" yaml:"spread"`
}

// Snapshot summarises the current statistics.
func (s *Stats) Snapshot() Summary {
	sum := Summary{
		Connections: s.Connections.Load(),
		Retries:     s.Retries.Load(),
		Successful:  s.Successful.Load(),
		Failed:      s.Failed.Load(),
		Queued:      s.Queued.Load(),
		P50:         s.Percentile(50),
		P95:         s.Percentile(95),
		P99:         s.Percentile(99),
		Spread:      s.Percentile(100) - s.Percentile(0),
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started.IsZero() {
		sum.Elapsed = time.Since(started)
		if secs := sum.Elapsed.Seconds(); secs > 0 {
			sum.RPS = float64(sum.Successful) / secs
		}
	}
	return sum
}
