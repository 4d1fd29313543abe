package script

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidScript wraps every validation failure.
var ErrInvalidScript = errors.New("invalid attack script")

// Validate checks the script for problems that would only surface once the
// attack is running. All problems are reported together.
func (s *Script) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Target.Endpoint == "" {
		add("target.endpoint is required")
	} else if u, err := url.Parse(s.Target.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("target.endpoint %q must be an http or https URL", s.Target.Endpoint)
	}

	if s.Engine.ConcurrentConnections <= 0 {
		add("engine.concurrent_connections must be greater than 0")
	}
	if s.Engine.RequestsPerConnection <= 0 {
		add("engine.requests_per_connection must be greater than 0")
	}
	if s.Engine.ReadFreq < 0 {
		add("engine.read_frequency cannot be negative")
	}
	if s.Engine.MaxRetriesPerRequest < 0 {
		add("engine.max_retries_per_request cannot be negative")
	}
	if s.Engine.MaxQueueSize < 0 {
		add("engine.max_queue_size cannot be negative")
	}
	if s.Engine.Timeout <= 0 {
		add("engine.timeout must be positive")
	}
	if s.StartTimeout <= 0 {
		add("start.timeout must be positive")
	}
	if s.CompleteTimeout <= 0 {
		add("complete.timeout must be positive")
	}

	if len(s.Queues) == 0 {
		add("at least one queue block is required")
	}
	gates := make(map[string]bool)
	labels := make(map[string]bool)
	for _, q := range s.Queues {
		if labels[q.Label] {
			add("duplicate queue %q", q.Label)
		}
		labels[q.Label] = true
		if q.Count <= 0 {
			add("queue %q: count must be greater than 0", q.Label)
		}
		if q.Learn < 0 {
			add("queue %q: learn cannot be negative", q.Label)
		}
		holes := s.Template.Placeholders()
		switch {
		case len(q.Wordlist) > 0 && len(q.Payloads) > 0:
			add("queue %q: payloads and wordlist are mutually exclusive", q.Label)
		case len(q.Wordlist) > 0 && holes > 1:
			add("queue %q: a wordlist fills one placeholder but the request has %d", q.Label, holes)
		case len(q.Wordlist) == 0 && holes > 0 && len(q.Payloads) != holes:
			add("queue %q: request has %d placeholders but %d payloads were given", q.Label, holes, len(q.Payloads))
		}
		if q.Gate != "" {
			gates[q.Gate] = true
		}
	}

	opened := make(map[string]bool)
	for _, name := range s.OpenGates {
		if !gates[name] {
			add("open_gate %q is not used by any queue block", name)
		}
		if opened[name] {
			add("open_gate %q is listed twice", name)
		}
		opened[name] = true
	}
	for name := range gates {
		if !opened[name] {
			add("gate %q is never opened", name)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidScript, strings.Join(problems, "; "))
	}
	return nil
}
