package engine

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vk/racegate/internal/wire"
)

// volatileHeaders change between otherwise identical responses and are left
// out of fingerprints.
var volatileHeaders = map[string]bool{
	"date":           true,
	"expires":        true,
	"age":            true,
	"etag":           true,
	"last-modified":  true,
	"set-cookie":     true,
	"content-length": true,
	"x-request-id":   true,
}

// fingerprint summarises a response: status code, the set of stable header
// names, a coarse word count and the line count of the body.
func fingerprint(resp *wire.Response) uint64 {
	d := xxhash.New()
	d.WriteString(strconv.Itoa(resp.StatusCode))

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		lower := strings.ToLower(name)
		if !volatileHeaders[lower] {
			names = append(names, lower)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		d.WriteString("|")
		d.WriteString(n)
	}

	words := len(bytes.Fields(resp.Body))
	lines := bytes.Count(resp.Body, []byte("\n"))
	d.WriteString("|w" + strconv.Itoa(words/5))
	d.WriteString("|l" + strconv.Itoa(lines))
	return d.Sum64()
}

// classifier remembers boring fingerprints learned from training requests.
type classifier struct {
	mu     sync.RWMutex
	boring map[uint64]int
}

func newClassifier() *classifier {
	return &classifier{boring: make(map[uint64]int)}
}

// classify fingerprints resp for req and reports whether it is interesting.
// Training requests teach their fingerprint and are never interesting.
func (c *classifier) classify(req *Request, resp *wire.Response) bool {
	fp := fingerprint(resp)
	req.fingerprint = fp

	if req.Learn > 0 {
		c.mu.Lock()
		c.boring[fp] = req.Learn
		c.mu.Unlock()
		return false
	}

	c.mu.RLock()
	_, boring := c.boring[fp]
	c.mu.RUnlock()
	return !boring
}
