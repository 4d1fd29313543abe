package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Placeholder marks the positions in a template that payloads fill.
const Placeholder = "%s"

var (
	// ErrEmptyTemplate is returned when a template has no request line.
	ErrEmptyTemplate = errors.New("request template is empty")
	// ErrPayloadCount is returned when the payloads don't match the placeholders.
	ErrPayloadCount = errors.New("payload count does not match template placeholders")
)

// Template is a raw HTTP/1.1 request with %s placeholders.
type Template struct {
	raw    string
	method string
	holes  int
}

// ParseTemplate validates the request line of raw and counts its placeholders.
func ParseTemplate(raw string) (*Template, error) {
	trimmed := strings.TrimLeft(raw, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil, ErrEmptyTemplate
	}

	line := trimmed
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	return &Template{
		raw:    trimmed,
		method: parts[0],
		holes:  strings.Count(trimmed, Placeholder),
	}, nil
}

// Method returns the request method of the template.
func (t *Template) Method() string {
	return t.method
}

// Placeholders returns the number of %s positions in the template.
func (t *Template) Placeholders() int {
	return t.holes
}

// Render fills the placeholders with payloads, in order, and normalises the
// result into bytes ready for the wire: CRLF line endings in the head,
// keep-alive connections, and a Content-Length matching the body.
func (t *Template) Render(payloads ...string) ([]byte, error) {
	if len(payloads) != t.holes {
		return nil, fmt.Errorf("%w: template has %d, got %d", ErrPayloadCount, t.holes, len(payloads))
	}

	var filled strings.Builder
	rest := t.raw
	for _, p := range payloads {
		i := strings.Index(rest, Placeholder)
		filled.WriteString(rest[:i])
		filled.WriteString(p)
		rest = rest[i+len(Placeholder):]
	}
	filled.WriteString(rest)

	head, body := splitHead(filled.String())
	lines := normaliseHeaders(strings.Split(head, "\n"), body)

	var out bytes.Buffer
	out.Grow(len(head) + len(body) + 64)
	for _, l := range lines {
		out.WriteString(l)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	out.WriteString(body)
	return out.Bytes(), nil
}

// splitHead separates the header block from the body, accepting either CRLF
// or bare LF line endings. The returned head uses LF only.
func splitHead(s string) (string, string) {
	crlf := strings.Index(s, "\r\n\r\n")
	lf := strings.Index(s, "\n\n")

	var head, body string
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		head, body = s[:crlf], s[crlf+4:]
	case lf >= 0:
		head, body = s[:lf], s[lf+2:]
	default:
		head = strings.TrimRight(s, "\r\n")
	}
	return strings.ReplaceAll(head, "\r\n", "\n"), body
}

func normaliseHeaders(lines []string, body string) []string {
	out := make([]string, 0, len(lines)+1)
	hasLength, chunked := false, false

	for i, l := range lines {
		l = strings.TrimRight(l, "\r")
		if i == 0 {
			out = append(out, l)
			continue
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			out = append(out, l)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "connection":
			if strings.EqualFold(strings.TrimSpace(value), "close") {
				l = name + ": keep-alive"
			}
		case "content-length":
			hasLength = true
			l = name + ": " + strconv.Itoa(len(body))
		case "transfer-encoding":
			chunked = strings.Contains(strings.ToLower(value), "chunked")
		}
		out = append(out, l)
	}

	if !hasLength && !chunked && body != "" {
		out = append(out, "Content-Length: "+strconv.Itoa(len(body)))
	}
	return out
}

// Method extracts the request method from raw request bytes.
func Method(raw []byte) string {
	if i := bytes.IndexByte(raw, ' '); i > 0 {
		return string(raw[:i])
	}
	return ""
}
