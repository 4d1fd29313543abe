package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is a single HTTP/1.1 response read off a connection.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	// Body is the decoded body.
	Body []byte
	// Raw is the status line and headers as received followed by Body.
	Raw []byte
	// Close reports that the server will not accept further requests on
	// this connection.
	Close bool
}

// ReadResponse reads one response for a request sent with method. Interim
// 1xx responses other than 101 are skipped. Framing follows net/http:
// Content-Length, chunked and close-delimited bodies are all supported.
func ReadResponse(br *bufio.Reader, method string) (*Response, error) {
	req := &http.Request{Method: method}

	var resp *http.Response
	for {
		var err error
		resp, err = http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	decoded, err := Decode(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}

	var raw bytes.Buffer
	fmt.Fprintf(&raw, "%s %s\r\n", resp.Proto, resp.Status)
	resp.Header.Write(&raw)
	raw.WriteString("\r\n")
	raw.Write(decoded)

	return &Response{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Body:       decoded,
		Raw:        raw.Bytes(),
		Close:      resp.Close,
	}, nil
}
