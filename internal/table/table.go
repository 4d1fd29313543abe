package table

import (
	"bytes"
	"context"
	"time"

	"github.com/vk/racegate/internal/engine"
)

// Table receives finished requests.
type Table interface {
	// Add records a finished request.
	Add(ctx context.Context, req *engine.Request, interesting bool) error
	// Records returns everything added during this run, in order.
	Records(ctx context.Context) ([]Record, error)
	Close() error
}

// Record is the flattened form of a finished request.
type Record struct {
	ID          int64             `json:"id" yaml:"id"`
	Label       string            `json:"label,omitempty" yaml:"label,omitempty"`
	Gate        string            `json:"gate,omitempty" yaml:"gate,omitempty"`
	Payload     string            `json:"payload" yaml:"payload"`
	Status      int               `json:"status" yaml:"status"`
	Length      int               `json:"length" yaml:"length"`
	Words       int               `json:"words" yaml:"words"`
	DurationMS  float64           `json:"duration_ms" yaml:"duration_ms"`
	Interesting bool              `json:"interesting" yaml:"interesting"`
	ConnID      int               `json:"conn" yaml:"conn"`
	Retries     int               `json:"retries" yaml:"retries"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	Extracted   map[string]string `json:"extracted,omitempty" yaml:"extracted,omitempty"`
	Response    string            `json:"response,omitempty" yaml:"response,omitempty"`
	SentAt      time.Time         `json:"sent_at" yaml:"sent_at"`
}

// Option configures a table.
type Option func(*options)

type options struct {
	extract []string
}

// WithExtract pulls the given gjson paths out of JSON response bodies into
// Record.Extracted.
func WithExtract(paths ...string) Option {
	return func(o *options) { o.extract = append(o.extract, paths...) }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRecord flattens req.
func NewRecord(req *engine.Request, interesting bool, extract []string) Record {
	body := Body(req.Response)
	rec := Record{
		ID:          req.ID,
		Label:       req.Label,
		Gate:        req.Gate,
		Payload:     req.Word(),
		Status:      req.Status,
		Length:      len(req.Response),
		Words:       len(bytes.Fields(body)),
		DurationMS:  float64(req.Duration().Microseconds()) / 1000,
		Interesting: interesting,
		ConnID:      req.ConnID,
		Retries:     req.Retries,
		Extracted:   Extract(body, extract),
		Response:    string(req.Response),
		SentAt:      req.SentAt,
	}
	if req.Err != nil {
		rec.Error = req.Err.Error()
	}
	return rec
}

// Body returns the part of a raw response after the header block.
func Body(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	return nil
}
