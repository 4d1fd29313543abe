package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/engine"
	"github.com/vk/racegate/internal/fsutil"
	"github.com/vk/racegate/internal/wire"
	"github.com/zclconf/go-cty/cty"
)

const (
	defaultStartTimeout    = 5 * time.Second
	defaultCompleteTimeout = 60 * time.Second
)

// Script is a fully decoded and validated attack script.
type Script struct {
	// Files are the HCL files the script was merged from.
	Files []string

	Target   Target
	Template *wire.Template
	// Engine carries every engine option except the callback.
	Engine engine.Options
	Queues []Queue

	StartTimeout    time.Duration
	OpenGates       []string
	CompleteTimeout time.Duration

	Output Output
}

// Target is the attacked origin and the raw request sent to it.
type Target struct {
	Endpoint  string
	Request   string
	BaseInput string
}

// Queue is one queue block: Count copies of the request rendered with
// Payloads, optionally held behind Gate. With a Wordlist, Count copies are
// queued for every word instead, each word filling the single placeholder.
type Queue struct {
	Label    string
	Count    int
	Payloads []string
	Wordlist []string
	Gate     string
	Learn    int
}

// Requests lists the payloads of every request the queue block produces.
func (q Queue) Requests() [][]string {
	var out [][]string
	if len(q.Wordlist) > 0 {
		for _, w := range q.Wordlist {
			for i := 0; i < q.Count; i++ {
				out = append(out, []string{w})
			}
		}
		return out
	}
	for i := 0; i < q.Count; i++ {
		out = append(out, q.Payloads)
	}
	return out
}

// Output controls what is recorded and how it is shown.
type Output struct {
	InterestingOnly bool
	Extract         []string
}

// Load finds the .hcl files at path, merges them and decodes the result into
// a Script. Relative paths given to file() resolve against the script
// directory.
func Load(ctx context.Context, path string) (*Script, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading attack script.", "path", path)

	files, err := fsutil.ResolvePath(path, ".hcl")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve script path '%s': %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", path)
	}
	logger.Debug("Resolved script files.", "count", len(files))

	parser := hclparse.NewParser()
	parsed := make([]*hcl.File, 0, len(files))
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		parsed = append(parsed, f)
	}
	body := hcl.MergeFiles(parsed)

	baseDir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		baseDir = filepath.Dir(path)
	}
	functions := Functions(baseDir)

	var tr targetRoot
	if diags := gohcl.DecodeBody(body, &hcl.EvalContext{Functions: functions}, &tr); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode target: %w", diags)
	}
	if len(tr.Targets) != 1 {
		return nil, fmt.Errorf("script must contain exactly one target block, found %d", len(tr.Targets))
	}
	target := translateTarget(tr.Targets[0])

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"target": cty.ObjectVal(map[string]cty.Value{
				"endpoint":   cty.StringVal(target.Endpoint),
				"base_input": cty.StringVal(target.BaseInput),
			}),
		},
		Functions: functions,
	}
	var ar attackRoot
	if diags := gohcl.DecodeBody(tr.Remain, evalCtx, &ar); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode script: %w", diags)
	}

	s, err := translate(target, &ar)
	if err != nil {
		return nil, err
	}
	s.Files = files
	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Attack script loaded.", "queues", len(s.Queues), "gates", s.OpenGates, "connections", s.Engine.ConcurrentConnections)
	return s, nil
}

func translateTarget(b *targetBlock) Target {
	t := Target{Endpoint: b.Endpoint, Request: b.Request}
	if b.BaseInput != nil {
		t.BaseInput = *b.BaseInput
	}
	return t
}

// translate applies defaults and converts the decoded blocks.
func translate(target Target, ar *attackRoot) (*Script, error) {
	s := &Script{
		Target:          target,
		Engine:          engine.DefaultOptions(),
		StartTimeout:    defaultStartTimeout,
		CompleteTimeout: defaultCompleteTimeout,
		OpenGates:       ar.OpenGate,
	}
	s.Engine.Endpoint = target.Endpoint

	tpl, err := wire.ParseTemplate(target.Request)
	if err != nil {
		return nil, fmt.Errorf("invalid target request: %w", err)
	}
	s.Template = tpl

	if b := ar.Engine; b != nil {
		setInt(&s.Engine.ConcurrentConnections, b.ConcurrentConnections)
		setInt(&s.Engine.RequestsPerConnection, b.RequestsPerConnection)
		setInt(&s.Engine.ReadFreq, b.ReadFrequency)
		setInt(&s.Engine.MaxRetriesPerRequest, b.MaxRetriesPerRequest)
		setInt(&s.Engine.MaxQueueSize, b.MaxQueueSize)
		if b.Pipeline != nil {
			s.Engine.Pipeline = *b.Pipeline
		}
		if err := setDuration(&s.Engine.Timeout, b.Timeout, "engine.timeout"); err != nil {
			return nil, err
		}
	}
	if ar.Start != nil {
		if err := setDuration(&s.StartTimeout, ar.Start.Timeout, "start.timeout"); err != nil {
			return nil, err
		}
	}
	if ar.Complete != nil {
		if err := setDuration(&s.CompleteTimeout, ar.Complete.Timeout, "complete.timeout"); err != nil {
			return nil, err
		}
	}
	if ar.Output != nil {
		if ar.Output.InterestingOnly != nil {
			s.Output.InterestingOnly = *ar.Output.InterestingOnly
		}
		s.Output.Extract = ar.Output.Extract
	}

	for _, qb := range ar.Queues {
		q := Queue{Label: qb.Label, Count: 1, Payloads: qb.Payloads, Wordlist: qb.Wordlist}
		setInt(&q.Count, qb.Count)
		setInt(&q.Learn, qb.Learn)
		if qb.Gate != nil {
			q.Gate = *qb.Gate
		}
		if q.Payloads == nil && len(q.Wordlist) == 0 {
			q.Payloads = []string{target.BaseInput}
		}
		s.Queues = append(s.Queues, q)
	}
	return s, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, field string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, *v, err)
	}
	*dst = d
	return nil
}
