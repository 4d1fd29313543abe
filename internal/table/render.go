package table

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/vk/racegate/internal/stats"
	"gopkg.in/yaml.v3"
)

// Format selects how a Report is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q, expected text, json or yaml", s)
	}
}

// Report is the outcome of one attack.
type Report struct {
	Summary stats.Summary `json:"summary" yaml:"summary"`
	Records []Record      `json:"records" yaml:"records"`
}

var (
	headerStyle      = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle        = lipgloss.NewStyle().Padding(0, 1)
	interestingStyle = cellStyle.Foreground(lipgloss.Color("205"))
	failedStyle      = cellStyle.Foreground(lipgloss.Color("9"))
	borderStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	summaryStyle     = lipgloss.NewStyle().Bold(true)
)

// Render writes rep to w in the given format.
func Render(w io.Writer, rep Report, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("failed to encode report as json: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("failed to encode report as yaml: %w", err)
		}
		return enc.Close()
	case FormatText, "":
		return renderText(w, rep)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderText(w io.Writer, rep Report) error {
	fields := extractedFields(rep.Records)
	headers := append([]string{"#", "Queue", "Gate", "Payload", "Status", "Length", "Words", "Time (ms)", "Interesting", "Conn", "Retries", "Error"}, fields...)

	rows := make([][]string, 0, len(rep.Records))
	for _, r := range rep.Records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Label,
			r.Gate,
			r.Payload,
			strconv.Itoa(r.Status),
			strconv.Itoa(r.Length),
			strconv.Itoa(r.Words),
			strconv.FormatFloat(r.DurationMS, 'f', 2, 64),
			strconv.FormatBool(r.Interesting),
			strconv.Itoa(r.ConnID),
			strconv.Itoa(r.Retries),
			r.Error,
		}
		for _, f := range fields {
			row = append(row, r.Extracted[f])
		}
		rows = append(rows, row)
	}

	t := ltable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == ltable.HeaderRow:
				return headerStyle
			case row < len(rep.Records) && rep.Records[row].Error != "":
				return failedStyle
			case row < len(rep.Records) && rep.Records[row].Interesting:
				return interestingStyle
			default:
				return cellStyle
			}
		})

	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}

	s := rep.Summary
	line := fmt.Sprintf("successful=%d failed=%d retries=%d connections=%d elapsed=%s rps=%.1f p50=%s p95=%s p99=%s spread=%s",
		s.Successful, s.Failed, s.Retries, s.Connections, s.Elapsed, s.RPS, s.P50, s.P95, s.P99, s.Spread)
	if _, err := fmt.Fprintln(w, summaryStyle.Render(line)); err != nil {
		return err
	}

	for _, r := range rep.Records {
		if r.Response == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n--- #%d %s ---\n%s\n", r.ID, r.Payload, r.Response); err != nil {
			return err
		}
	}
	return nil
}

// extractedFields lists every extracted path present in records, sorted.
func extractedFields(records []Record) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, r := range records {
		for k := range r.Extracted {
			if !seen[k] {
				seen[k] = true
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)
	return fields
}
