package table

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/racegate/internal/stats"
	"gopkg.in/yaml.v3"
)

func sampleReport() Report {
	return Report{
		Summary: stats.Summary{Successful: 2, Failed: 1, Connections: 2, Spread: 3 * time.Millisecond},
		Records: []Record{
			{ID: 1, Label: "redeem", Gate: "race1", Payload: "SAVE10", Status: 200, Length: 120, Words: 3, DurationMS: 1.25, Extracted: map[string]string{"balance": "90"}},
			{ID: 2, Label: "redeem", Gate: "race1", Payload: "SAVE10", Status: 200, Length: 120, Words: 3, DurationMS: 1.5, Interesting: true, Extracted: map[string]string{"balance": "80"}},
			{ID: 3, Label: "redeem", Gate: "race1", Payload: "SAVE10", Interesting: true, Error: "connection reset"},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"text", "JSON", "yaml"} {
		_, err := ParseFormat(in)
		require.NoError(t, err, in)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
}

func TestRender_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleReport(), FormatText))
	out := buf.String()

	for _, want := range []string{"Payload", "Interesting", "balance", "SAVE10", "connection reset", "80", "1.50", "successful=2 failed=1"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "---", "responses are only printed when present")
}

func TestRender_TextWithResponses(t *testing.T) {
	rep := sampleReport()
	rep.Records[1].Response = "HTTP/1.1 200 OK\r\n\r\nsecond"

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rep, FormatText))
	assert.Contains(t, buf.String(), "--- #2 SAVE10 ---")
	assert.Contains(t, buf.String(), "second")
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleReport(), FormatJSON))

	var got Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, sampleReport(), got)
}

func TestRender_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleReport(), FormatYAML))
	assert.Contains(t, buf.String(), "payload: SAVE10")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Contains(t, got, "summary")
	assert.Len(t, got["records"], 3)
}
