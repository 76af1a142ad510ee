package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/store"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)
	require.Equal(t, "md", format.Extension())

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleResponse() *core.Response {
	requested := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &core.Response{
		Payload: json.RawMessage(`{"results":[{"id":1}]}`),
		Provenance: core.Provenance{
			RequestID:   "req-1",
			RequestedAt: requested,
			ResolvedAt:  requested.Add(250 * time.Millisecond),
			Source:      "backend",
			Attempts:    2,
		},
	}
}

func TestFormatResponse(t *testing.T) {
	rendered, err := FormatResponse(FormatTable, sampleResponse())
	require.NoError(t, err)
	require.Contains(t, rendered, "backend")
	require.Contains(t, rendered, "req-1")
	require.Contains(t, rendered, "250ms")
	require.Contains(t, rendered, "\"results\": [")

	rendered, err = FormatResponse(FormatJSON, sampleResponse())
	require.NoError(t, err)
	require.Contains(t, rendered, "\"source\": \"backend\"")

	rendered, err = FormatResponse(FormatMarkdown, sampleResponse())
	require.NoError(t, err)
	require.Contains(t, rendered, "| Source | backend |")
	require.Contains(t, rendered, "```json")
}

func TestFormatBatch(t *testing.T) {
	result := &core.BatchResult{
		Items: []*core.BatchItem{
			{Index: 0, Request: core.Request{Endpoint: "/random", CallerID: "alice"}, Response: sampleResponse()},
			{Index: 1, Request: core.Request{Endpoint: "/complexSearch", CallerID: "bob"}, Error: "quota exceeded", ErrorKind: core.KindQuotaExceeded},
		},
	}
	result.Tally()
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Failed)

	rendered, err := FormatBatch(FormatTable, result)
	require.NoError(t, err)
	require.Contains(t, rendered, "/complexSearch")
	require.Contains(t, rendered, "quota exceeded")
	require.Contains(t, rendered, "1 ok, 1 failed, 0 cached")

	rendered, err = FormatBatch(FormatJSON, result)
	require.NoError(t, err)
	require.Contains(t, rendered, "\"error_kind\": \"quota_exceeded\"")
}

func TestFormatQuota(t *testing.T) {
	backend := core.QuotaStatus{Scope: "backend", Used: 4, Limit: 150, Remaining: 146}
	report := engine.QuotaReport{
		Caller:  core.QuotaStatus{Scope: "alice", Used: 3, Limit: 10, Remaining: 7},
		Backend: &backend,
	}

	rendered, err := FormatQuota(FormatTable, report)
	require.NoError(t, err)
	require.Contains(t, rendered, "alice")
	require.Contains(t, rendered, "146")

	rendered, err = FormatQuota(FormatJSON, report)
	require.NoError(t, err)
	require.Contains(t, rendered, "\"remaining\": 7")
}

func TestFormatEntriesAndSummaries(t *testing.T) {
	entries := []store.Entry{{Key: "quota:caller:alice:used", Value: strings.Repeat("x", 100)}}

	rendered, err := FormatEntries(FormatTable, entries)
	require.NoError(t, err)
	require.Contains(t, rendered, "quota:caller:alice:used")
	require.Contains(t, rendered, "...")
	require.Contains(t, rendered, "1 entries")

	rendered, err = FormatEntries(FormatJSON, nil)
	require.NoError(t, err)
	require.Equal(t, "[]", rendered)

	rendered, err = FormatCleanup(FormatTable, cache.CleanupResult{Scanned: 5, Removed: 2})
	require.NoError(t, err)
	require.Equal(t, "Removed 2 of 5 cache entries", rendered)

	rendered, err = FormatReset(FormatTable, ResetResult{Matched: 3, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, "Would delete 3 entr(ies)", rendered)
}
