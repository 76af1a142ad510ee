package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quotaline/quotaline/internal/core"
)

func TestParseParamsKeepsOrder(t *testing.T) {
	params, err := parseParams([]string{"query=pasta", "number=10", "diet=vegan=strict"})
	require.NoError(t, err)
	require.Equal(t, "query=pasta&number=10&diet=vegan%3Dstrict", params.Encode())

	_, err = parseParams([]string{"query"})
	require.ErrorContains(t, err, `invalid param "query"`)
}

func TestParseRequestsMixedLines(t *testing.T) {
	input := strings.Join([]string{
		"# nightly warmup",
		"",
		"/complexSearch query=pasta number=10",
		`{"endpoint": "/random", "caller_id": "bob", "priority": "high"}`,
		`{"endpoint": "information", "params": [{"key": "id", "value": "7"}]}`,
	}, "\n")

	requests, err := parseRequests(strings.NewReader(input), core.Request{CallerID: "alice", Priority: core.PriorityLow})
	require.NoError(t, err)
	require.Len(t, requests, 3)

	require.Equal(t, "/complexSearch", requests[0].Endpoint)
	require.Equal(t, "query=pasta&number=10", requests[0].Params.Encode())
	require.Equal(t, "alice", requests[0].CallerID)
	require.Equal(t, core.PriorityLow, requests[0].Priority)

	require.Equal(t, "bob", requests[1].CallerID)
	require.Equal(t, core.PriorityHigh, requests[1].Priority)

	require.Equal(t, "/information", requests[2].Normalized().Endpoint)
	value, ok := requests[2].Params.Get("id")
	require.True(t, ok)
	require.Equal(t, "7", value)
}

func TestParseRequestsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "# only a comment\n", "no requests found"},
		{"bad json", `{"endpoint": `, "line 1: decode request"},
		{"unknown field", `{"endpoint": "/random", "verb": "POST"}`, "decode request"},
		{"missing endpoint", `{"caller_id": "alice"}`, "endpoint is required"},
		{"bad param", "/random\n/complexSearch query", `line 2: invalid param "query"`},
		{"bad priority", `{"endpoint": "/random", "priority": "urgent"}`, "invalid priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRequests(strings.NewReader(tt.input), core.Request{})
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestReadRequestsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.txt")
	require.NoError(t, os.WriteFile(path, []byte("/random\n/random number=2\n"), 0o600))

	requests, err := readRequests(path, core.Request{CallerID: "carol"})
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Equal(t, "carol", requests[1].CallerID)

	_, err = readRequests(filepath.Join(t.TempDir(), "missing.txt"), core.Request{})
	require.ErrorIs(t, err, os.ErrNotExist)
}
