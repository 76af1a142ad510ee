package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quotaline/quotaline/internal/core"
)

// requestLine is the JSON form of one batch line.
type requestLine struct {
	Endpoint string      `json:"endpoint"`
	Params   core.Params `json:"params,omitempty"`
	CallerID string      `json:"caller_id,omitempty"`
	Priority string      `json:"priority,omitempty"`
}

// parseParams converts repeated key=value flags into ordered params.
func parseParams(raw []string) (core.Params, error) {
	params := make(core.Params, 0, len(raw))
	for _, pair := range raw {
		param, ok := core.ParseParam(pair)
		if !ok {
			return nil, fmt.Errorf("invalid param %q (expected key=value)", pair)
		}
		params = append(params, param)
	}
	return params, nil
}

// readRequests parses a batch file ("-" reads stdin). Each non-empty line is
// either a JSON object or "endpoint key=value ...". Blank lines and lines
// starting with # are skipped. defaults supplies the caller and priority for
// lines that omit them.
func readRequests(path string, defaults core.Request) ([]core.Request, error) {
	var reader io.Reader
	if strings.TrimSpace(path) == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close() // nolint:errcheck // read-only file
		reader = file
	}
	return parseRequests(reader, defaults)
}

func parseRequests(reader io.Reader, defaults core.Request) ([]core.Request, error) {
	requests := make([]core.Request, 0)
	scanner := bufio.NewScanner(reader)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		req, err := parseRequestLine(raw, defaults)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("no requests found")
	}
	return requests, nil
}

func parseRequestLine(raw string, defaults core.Request) (core.Request, error) {
	req := core.Request{CallerID: defaults.CallerID, Priority: defaults.Priority}

	if strings.HasPrefix(raw, "{") {
		var parsed requestLine
		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&parsed); err != nil {
			return core.Request{}, fmt.Errorf("decode request: %w", err)
		}
		req.Endpoint = parsed.Endpoint
		req.Params = parsed.Params
		if parsed.CallerID != "" {
			req.CallerID = parsed.CallerID
		}
		if parsed.Priority != "" {
			priority, err := core.ParsePriority(parsed.Priority)
			if err != nil {
				return core.Request{}, err
			}
			req.Priority = priority
		}
	} else {
		fields := strings.Fields(raw)
		params, err := parseParams(fields[1:])
		if err != nil {
			return core.Request{}, err
		}
		req.Endpoint = fields[0]
		req.Params = params
	}

	if strings.TrimSpace(req.Endpoint) == "" {
		return core.Request{}, fmt.Errorf("endpoint is required")
	}
	return req, nil
}
