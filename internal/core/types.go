package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Priority orders pending requests; higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts a priority name or an integer.
func ParsePriority(raw string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return PriorityNormal, fmt.Errorf("invalid priority %q (use low, normal, high or an integer)", raw)
	}
	return Priority(n), nil
}

// DefaultCallerID is used when a request carries no caller identity.
const DefaultCallerID = "default"

// Param is a single query parameter. Order is significant.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params is an ordered list of query parameters.
type Params []Param

// Add appends a parameter and returns the extended list.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Get returns the first value stored for key.
func (p Params) Get(key string) (string, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}
	return "", false
}

// Encode renders the parameters as a query string in insertion order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, param := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(param.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(param.Value))
	}
	return b.String()
}

// ParseParam splits a "key=value" pair.
func ParseParam(raw string) (Param, bool) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Param{}, false
	}
	return Param{Key: key, Value: value}, true
}

// Request describes one call into the dispatcher.
type Request struct {
	Endpoint string   `json:"endpoint"`
	Params   Params   `json:"params,omitempty"`
	CallerID string   `json:"caller_id"`
	Priority Priority `json:"priority"`
}

// Normalized returns a copy with a trimmed endpoint and a caller identity.
func (r Request) Normalized() Request {
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	if r.Endpoint != "" && !strings.HasPrefix(r.Endpoint, "/") {
		r.Endpoint = "/" + r.Endpoint
	}
	r.CallerID = strings.TrimSpace(r.CallerID)
	if r.CallerID == "" {
		r.CallerID = DefaultCallerID
	}
	return r
}

// Path returns the endpoint with its ordered query string, without credentials.
func (r Request) Path() string {
	query := r.Params.Encode()
	if query == "" {
		return r.Endpoint
	}
	return r.Endpoint + "?" + query
}

// Provenance captures metadata about how a response was resolved.
type Provenance struct {
	RequestID   string     `json:"request_id"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  time.Time  `json:"resolved_at"`
	Source      string     `json:"source"`
	Attempts    int        `json:"attempts"`
	CachedAt    *time.Time `json:"cached_at,omitempty"`
}

// Response is the payload returned to a caller.
type Response struct {
	Payload    json.RawMessage `json:"payload"`
	FromCache  bool            `json:"from_cache"`
	Stale      bool            `json:"stale"`
	Provenance Provenance      `json:"provenance"`
}

// CacheEntry is a stored backend response.
type CacheEntry struct {
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
	Stale    bool            `json:"stale,omitempty"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e *CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	if e == nil {
		return false
	}
	return now.Sub(e.StoredAt) < ttl
}
