package core

import "time"

// BatchItem is the outcome of one request in a batch run.
type BatchItem struct {
	Index     int       `json:"index"`
	Request   Request   `json:"request"`
	Response  *Response `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// BatchResult collects the items of a batch run with summary counts.
type BatchResult struct {
	Items       []*BatchItem `json:"items"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	FromCache   int          `json:"from_cache"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Tally recomputes the summary counts from Items.
func (b *BatchResult) Tally() {
	if b == nil {
		return
	}
	b.Succeeded, b.Failed, b.FromCache = 0, 0, 0
	for _, item := range b.Items {
		if item == nil {
			continue
		}
		if item.Error != "" {
			b.Failed++
			continue
		}
		b.Succeeded++
		if item.Response != nil && item.Response.FromCache {
			b.FromCache++
		}
	}
}
