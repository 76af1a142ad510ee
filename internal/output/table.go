package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/cache"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/core/store"
)

const maxValueWidth = 60

// FormatResponse renders a dispatcher response: provenance as a table,
// followed by the payload.
func FormatResponse(format Format, resp *core.Response) (string, error) {
	if resp == nil {
		return "", nil
	}
	if format == FormatJSON {
		return JSON(resp)
	}

	t := newTable(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"Source", resp.Provenance.Source})
	t.AppendRow(table.Row{"From cache", resp.FromCache})
	t.AppendRow(table.Row{"Stale", resp.Stale})
	t.AppendRow(table.Row{"Attempts", resp.Provenance.Attempts})
	t.AppendRow(table.Row{"Request ID", resp.Provenance.RequestID})
	if resp.Provenance.CachedAt != nil {
		t.AppendRow(table.Row{"Cached at", formatTime(*resp.Provenance.CachedAt)})
	}
	t.AppendRow(table.Row{"Elapsed", resp.Provenance.ResolvedAt.Sub(resp.Provenance.RequestedAt).Round(time.Millisecond)})

	rendered := render(t, format)
	payload := indentPayload(resp.Payload)
	if payload == "" {
		return rendered, nil
	}
	if format == FormatMarkdown {
		return rendered + "\n\n```json\n" + payload + "\n```", nil
	}
	return rendered + "\n" + payload, nil
}

// FormatBatch renders one row per batch item with a summary footer.
func FormatBatch(format Format, result *core.BatchResult) (string, error) {
	if result == nil {
		return "", nil
	}
	if format == FormatJSON {
		return JSON(result)
	}

	t := newTable(table.Row{"#", "Caller", "Request", "Source", "Attempts", "Error"})
	for _, item := range result.Items {
		if item == nil {
			continue
		}
		source, attempts := "-", "-"
		if item.Response != nil {
			source = item.Response.Provenance.Source
			attempts = fmt.Sprintf("%d", item.Response.Provenance.Attempts)
		}
		t.AppendRow(table.Row{
			item.Index + 1,
			item.Request.CallerID,
			truncate(item.Request.Path()),
			source,
			attempts,
			truncate(item.Error),
		})
	}

	summary := fmt.Sprintf("%d ok, %d failed, %d cached", result.Succeeded, result.Failed, result.FromCache)
	if !result.StartedAt.IsZero() && !result.CompletedAt.IsZero() {
		summary += fmt.Sprintf(" in %s", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}
	t.AppendFooter(table.Row{"", "", summary, "", "", ""})
	return render(t, format), nil
}

// FormatQuota renders caller and backend quota usage.
func FormatQuota(format Format, report engine.QuotaReport) (string, error) {
	if format == FormatJSON {
		return JSON(report)
	}

	t := newTable(table.Row{"Scope", "Used", "Limit", "Remaining", "Resets at"})
	appendQuotaRow(t, report.Caller)
	if report.Backend != nil {
		appendQuotaRow(t, *report.Backend)
	}
	return render(t, format), nil
}

func appendQuotaRow(t table.Writer, status core.QuotaStatus) {
	t.AppendRow(table.Row{status.Scope, status.Used, status.Limit, status.Remaining, formatTime(status.ResetsAt)})
}

// FormatEntries renders stored key-value entries.
func FormatEntries(format Format, entries []store.Entry) (string, error) {
	if format == FormatJSON {
		if entries == nil {
			entries = []store.Entry{}
		}
		return JSON(entries)
	}

	t := newTable(table.Row{"Key", "Value", "Updated"})
	for _, entry := range entries {
		t.AppendRow(table.Row{entry.Key, truncate(entry.Value), formatTime(entry.UpdatedAt)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d entries", len(entries)), ""})
	return render(t, format), nil
}

// FormatCleanup renders a cache sweep summary.
func FormatCleanup(format Format, result cache.CleanupResult) (string, error) {
	if format == FormatJSON {
		return JSON(result)
	}
	return fmt.Sprintf("Removed %d of %d cache entries", result.Removed, result.Scanned), nil
}

// ResetResult summarizes a bulk store reset.
type ResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

// FormatReset renders a bulk store reset summary.
func FormatReset(format Format, result ResetResult) (string, error) {
	if format == FormatJSON {
		return JSON(result)
	}
	if result.DryRun {
		return fmt.Sprintf("Would delete %d entr(ies)", result.Matched), nil
	}
	return fmt.Sprintf("Deleted %d/%d entr(ies)", result.Deleted, result.Matched), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	runes := []rune(value)
	if len(runes) <= maxValueWidth {
		return value
	}
	return string(runes[:maxValueWidth-3]) + "..."
}
