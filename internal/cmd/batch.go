package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/core/engine"
	"github.com/quotaline/quotaline/internal/observability"
	"github.com/quotaline/quotaline/internal/output"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Submit many requests from a file",
	Long: `Read requests from a file (or - for stdin) and submit them concurrently
through the dispatcher. Each line is either a JSON object
({"endpoint": "/complexSearch", "params": [{"key": "query", "value": "pasta"}], "caller_id": "alice", "priority": "high"})
or "endpoint key=value ...". Lines starting with # are ignored.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().String("caller", core.DefaultCallerID, "Caller for lines that do not name one")
	batchCmd.Flags().String("priority", "normal", "Priority for lines that do not set one: low, normal, high or an integer")
	batchCmd.Flags().Int("concurrency", 0, "Concurrent submissions (default: workers from config)")
	batchCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	addOutputTargetFlags(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	caller, err := cmd.Flags().GetString("caller")
	if err != nil {
		return err
	}
	priorityValue, err := cmd.Flags().GetString("priority")
	if err != nil {
		return err
	}
	priority, err := core.ParsePriority(priorityValue)
	if err != nil {
		return err
	}
	concurrency, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}

	requests, err := readRequests(args[0], core.Request{CallerID: caller, Priority: priority})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup

	if concurrency <= 0 {
		concurrency = a.cfg.Workers
	}
	if concurrency <= 0 {
		return errors.New("concurrency must be at least 1")
	}

	result, err := runBatchRequests(ctx, a.dispatcher, requests, concurrency)
	if err != nil {
		return err
	}

	rendered, err := output.FormatBatch(format, result)
	if err != nil {
		return err
	}
	if strings.TrimSpace(rendered) != "" {
		sink, err := openOutput(cmd, format, "batch")
		if err != nil {
			return err
		}
		_, writeErr := fmt.Fprintln(sink.writer, rendered)
		if err := multierr.Append(writeErr, sink.close()); err != nil {
			return fmt.Errorf("write batch output: %w", err)
		}
	}

	observability.CLILogger.Debug("Batch complete",
		zap.Int("requests", len(result.Items)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("from_cache", result.FromCache),
		zap.Duration("elapsed", result.CompletedAt.Sub(result.StartedAt)))

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed: %w", result.Failed, len(result.Items), batchErrors(result))
	}
	return nil
}

// runBatchRequests submits every request, at most concurrency at a time.
// Individual failures are recorded on their item and do not stop the batch.
func runBatchRequests(ctx context.Context, dispatcher *engine.Dispatcher, requests []core.Request, concurrency int) (*core.BatchResult, error) {
	result := &core.BatchResult{
		Items:     make([]*core.BatchItem, len(requests)),
		StartedAt: time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range requests {
		g.Go(func() error {
			item := &core.BatchItem{Index: i, Request: req.Normalized()}
			resp, err := dispatcher.Request(gctx, req)
			if err != nil {
				item.Error = err.Error()
				item.ErrorKind = core.KindOf(err)
			} else {
				item.Response = resp
			}
			result.Items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.CompletedAt = time.Now().UTC()
	result.Tally()
	return result, nil
}

// batchErrors combines the distinct failure messages of a batch.
func batchErrors(result *core.BatchResult) error {
	seen := make(map[string]bool)
	var combined error
	for _, item := range result.Items {
		if item == nil || item.Error == "" || seen[item.Error] {
			continue
		}
		seen[item.Error] = true
		combined = multierr.Append(combined, errors.New(item.Error))
	}
	return combined
}
