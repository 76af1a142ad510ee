package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/observability"
	"github.com/quotaline/quotaline/internal/output"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and manage daily quotas",
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's usage for a caller and the backend points budget",
	RunE:  runQuotaStatus,
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's usage for a caller or the backend budget",
	RunE:  runQuotaReset,
}

var quotaTrackCmd = &cobra.Command{
	Use:   "track",
	Short: "Charge a request made outside the dispatcher",
	RunE:  runQuotaTrack,
}

func init() {
	quotaCmd.AddCommand(quotaStatusCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	quotaCmd.AddCommand(quotaTrackCmd)
	rootCmd.AddCommand(quotaCmd)

	quotaStatusCmd.Flags().String("caller", core.DefaultCallerID, "Caller identity")
	quotaStatusCmd.Flags().String("check", "", "Also report whether a call to this endpoint would be allowed")
	quotaStatusCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")

	quotaResetCmd.Flags().String("caller", "", "Caller whose usage to reset")
	quotaResetCmd.Flags().Bool("backend", false, "Reset the shared backend points budget")

	quotaTrackCmd.Flags().String("caller", core.DefaultCallerID, "Caller identity")
	quotaTrackCmd.Flags().String("endpoint", "", "Endpoint whose points cost to charge (optional)")
}

func runQuotaStatus(cmd *cobra.Command, _ []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	caller, err := cmd.Flags().GetString("caller")
	if err != nil {
		return err
	}
	check, err := cmd.Flags().GetString("check")
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup

	report, err := a.dispatcher.QuotaStatus(cmd.Context(), caller)
	if err != nil {
		return err
	}
	rendered, err := output.FormatQuota(format, report)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), rendered); err != nil {
		return err
	}

	if strings.TrimSpace(check) == "" {
		return nil
	}
	if err := a.dispatcher.CheckQuota(cmd.Context(), caller, check); err != nil {
		if core.KindOf(err) != core.KindQuotaExceeded {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: not allowed (%v)\n", check, err)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: allowed\n", check)
	return err
}

func runQuotaReset(cmd *cobra.Command, _ []string) error {
	caller, err := cmd.Flags().GetString("caller")
	if err != nil {
		return err
	}
	resetBackend, err := cmd.Flags().GetBool("backend")
	if err != nil {
		return err
	}
	caller = strings.TrimSpace(caller)
	if caller == "" && !resetBackend {
		return errors.New("must specify --caller or --backend")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup

	if caller != "" {
		if err := a.dispatcher.Quota.Reset(cmd.Context(), caller); err != nil {
			return fmt.Errorf("reset caller quota: %w", err)
		}
		observability.CLILogger.Info("Caller quota reset", zap.String("caller_id", caller))
	}
	if resetBackend {
		if err := a.dispatcher.Points.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset backend points: %w", err)
		}
		observability.CLILogger.Info("Backend points budget reset")
	}
	return nil
}

func runQuotaTrack(cmd *cobra.Command, _ []string) error {
	caller, err := cmd.Flags().GetString("caller")
	if err != nil {
		return err
	}
	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup

	if err := a.dispatcher.TrackRequest(cmd.Context(), caller, endpoint); err != nil {
		return err
	}
	report, err := a.dispatcher.QuotaStatus(cmd.Context(), caller)
	if err != nil {
		return err
	}
	rendered, err := output.FormatQuota(output.FormatTable, report)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
