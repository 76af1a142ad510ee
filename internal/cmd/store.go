package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotaline/quotaline/internal/core/store"
	"github.com/quotaline/quotaline/internal/output"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and reset persisted cache and quota state",
	Long: `Inspect and reset the durable key-value store shared by the response
cache (cache:*) and the quota ledgers (quota:*). Resetting keys while a server
is running does not clear the server's in-memory state; restart it afterwards.`,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored entries",
	RunE:  runStoreList,
}

var storeResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored entries",
	RunE:  runStoreReset,
}

func init() {
	storeCmd.AddCommand(storeListCmd)
	storeCmd.AddCommand(storeResetCmd)
	rootCmd.AddCommand(storeCmd)

	storeListCmd.Flags().Bool("all", false, "List all entries (default when no filter is given)")
	storeListCmd.Flags().String("key", "", "List a single key (exact match)")
	storeListCmd.Flags().String("prefix", "", "List keys with matching prefix (e.g. cache:, quota:caller:)")
	storeListCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	addOutputTargetFlags(storeListCmd)

	storeResetCmd.Flags().Bool("all", false, "Reset all entries")
	storeResetCmd.Flags().String("key", "", "Reset a single key (exact match)")
	storeResetCmd.Flags().String("prefix", "", "Reset keys with matching prefix")
	storeResetCmd.Flags().Bool("yes", false, "Confirm destructive reset")
	storeResetCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	storeResetCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")
	addOutputTargetFlags(storeResetCmd)
}

func openStore(ctx context.Context) (store.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.OpenBackend(ctx, cfg.Store)
}

func keyQueryFromFlags(cmd *cobra.Command) (store.KeyQuery, error) {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return store.KeyQuery{}, err
	}
	key, err := cmd.Flags().GetString("key")
	if err != nil {
		return store.KeyQuery{}, err
	}
	prefix, err := cmd.Flags().GetString("prefix")
	if err != nil {
		return store.KeyQuery{}, err
	}
	return store.KeyQuery{All: all, Key: strings.TrimSpace(key), Prefix: strings.TrimSpace(prefix)}, nil
}

func runStoreList(cmd *cobra.Command, _ []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	query, err := keyQueryFromFlags(cmd)
	if err != nil {
		return err
	}
	if !query.All && query.Key == "" && query.Prefix == "" {
		query.All = true
	}

	db, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	entries, err := db.ListEntries(cmd.Context(), query)
	if err != nil {
		return err
	}

	sink, err := openOutput(cmd, format, "store.list")
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	rendered, err := output.FormatEntries(format, entries)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}

func runStoreReset(cmd *cobra.Command, _ []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	if format != output.FormatJSON && format != output.FormatTable {
		return fmt.Errorf("unsupported output format: %s", format)
	}
	query, err := keyQueryFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := query.Validate(); err != nil {
		return err
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}
	if query.All && !yes && !dryRun {
		return errors.New("--all requires --yes (or use --dry-run)")
	}

	db, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	matched, err := db.CountEntries(cmd.Context(), query)
	if err != nil {
		return err
	}

	sink, err := openOutput(cmd, format, "store.reset")
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	result := output.ResetResult{Matched: matched, DryRun: dryRun}
	if !dryRun {
		deleted, err := db.DeleteEntries(cmd.Context(), query)
		if err != nil {
			return err
		}
		result.Deleted = deleted
	}

	rendered, err := output.FormatReset(format, result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}
