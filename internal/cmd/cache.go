package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quotaline/quotaline/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired and undecodable cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		result, err := a.dispatcher.CleanupCache(cmd.Context())
		if err != nil {
			return err
		}
		rendered, err := output.FormatCleanup(format, result)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

func init() {
	cacheCmd.AddCommand(cacheCleanupCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheCleanupCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")
}
