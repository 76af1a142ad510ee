package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotaline/quotaline/internal/core"
	"github.com/quotaline/quotaline/internal/output"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [endpoint]",
	Short: "Resolve one request through the cache, quotas and scheduler",
	Example: `  quotaline fetch /complexSearch --param query=pasta --param number=10 --caller alice
  quotaline fetch /random --priority high --output-format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("endpoint", "", "Backend endpoint path (alternative to the positional argument)")
	fetchCmd.Flags().StringArrayP("param", "p", nil, "Query parameter key=value (repeatable, order preserved)")
	fetchCmd.Flags().String("caller", core.DefaultCallerID, "Caller identity charged for the request")
	fetchCmd.Flags().String("priority", "normal", "Priority: low, normal, high or an integer")
	fetchCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
}

func runFetch(cmd *cobra.Command, args []string) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	endpoint, err := cmd.Flags().GetString("endpoint")
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if strings.TrimSpace(endpoint) != "" {
			return errors.New("endpoint given both as argument and --endpoint")
		}
		endpoint = args[0]
	}
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("endpoint is required")
	}

	rawParams, err := cmd.Flags().GetStringArray("param")
	if err != nil {
		return err
	}
	params, err := parseParams(rawParams)
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

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close() // nolint:errcheck // best-effort cleanup

	resp, err := a.dispatcher.Request(cmd.Context(), core.Request{
		Endpoint: endpoint,
		Params:   params,
		CallerID: caller,
		Priority: priority,
	})
	if err != nil {
		return err
	}

	rendered, err := output.FormatResponse(format, resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
