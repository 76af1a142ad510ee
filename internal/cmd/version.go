package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quotaline/quotaline/internal/config"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build, Go and key dependency versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", config.AppName, versionInfo.Version)
		if !extended {
			return nil
		}

		fmt.Fprintf(out, "Commit: %s\n", versionInfo.Commit)
		fmt.Fprintf(out, "Built: %s\n", versionInfo.BuildDate)
		fmt.Fprintf(out, "Go: %s\n", runtime.Version())

		deps := moduleVersions()
		if len(deps) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s: %s\n", name, deps[name])
		}
		return nil
	},
}

// versionedModules are the dependencies shown by version --extended.
var versionedModules = []string{
	"github.com/fulmenhq/gofulmen",
	"github.com/go-chi/chi/v5",
	"github.com/redis/go-redis/v9",
	"github.com/tursodatabase/go-libsql",
	"modernc.org/sqlite",
}

func moduleVersions() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	wanted := make(map[string]bool, len(versionedModules))
	for _, path := range versionedModules {
		wanted[path] = true
	}
	versions := make(map[string]string)
	for _, dep := range info.Deps {
		if !wanted[dep.Path] {
			continue
		}
		if dep.Replace != nil {
			dep = dep.Replace
		}
		versions[dep.Path] = dep.Version
	}
	return versions
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
