package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/3leaps/pcrbatch/internal/server/handlers"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := currentVersion()
		out := cmd.OutOrStdout()
		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		_, _ = fmt.Fprintf(out, "pcrbatch %s\n", info.Version)
		_, _ = fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		_, _ = fmt.Fprintf(out, "  built:      %s\n", info.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:         %s %s/%s\n", info.GoVersion, runtime.GOOS, runtime.GOARCH)
		if v := crucible.GetVersion(); v.Gofulmen != "" {
			_, _ = fmt.Fprintf(out, "  gofulmen:   %s\n", v.Gofulmen)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func currentVersion() handlers.VersionInfo {
	return handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
	}
}
