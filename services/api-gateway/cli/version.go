package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/version"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		if versionShort {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return
		}
		fmt.Fprint(cmd.OutOrStdout(), version.Info("api-gateway"))
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the version number")
}
