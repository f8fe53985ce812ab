package cli

import (
	"github.com/spf13/cobra"
	"strings"
)

func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "code-marketplace",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long:          "Offline mirror and gallery API for the Code extension marketplace",
		Example: strings.Join([]string{
			"  code-marketplace server --artifact-root ./artifacts",
			"  code-marketplace sync --artifact-root ./artifacts",
		}, "\n"),
	}

	cmd.AddCommand(server(), sync(), search(), version())

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	return cmd
}
