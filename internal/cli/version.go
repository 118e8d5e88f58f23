package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=v1.2.3".
var Version = "dev"

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if rootOpts.Format == "json" {
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version": Version,
					"go":      runtime.Version(),
				})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "epochflow %s (%s)\n", Version, runtime.Version())
		},
	}
}
