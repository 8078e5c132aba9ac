package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/pkg/horus"
)

const modulePath = "github.com/mesh-intelligence/horus"

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the horus version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.output(cmd.OutOrStdout(), map[string]string{"version": horus.Version, "module": modulePath}, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "horus v%s\nmodule: %s\n", horus.Version, modulePath)
				return err
			})
		},
	}
}
