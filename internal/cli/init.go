package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/config"
	"github.com/mesh-intelligence/horus/internal/paths"
)

func (a *app) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and the local store",
		Long: "Create the configuration directory with a default config.yaml, then\n" +
			"create the local database. Existing files are kept.",
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
}

func (a *app) runInit(cmd *cobra.Command, _ []string) error {
	dir, err := a.configDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	written, err := config.EnsureFile(dir, a.flags.baseURL, a.flags.dataDir)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	dataDir := store.Config().DataDir
	closeStore()

	result := map[string]any{
		"config_file":    paths.ConfigFile(dir),
		"config_created": written,
		"data_dir":       dataDir,
	}
	return a.output(cmd.OutOrStdout(), result, func() error {
		out := cmd.OutOrStdout()
		if written {
			fmt.Fprintf(out, "wrote %s\n", paths.ConfigFile(dir))
		}
		fmt.Fprintf(out, "local store ready in %s\n", dataDir)
		return nil
	})
}
