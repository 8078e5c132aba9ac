package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/schemafile"
	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/internal/startup"
	"github.com/mesh-intelligence/horus/pkg/types"
)

func (a *app) newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or apply the local schema",
	}
	cmd.AddCommand(a.newSchemaApplyCmd(), a.newSchemaShowCmd())
	return cmd
}

func (a *app) newSchemaApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or migrate the local store from a schema file",
		Long: "Load a YAML or JSON schema file and bring the local store to its\n" +
			"version without contacting the remote.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schemes, err := schemafile.Load(file)
			if err != nil {
				return err
			}
			b, closeStore, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			from, err := b.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			schema := startup.Schema{Schemes: schemes, Version: types.SchemaVersion(schemes)}
			err = startup.ApplySchema(ctx, startup.Deps{
				Store:    b,
				Migrator: sqlite.NewMigrator(b),
				Log:      b.Logger(),
			}, schema)
			if err != nil {
				return err
			}

			result := map[string]any{"from": from, "to": schema.Version}
			return a.output(cmd.OutOrStdout(), result, func() error {
				if from == schema.Version {
					fmt.Fprintf(cmd.OutOrStdout(), "schema already at version %d\n", from)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d -> %d\n", from, schema.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "schema file (.yaml, .yml or .json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) newSchemaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the registered entities as a schema document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, closeStore, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			schemes, err := b.Schemes(cmd.Context())
			if err != nil {
				return err
			}
			format := schemafile.FormatYAML
			if a.flags.jsonMode {
				format = schemafile.FormatJSON
			}
			data, err := schemafile.Marshal(schemes, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
