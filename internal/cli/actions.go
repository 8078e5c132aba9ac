package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/pkg/types"
)

func (a *app) newActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect the local action log",
	}
	cmd.AddCommand(a.newActionsListCmd(), a.newActionsExportCmd())
	return cmd
}

func parseActionStatus(s string) (types.ActionStatus, error) {
	switch st := types.ActionStatus(s); st {
	case "", types.ActionPending, types.ActionCompleted:
		return st, nil
	}
	return "", fmt.Errorf("status %q: want pending or completed: %w", s, types.ErrInvalidValue)
}

func (a *app) newActionsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := parseActionStatus(status)
			if err != nil {
				return err
			}
			b, closeStore, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			actions, err := sqlite.NewActionLog(b).Actions(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			records := make([]sqlite.ActionRecord, 0, len(actions))
			for _, act := range actions {
				rec, err := sqlite.NewActionRecord(act)
				if err != nil {
					return err
				}
				records = append(records, rec)
			}
			return a.output(cmd.OutOrStdout(), records, func() error {
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10), r.Action, r.Entity, r.Status,
						time.Unix(r.ActionedAt, 0).UTC().Format(time.RFC3339),
					})
				}
				return printTable(cmd.OutOrStdout(), []string{"ID", "ACTION", "ENTITY", "STATUS", "AT"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending or completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of actions (0 for all)")
	return cmd
}

func (a *app) newActionsExportCmd() *cobra.Command {
	var status, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the action log to a JSONL file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := parseActionStatus(status)
			if err != nil {
				return err
			}
			b, closeStore, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := sqlite.NewActionLog(b).ExportActions(cmd.Context(), out, st)
			if err != nil {
				return err
			}
			return a.output(cmd.OutOrStdout(), map[string]any{"file": out, "count": n}, func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d actions to %s\n", n, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending or completed)")
	cmd.Flags().StringVarP(&out, "out", "o", "actions.jsonl", "output file")
	return cmd
}
