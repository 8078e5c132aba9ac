package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/pkg/horus"
)

// syncResult is the JSON form of one synchronization.
type syncResult struct {
	Status  string `json:"status"`
	Skipped bool   `json:"skipped"`
	Pushed  int    `json:"pushed"`
	Pulled  int    `json:"pulled"`
	Pending int    `json:"pending"`
}

func (a *app) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the startup pipeline against the remote",
		Long: "Fetch the remote schema, migrate the local store, validate hashing,\n" +
			"download initial data when needed and synchronize once.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd, true)
		},
	}
}

func (a *app) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending actions and pull remote ones",
		Long: "Synchronize the local store with the remote. The startup pipeline\n" +
			"runs first when this process has not started yet.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd, false)
		},
	}
}

func (a *app) runSync(cmd *cobra.Command, startOnly bool) error {
	c, closeClient, err := a.openClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient()

	ctx := cmd.Context()
	var out horus.Outcome
	if startOnly {
		err = c.Start(ctx)
	} else {
		out, err = c.Synchronize(ctx)
	}
	if err != nil {
		return err
	}
	pending, err := c.Pending(ctx)
	if err != nil {
		return err
	}

	result := syncResult{
		Status:  c.Status().String(),
		Skipped: out.Skipped,
		Pushed:  out.Pushed,
		Pulled:  out.Pulled,
		Pending: pending,
	}
	return a.output(cmd.OutOrStdout(), result, func() error {
		w := cmd.OutOrStdout()
		if startOnly {
			fmt.Fprintf(w, "started: %s, %d pending\n", result.Status, pending)
			return nil
		}
		if out.Skipped {
			fmt.Fprintf(w, "offline, %d pending\n", pending)
			return nil
		}
		return printTable(w, []string{"PUSHED", "PULLED", "PENDING"}, [][]string{{
			strconv.Itoa(out.Pushed), strconv.Itoa(out.Pulled), strconv.Itoa(pending),
		}})
	})
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [entity...]",
		Short: "Compare local entity hashes with the remote",
		Long: "Send the aggregate hash of each entity to the remote and report\n" +
			"which entities drifted. All entities are checked when none are named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeClient, err := a.openClient(cmd)
			if err != nil {
				return err
			}
			defer closeClient()

			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			results, verr := c.ValidateData(cmd.Context(), args...)
			if results == nil && verr != nil {
				return verr
			}
			if err := a.output(cmd.OutOrStdout(), results, func() error {
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					verdict := "ok"
					if !r.HashingValidation.Matched {
						verdict = "drift"
					}
					rows = append(rows, []string{r.Entity, verdict, r.HashingValidation.Expected, r.HashingValidation.Obtained})
				}
				return printTable(cmd.OutOrStdout(), []string{"ENTITY", "RESULT", "EXPECTED", "OBTAINED"}, rows)
			}); err != nil {
				return err
			}
			return verr
		},
	}
}
