package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/sqlite"
)

type entityStatus struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Level    int    `json:"level"`
	Version  int    `json:"version"`
	Rows     int    `json:"rows"`
	Writable bool   `json:"writable"`
}

type controlStatus struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type storeStatus struct {
	DataDir       string          `json:"data_dir"`
	SchemaVersion int             `json:"schema_version"`
	Pending       int             `json:"pending"`
	Checkpoint    int64           `json:"checkpoint,omitempty"`
	Entities      []entityStatus  `json:"entities"`
	Control       []controlStatus `json:"control"`
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the local store",
		Long:  "Report schema version, entities, pending actions and sync control records\nwithout contacting the remote.",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}
}

func (a *app) runStatus(cmd *cobra.Command, _ []string) error {
	b, closeStore, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	st := storeStatus{DataDir: b.Config().DataDir}
	if st.SchemaVersion, err = b.SchemaVersion(ctx); err != nil {
		return err
	}
	if st.Pending, err = sqlite.NewActionLog(b).CountPending(ctx); err != nil {
		return err
	}
	at, ok, err := b.LastCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		st.Checkpoint = at.Unix()
	}
	schemes, err := b.Schemes(ctx)
	if err != nil {
		return err
	}
	for _, e := range schemes {
		rows, err := b.Count(ctx, e.Name)
		if err != nil {
			return err
		}
		st.Entities = append(st.Entities, entityStatus{
			Name: e.Name, Kind: e.Kind, Level: e.Level, Version: e.CurrentVersion(),
			Rows: rows, Writable: e.IsWritable(),
		})
	}
	records, err := b.ControlRecords(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		st.Control = append(st.Control, controlStatus{Type: string(r.Type), Status: string(r.Status), Timestamp: r.Timestamp.Unix()})
	}

	return a.output(cmd.OutOrStdout(), st, func() error {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "data dir:        %s\n", st.DataDir)
		fmt.Fprintf(w, "schema version:  %d\n", st.SchemaVersion)
		fmt.Fprintf(w, "pending actions: %d\n", st.Pending)
		if st.Checkpoint > 0 {
			fmt.Fprintf(w, "checkpoint:      %s\n", time.Unix(st.Checkpoint, 0).UTC().Format(time.RFC3339))
		}
		if len(st.Entities) == 0 {
			fmt.Fprintln(w, "no entities; run horus start or horus schema apply")
			return nil
		}
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(st.Entities))
		for _, e := range st.Entities {
			rows = append(rows, []string{e.Name, e.Kind, strconv.Itoa(e.Level), strconv.Itoa(e.Version), strconv.Itoa(e.Rows)})
		}
		return printTable(w, []string{"ENTITY", "KIND", "LEVEL", "VERSION", "ROWS"}, rows)
	})
}
