package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/remote"
	"github.com/mesh-intelligence/horus/internal/remote/remotetest"
	"github.com/mesh-intelligence/horus/internal/schemafile"
	"github.com/mesh-intelligence/horus/pkg/types"
)

func (a *app) newDevRemoteCmd() *cobra.Command {
	var addr, schemaFile, seedFile string
	cmd := &cobra.Command{
		Use:   "dev-remote",
		Short: "Serve an in-memory remote for local development",
		Long: "Serve the remote protocol from memory. The schema comes from a YAML\n" +
			"or JSON file; --seed loads bulk data in the /data response format.\n" +
			"--token makes the server require that bearer token.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schemes, err := schemafile.Load(schemaFile)
			if err != nil {
				return err
			}
			srv := remotetest.NewServer(schemes)
			if seedFile != "" {
				seed, err := loadSeed(seedFile)
				if err != nil {
					return err
				}
				srv.Seed(seed...)
			}
			if a.flags.token != "" {
				srv.RequireToken(a.flags.token)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8700", "listen address")
	cmd.Flags().StringVar(&schemaFile, "schema", "", "schema file (.yaml, .yml or .json)")
	cmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of bulk data")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

// serve runs hs until ctx is done, then shuts it down.
func serve(ctx context.Context, cmd *cobra.Command, hs *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	fmt.Fprintf(cmd.OutOrStdout(), "dev remote listening on http://%s\n", hs.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadSeed(path string) ([]types.EntityInstance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed: %w", err)
	}
	var payload []remote.EntityData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing seed %s: %w", path, err)
	}
	out := make([]types.EntityInstance, 0, len(payload))
	for _, d := range payload {
		out = append(out, d.Instance())
	}
	return out, nil
}
