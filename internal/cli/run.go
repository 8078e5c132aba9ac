package cli

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/network"
	"github.com/mesh-intelligence/horus/pkg/horus"
	"github.com/mesh-intelligence/horus/pkg/types"
)

func (a *app) newRunCmd() *cobra.Command {
	var every, probe time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the local store synchronized until interrupted",
		Long: "Start the client, then synchronize on a fixed interval and whenever\n" +
			"the remote becomes reachable again. Reachability is probed by dialing\n" +
			"the remote host.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if every <= 0 || probe <= 0 {
				return fmt.Errorf("--every and --probe must be positive: %w", types.ErrDurationInvalid)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			addr, err := dialAddr(cfg.BaseURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitor := network.NewSwitchable(true)
			go network.Probe(ctx, monitor, addr, probe, probe/2)

			c, closeClient, err := a.openClient(cmd, horus.WithNetworkMonitor(monitor))
			if err != nil {
				return err
			}
			defer closeClient()
			return follow(ctx, cmd, c, every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Minute, "synchronization interval")
	cmd.Flags().DurationVar(&probe, "probe", 10*time.Second, "reachability probe interval")
	return cmd
}

// follow runs Synchronize every interval until ctx is done. Failed passes
// are reported and retried on the next tick.
func follow(ctx context.Context, cmd *cobra.Command, c *horus.Client, every time.Duration) error {
	w := cmd.ErrOrStderr()
	pass := func() {
		out, err := c.Synchronize(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			fmt.Fprintf(w, "sync failed: %v\n", err)
		case !out.Skipped && out.Pushed+out.Pulled > 0:
			fmt.Fprintf(w, "pushed %d, pulled %d\n", out.Pushed, out.Pulled)
		}
	}
	pass()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pass()
		}
	}
}

// dialAddr returns the host:port the probe dials for baseURL.
func dialAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("base url %q: %w", baseURL, types.ErrBaseURLEmpty)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
