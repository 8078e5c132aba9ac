// Package cli implements the horus command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/horus/internal/config"
	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/internal/paths"
	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/pkg/horus"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	baseURL   string
	token     string
	logLevel  string
	jsonMode  bool
}

// app carries the flags of one command tree so trees built by tests do not
// share state.
type app struct {
	flags rootFlags
}

// NewRootCmd creates the top-level "horus" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "horus",
		Short: "Offline-first data synchronization client",
		Long: "Horus keeps a local SQLite store in step with a remote authority:\n" +
			"it migrates the local schema, queues local writes and reconciles them.",
		Version:       horus.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: platform data dir)")
	pf.StringVar(&a.flags.baseURL, "base-url", "", "remote base URL")
	pf.StringVar(&a.flags.token, "token", "", "bearer token for the remote")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		a.newVersionCmd(),
		a.newInitCmd(),
		a.newStartCmd(),
		a.newSyncCmd(),
		a.newRunCmd(),
		a.newStatusCmd(),
		a.newValidateCmd(),
		a.newSchemaCmd(),
		a.newActionsCmd(),
		a.newDevRemoteCmd(),
	)
	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "horus:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates caller mistakes from environment failures.
func exitCode(err error) int {
	for _, user := range []error{
		types.ErrInvalidSchema, types.ErrInvalidIdentifier, types.ErrInvalidAttributeType,
		types.ErrUnknownEntity, types.ErrEntityNotWritable, types.ErrInvalidValue,
		types.ErrDataDirEmpty, types.ErrBaseURLEmpty, types.ErrBatchSizeInvalid,
		types.ErrDurationInvalid, types.ErrLogLevelUnknown, types.ErrLogFormatUnknown,
	} {
		if errors.Is(err, user) {
			return exitUserError
		}
	}
	return exitSysError
}

func (a *app) configDir() (string, error) {
	return paths.ResolveConfigDir(a.flags.configDir)
}

// loadConfig merges config.yaml, HORUS_* variables and global flags.
func (a *app) loadConfig() (types.Config, error) {
	dir, err := a.configDir()
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}
	return config.Load(dir, map[string]any{
		config.KeyDataDir:  a.flags.dataDir,
		config.KeyBaseURL:  a.flags.baseURL,
		config.KeyLogLevel: a.flags.logLevel,
	})
}

// logger builds the process logger. Console output goes to the command's
// error stream so JSON output stays clean.
func (a *app) logger(cmd *cobra.Command, cfg types.Config) (*logrus.Logger, io.Closer, error) {
	return logging.NewWithOutput(cfg, cmd.ErrOrStderr())
}

// openStore attaches the local store without contacting the remote. The
// returned function detaches it and closes the log file.
func (a *app) openStore(cmd *cobra.Command) (*sqlite.Backend, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, logCloser, err := a.logger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	b := sqlite.NewBackend(sqlite.WithLogger(log))
	if err := b.Attach(cfg); err != nil {
		logCloser.Close()
		return nil, nil, fmt.Errorf("attach store: %w", err)
	}
	return b, func() {
		if err := b.Detach(); err != nil {
			log.WithError(err).Warn("detaching store")
		}
		logCloser.Close()
	}, nil
}

// openClient builds a client for commands that talk to the remote. The
// returned function closes the client and the log file.
func (a *app) openClient(cmd *cobra.Command, extra ...horus.Option) (*horus.Client, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, logCloser, err := a.logger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := []horus.Option{horus.WithLogger(log)}
	if a.flags.token != "" {
		opts = append(opts, horus.WithBearerToken(a.flags.token))
	}
	opts = append(opts, extra...)
	c, err := horus.New(cfg, opts...)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("closing client")
		}
		logCloser.Close()
	}, nil
}
