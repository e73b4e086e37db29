package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/stagectl/config"
	"github.com/GoCodeAlone/stagectl/controlplane"
)

// NewServeCommand runs the control plane until interrupted.
func NewServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane HTTP API, the module health prober and, when
bootstrap.watch is set, the bootstrap file watcher. Settings come from the
config file, then STAGECTL_<SECTION>_<FIELD> environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cp, err := controlplane.New(ctx, cfg, controlplane.WithLogger(logger))
			if err != nil {
				return err
			}
			return cp.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file (yaml, toml or json)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
