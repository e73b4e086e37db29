package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/stagectl/config"
	"github.com/GoCodeAlone/stagectl/controlplane"
	"github.com/GoCodeAlone/stagectl/store"
)

// NewCheckCommand loads a bootstrap catalogue and reports what it declares.
func NewCheckCommand() *cobra.Command {
	var bootstrapPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a bootstrap catalogue",
		Long: `Load a bootstrap catalogue, register its contracts, stages, modules and
fallback policies exactly as serve would, and print the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			boot, err := config.LoadBootstrap(bootstrapPath)
			if err != nil {
				return err
			}
			cfg := &config.Config{Store: config.StoreConfig{Driver: store.DriverMemory}}
			if err := config.ProcessDefaults(cfg); err != nil {
				return err
			}
			cp, err := controlplane.New(commandContext(cmd), cfg, controlplane.WithBootstrap(boot))
			if err != nil {
				return err
			}
			defer cp.Store.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tCONTRACT\tREQUIRED\tFALLBACK ACTION")
			for _, s := range cp.Stages.List() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.ID, s.ContractID, s.Required, cp.Evaluator.Policy(s.ID).Action)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "MODULE\tCONTRACT\tFALLBACK\tAVAILABLE")
			for _, m := range cp.Modules.List() {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", m.ID, m.ContractID, m.IsFallback, m.Available)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s: %d contracts, %d stages, %d modules OK\n",
				bootstrapPath, len(cp.Contracts.List()), cp.Stages.Len(), len(cp.Modules.List()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&bootstrapPath, "bootstrap", "b", "", "Path to the bootstrap catalogue")
	_ = cmd.MarkFlagRequired("bootstrap")
	return cmd
}
