package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/stagectl/config"
	"github.com/GoCodeAlone/stagectl/store"
)

// NewHistoryCommand prints stored configuration versions.
func NewHistoryCommand() *cobra.Command {
	var (
		configPath string
		showEvents bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print stored configuration history",
		Long:  `Print every stored configuration version, its status and the active pointer.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := st.Load(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATUS\tCREATED BY\tCREATED\tSELECTIONS\tSUMMARY")
			for _, c := range state.Configurations {
				marker := ""
				if c.Version == state.ActiveVersion {
					marker = " *"
				}
				fmt.Fprintf(tw, "%d%s\t%s\t%s\t%s\t%d\t%s\n", c.Version, marker, c.Status, c.CreatedBy,
					c.CreatedAt.Format(time.RFC3339), len(c.Selections), c.Summary)
			}
			if showEvents {
				fmt.Fprintln(tw)
				fmt.Fprintln(tw, "SEQ\tVERSION\tACTION\tOUTCOME\tACTOR\tAT")
				for _, e := range state.Events {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", e.Sequence, e.ConfigurationVersion, e.Action,
						e.Outcome, e.Actor, e.Timestamp.Format(time.RFC3339))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if state.ActiveVersion == 0 {
				fmt.Fprintln(out, "\nno active configuration")
			} else {
				fmt.Fprintf(out, "\nactive version: %d\n", state.ActiveVersion)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file (yaml, toml or json)")
	cmd.Flags().BoolVar(&showEvents, "events", false, "Also print the change log")
	return cmd
}
