package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) newListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load the configured extensions and list them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			manager := newManager(nil, newAlerter(cfg.Alerting))
			defer manager.Close()

			if err := manager.LoadConfigured(cfg.Extensions); err != nil {
				return exitWith(err)
			}
			modules := manager.Modules()
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(modules)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tABI\tPATH\tLOADED")
			for _, m := range modules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.ABI, m.Path, m.LoadedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
