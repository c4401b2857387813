package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status KEY",
		Short: "Show which token holds KEY on each store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := a.cfg.openSetup(a.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			key := args[0]
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for i, st := range s.Manager.Stores() {
				value, found, err := st.Get(cmd.Context(), key)
				switch {
				case err != nil:
					fmt.Fprintf(w, "%s\terror\t%v\n", a.cfg.Redis[i], err)
				case !found:
					fmt.Fprintf(w, "%s\tfree\t\n", a.cfg.Redis[i])
				default:
					fmt.Fprintf(w, "%s\theld\t%s\n", a.cfg.Redis[i], value)
				}
			}
			return w.Flush()
		},
	}
}
