package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newOutboxCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List messages waiting to be published",
		Long:  "Lists messages sent while offline that have not reached the broker yet. They are published the next time a chat for their event connects.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			entries, err := st.PendingAll(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Outbox is empty")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tEVENT\tATTEMPTS\tQUEUED\tLAST ERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					e.MessageID, e.EventID, e.Attempts,
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.LastError)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	return cmd
}
