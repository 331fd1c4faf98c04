package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history [event-id]",
		Short: "Show locally stored chat history",
		Long:  "Prints the messages stored on this device for an event, oldest first. Without an event id, lists events with stored history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				counts, err := st.Events(cmd.Context())
				if err != nil {
					return err
				}
				if len(counts) == 0 {
					fmt.Fprintln(out, "No stored chat history")
					return nil
				}
				events := make([]string, 0, len(counts))
				for e := range counts {
					events = append(events, e)
				}
				sort.Strings(events)
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "EVENT\tMESSAGES")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%d\n", e, counts[e])
				}
				w.Flush()
				return nil
			}

			msgs, err := st.ByEvent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No stored messages for %s\n", args[0])
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintln(out, formatMessage(m, cfg.User.ID))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n messages")
	return cmd
}
