package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/gatherchat/internal/credential"
	"github.com/zulandar/gatherchat/internal/models"
)

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Ticket wallet and rotating entry codes",
	}

	cmd.AddCommand(newTicketAddCmd())
	cmd.AddCommand(newTicketListCmd())
	cmd.AddCommand(newTicketCodeCmd())
	cmd.AddCommand(newTicketVerifyCmd())
	return cmd
}

func newTicketAddCmd() *cobra.Command {
	var (
		configPath string
		id         string
		eventID    string
		owner      string
		secret     string
		seat       string
		price      int64
		status     string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a ticket on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			if owner == "" {
				owner = cfg.User.ID
			}
			t := models.Ticket{
				ID:              id,
				EventID:         eventID,
				OwnerID:         owner,
				Status:          status,
				ValidationToken: secret,
				PurchaseDate:    time.Now().UTC(),
				Price:           price,
				Seat:            seat,
			}
			if err := st.PutTicket(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored ticket %s for event %s\n", id, eventID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().StringVar(&id, "id", "", "ticket ID (required)")
	cmd.Flags().StringVar(&eventID, "event", "", "event ID (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user ID (default user.id)")
	cmd.Flags().StringVar(&secret, "secret", "", "validation token the entry code derives from (required)")
	cmd.Flags().StringVar(&seat, "seat", "", "seat label")
	cmd.Flags().Int64Var(&price, "price", 0, "price in cents")
	cmd.Flags().StringVar(&status, "status", models.TicketValid, "ticket status (VALID, USED, USED_LOCAL, RESALE_PENDING)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("event")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func newTicketListCmd() *cobra.Command {
	var (
		configPath string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			tickets, err := st.ListTickets(cmd.Context(), owner)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tickets) == 0 {
				fmt.Fprintln(out, "No tickets stored")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT\tOWNER\tSTATUS\tSEAT\tPRICE\tPURCHASED")
			for _, t := range tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.EventID, t.OwnerID, t.Status, t.Seat, formatCents(t.Price),
					t.PurchaseDate.Local().Format("2006-01-02"))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().StringVar(&owner, "owner", "", "only tickets owned by this user")
	return cmd
}

func newTicketCodeCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "code <ticket-id>",
		Short: "Show the rotating entry code for a ticket",
		Long:  "Prints the current entry code and the seconds left in its window. With --watch, prints a new code at every window boundary until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			t, err := st.GetTicket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t.Status != models.TicketValid {
				return fmt.Errorf("ticket %s is %s", t.ID, t.Status)
			}
			gen, err := credential.NewGenerator(cfg.Credential.Window())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !watch {
				now := time.Now()
				fmt.Fprintf(out, "%s  (%ds left)\n", gen.Code(t.ID, t.ValidationToken, now), gen.TimeLeft(now))
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for tick := range gen.Watch(ctx, t.ID, t.ValidationToken, nil) {
				fmt.Fprintf(out, "%s  (%ds left)\n", tick.Code, tick.TimeLeft)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing codes as they rotate")
	return cmd
}

func newTicketVerifyCmd() *cobra.Command {
	var (
		configPath string
		markUsed   bool
	)

	cmd := &cobra.Command{
		Use:   "verify <ticket-id> <code>",
		Short: "Check an entry code against a stored ticket",
		Long:  "Verifies a scanned code offline, allowing credential.verify_skew windows of clock drift. With --use, a valid ticket is marked USED_LOCAL.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			t, err := st.GetTicket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			gen, err := credential.NewGenerator(cfg.Credential.Window())
			if err != nil {
				return err
			}
			if !gen.Verify(args[1], t.ID, t.ValidationToken, time.Now(), cfg.Credential.VerifySkew) {
				return fmt.Errorf("code does not match ticket %s", t.ID)
			}
			out := cmd.OutOrStdout()
			if !markUsed {
				fmt.Fprintf(out, "Code valid for ticket %s (%s)\n", t.ID, t.Status)
				return nil
			}
			if err := st.MarkTicketUsedLocal(cmd.Context(), t.ID); err != nil {
				return err
			}
			fmt.Fprintf(out, "Code valid; ticket %s marked %s\n", t.ID, models.TicketUsedLocal)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().BoolVar(&markUsed, "use", false, "mark the ticket used on success")
	return cmd
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
