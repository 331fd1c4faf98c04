package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/models"
	"github.com/zulandar/gatherchat/internal/transport"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		userName   string
	)

	cmd := &cobra.Command{
		Use:   "chat <event-id>",
		Short: "Join an event's live chat",
		Long: `Opens the chat for an event: prints local history, connects to the broker,
and sends each line typed on stdin. Messages typed while offline are queued
and sent when the connection comes back. Type /quit or press Ctrl-D to leave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, args[0], userID, userName)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().StringVar(&userID, "user", "", "chat as this user id (default user.id)")
	cmd.Flags().StringVar(&userName, "name", "", "display name (default user.name)")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, eventID, userID, userName string) error {
	cfg, st, err := openFromConfig(configPath)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = cfg.User.ID
	}
	if userName == "" {
		userName = cfg.User.Name
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := sessionOpener(cfg, st)(ctx, eventID, userID, userName)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	p := newPrinter(out, userID)
	p.print(s.Snapshot())

	updates, unsubscribe := s.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for u := range updates {
			p.print(u)
		}
	}()

	interactive := false
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	err = readLines(ctx, cmd.InOrStdin(), out, interactive, func(line string) error {
		_, err := s.Send(ctx, line)
		if errors.Is(err, chat.ErrEmptyMessage) {
			return nil
		}
		return err
	})

	// Flush snapshots already queued before leaving.
	unsubscribe()
	<-printed
	return err
}

// readLines feeds stdin lines to send until EOF, /quit or ctx ends.
func readLines(ctx context.Context, in io.Reader, out io.Writer, prompt bool, send func(string) error) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := send(line); err != nil {
				return err
			}
		}
	}
}

// printer writes each message once, plus connection state changes.
type printer struct {
	out    io.Writer
	userID string

	mu      sync.Mutex
	printed map[string]bool
	offline map[string]bool
	state   transport.State
	started bool
}

func newPrinter(out io.Writer, userID string) *printer {
	return &printer{out: out, userID: userID, printed: make(map[string]bool), offline: make(map[string]bool)}
}

func (p *printer) print(u chat.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || u.State != p.state {
		p.started = true
		p.state = u.State
		fmt.Fprintf(p.out, "-- %s (%s)\n", u.EventID, u.State)
	}
	for _, m := range u.Messages {
		switch {
		case !p.printed[m.ID]:
			p.printed[m.ID] = true
			p.offline[m.ID] = m.IsOffline
			fmt.Fprintln(p.out, formatMessage(m, p.userID))
		case p.offline[m.ID] && !m.IsOffline:
			p.offline[m.ID] = false
			fmt.Fprintf(p.out, "-- sent %s\n", m.ID)
		}
	}
}

func formatMessage(m models.ChatMessage, self string) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	if m.SenderID == self {
		name += " (you)"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Time().Format("15:04:05"), name, m.Text)
	if m.IsOffline {
		line += "  (queued)"
	}
	return line
}
