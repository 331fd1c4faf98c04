package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/gatherchat/internal/bridge"
	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/credential"
	"github.com/zulandar/gatherchat/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP bridge",
		Long:  "Serves chat sessions and ticket codes over HTTP on localhost, with server-sent events for live updates. Also runs the history janitor when store.retention_days is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default bridge.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, st, err := openFromConfig(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Bridge.Port
	}
	gen, err := credential.NewGenerator(cfg.Credential.Window())
	if err != nil {
		return err
	}
	janitor, err := store.NewJanitor(store.JanitorOpts{
		Store:     st,
		Retention: cfg.Store.Retention(),
		Schedule:  cfg.Store.PruneCron,
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	registry := chat.NewRegistry(sessionOpener(cfg, st))
	defer func() {
		if err := registry.CloseAll(); err != nil {
			log.Printf("serve: close sessions: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if janitor.Enabled() {
		go janitor.Run(ctx)
		log.Printf("serve: pruning history older than %v on %q", cfg.Store.Retention(), cfg.Store.PruneCron)
	}

	return bridge.Start(ctx, bridge.StartOpts{
		Registry:   registry,
		Store:      st,
		Credential: gen,
		Port:       port,
		Out:        cmd.OutOrStdout(),
	})
}
