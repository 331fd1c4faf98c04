// Package bridge serves open chat sessions and ticket codes over local
// HTTP, so a companion UI on the device can drive the chat core.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/credential"
	"github.com/zulandar/gatherchat/internal/store"
)

// StartOpts holds configuration for the bridge server.
type StartOpts struct {
	Registry   *chat.Registry
	Store      *store.Store
	Credential *credential.Generator // defaults to the five-second window
	Port       int
	Out        io.Writer

	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// Start launches the bridge HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8787
	}

	addr := fmt.Sprintf("127.0.0.1:%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Bridge listening at http://%s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with all bridge routes registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("bridge: store is required")
	}
	if opts.Credential == nil {
		gen, err := credential.NewGenerator(credential.DefaultWindow)
		if err != nil {
			return nil, fmt.Errorf("bridge: %w", err)
		}
		opts.Credential = gen
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handlers{
		registry:  opts.Registry,
		store:     opts.Store,
		gen:       opts.Credential,
		heartbeat: opts.Heartbeat,
	}
	registerRoutes(router, h)
	return router, nil
}
