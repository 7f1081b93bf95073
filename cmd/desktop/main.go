// Package main runs the desktop sync server. Desktop clients talk to it
// over REST and receive sync events over a WebSocket on localhost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukanx/backend/cmd/desktop/handlers"
	"github.com/dukanx/backend/internal/app"
	"github.com/dukanx/backend/internal/config"
	"github.com/dukanx/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "dukanx-desktop",
		Short:         "Serve the sync engine to the desktop client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("DUKANX_CONFIG"), "config file (YAML)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := app.InitLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	events, unsubscribe := a.Manager.Subscribe(0)
	defer unsubscribe()
	go hub.Forward(events)

	a.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServer(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server starting", map[string]interface{}{"addr": cfg.Server.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logging.Info("Desktop server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// newServer builds the HTTP routes.
func newServer(a *app.App, hub *WSHub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"dukanx-desktop","version":%q}`, Version)
	})

	var exporter handlers.Exporter
	if a.Archiver != nil {
		exporter = a.Archiver
	}
	handlers.NewSyncHandler(a.Manager, a.Scheduler, exporter).Register(mux)
	mux.Handle("GET /ws", HandleWebSocket(hub))
	return mux
}
