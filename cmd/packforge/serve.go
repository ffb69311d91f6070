package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"packforge/internal/ingest"
	"packforge/internal/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SSE server",
	Long: `Starts the HTTP/SSE transport binding. Clients open a session with
GET /events, receive the message endpoint in the handshake, and submit
operations with POST /message?session=<id>. Responses stream back over
the event channel; sessions idle past the TTL are reaped.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.table.StartReaper(cfg.GetReapInterval())

	server := protocol.NewSSEServer(cfg.Server.Addr, a.table, a.resolver, cfg.Server.AllowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Ingest.Enabled {
		watcher, err := ingest.New(a.pipeline, cfg.Ingest.Dir, cfg.Ingest.UserID)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("ingest watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("packforge serving", zap.String("addr", cfg.Server.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
