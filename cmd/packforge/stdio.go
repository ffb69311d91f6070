package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"packforge/internal/protocol"
)

var stdioUser string

var stdioCmd = &cobra.Command{
	Use:   "serve-stdio",
	Short: "Serve the protocol over stdin/stdout",
	Long: `Runs packforge as a subprocess transport: one request per line on
stdin, one response per line on stdout. The whole stream is a single
implicit session owned by one user, resolved from --user or from the
API key in PACKFORGE_API_KEY.`,
	RunE: runStdio,
}

func init() {
	stdioCmd.Flags().StringVar(&stdioUser, "user", "", "user id owning the session")
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	userID := stdioUser
	if userID == "" && cfg.Server.StdioAPIKey != "" {
		userID, err = a.resolver.Resolve(cmd.Context(), cfg.Server.StdioAPIKey)
		if err != nil {
			return fmt.Errorf("cannot resolve stdio API key: %w", err)
		}
	}
	if userID == "" {
		return fmt.Errorf("stdio transport needs --user or PACKFORGE_API_KEY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	transport := protocol.NewStdioTransport(a.table, userID)
	return transport.Run(ctx, os.Stdin, os.Stdout)
}
