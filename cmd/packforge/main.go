// packforge turns AI-assistant conversation exports into context packs:
// uploads are extracted and chunked for free, then a credit-gated
// analysis stage summarizes every chunk and assembles a topic tree.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"packforge/internal/config"
	"packforge/internal/logging"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "packforge",
	Short: "packforge - context packs from conversation exports",
	Long: `packforge ingests AI-assistant conversation exports and produces
context packs: chunked, analyzed, topic-indexed snapshots of long
conversations that agents can load instead of raw history.

Extraction and chunking are free; per-chunk analysis costs credits and
only runs after an explicit confirmation. The same operations are served
over two transports: an SSE endpoint for remote clients and a stdio
binding for running as an agent subprocess.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the packforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("packforge", config.DefaultConfig().Version)
	},
}

func main() {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "packforge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and wires the category logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logOpts := logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}
	if err := logging.Initialize(cfg.Storage.DataDir, logOpts); err != nil {
		return nil, err
	}
	return cfg, nil
}
