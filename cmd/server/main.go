// Command memtiers-server runs the tri-store agent memory backend as an
// MCP server over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kittclouds/memtiers/internal/config"
	"github.com/kittclouds/memtiers/internal/engine"
	"github.com/kittclouds/memtiers/internal/orchestrator"
)

var (
	configPath string
	dataRoot   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "memtiers-server",
	Short: "MCP server exposing the symbolic, episodic, and semantic memory tiers",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server over stdio",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "override the configured data root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memtiers-server: %v\n", err)
		os.Exit(1)
	}
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	// MCP stdio reserves stdout for protocol frames; logs go to stderr.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dataRoot != "" {
		cfg.DataRoot = dataRoot
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer eng.Close()

	orch, err := orchestrator.New(eng)
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}

	srv := newMCPServer(orch, logger)
	logger.Info("starting memtiers MCP server", zap.String("data_root", cfg.DataRoot))
	return serveStdio(srv)
}
