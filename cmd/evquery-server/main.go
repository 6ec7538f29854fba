// evquery-server exposes the question-answering tools over MCP on
// stdin/stdout. Everything else (zap, the category logs) goes to
// stderr or files so the protocol stream stays clean.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evquery/internal/config"
	"evquery/internal/logging"
	"evquery/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	dbPath     string
	dictPath   string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "evquery-server",
	Short: "MCP tool server for querying the electric vehicle database",
	Long: `evquery-server hosts the six tools of the question-answering
pipeline: entity extraction, SQL generation, validation, execution,
error repair, and final answer synthesis. It speaks MCP over
stdin/stdout and is normally launched as a subprocess by the evquery
client rather than run by hand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		zapCfg.OutputPaths = []string{"stderr"}
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
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
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evquery-server %s\n", Version)
	},
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if dbPath != "" {
		cfg.Data.DatabasePath = dbPath
	}
	if dictPath != "" {
		cfg.Data.DictionaryPath = dictPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(logging.Options{
		Dir:       cfg.Logging.Dir,
		Level:     cfg.Logging.Level,
		DebugMode: verbose || cfg.Logging.DebugMode,
	}); err != nil {
		logger.Warn("category logging unavailable", zap.Error(err))
	}
	defer logging.Close()

	server.Version = Version
	s, cleanup, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("serving MCP on stdio",
		zap.String("version", Version),
		zap.String("database", cfg.Data.DatabasePath),
		zap.String("model", cfg.LLM.Model))

	// Blocks until stdin closes.
	if err := server.ServeStdio(s); err != nil {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shut down")
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to evquery.yaml (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the vehicle database path")
	rootCmd.PersistentFlags().StringVar(&dictPath, "dict", "", "override the data dictionary path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
