// evquery is the client: it launches the tool server as a subprocess,
// drives the question-answering pipeline over MCP, and renders the
// answers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"evquery/internal/config"
	"evquery/internal/logging"
	"evquery/internal/pipeline"
	"evquery/internal/protocol"
	"evquery/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	serverCmd  string
	askTimeout time.Duration
	verbose    bool
	plainMode  bool
	noHistory  bool

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "evquery",
	Short: "Ask natural-language questions about the electric vehicle database",
	Long: `evquery answers questions about the Washington State electric
vehicle registration database. It spawns evquery-server as a
subprocess, then walks each question through entity extraction, SQL
generation, validation, execution with automatic error repair, and
final answer synthesis.

Run without arguments for an interactive session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		zapCfg.OutputPaths = []string{"stderr"}
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		if logger, err = zapCfg.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		if err := logging.Initialize(logging.Options{
			Dir:       cfg.Logging.Dir,
			Level:     cfg.Logging.Level,
			DebugMode: verbose || cfg.Logging.DebugMode,
		}); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		return withSession(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			return askOnce(ctx, p, question)
		})
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the server exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer transport.Close()

		tools, err := transport.ListTools(cmd.Context())
		if err != nil {
			return err
		}
		renderToolList(os.Stdout, transport.ServerInfo(), tools)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past runs, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := store.NewHistoryStore(cfg.Data.HistoryPath)
		if err != nil {
			return err
		}
		defer h.Close()

		if len(args) == 1 {
			run, err := h.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no run with ID %s", args[0])
			}
			renderRunDetail(os.Stdout, run)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := h.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		renderRunList(os.Stdout, runs)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evquery %s\n", Version)
	},
}

// connect spawns the server subprocess and completes the handshake.
func connect(ctx context.Context) (*protocol.StdioTransport, error) {
	parts := strings.Fields(serverCmd)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty --server command")
	}
	args := parts[1:]
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	transport := protocol.NewStdioTransport(parts[0], args...)
	transport.SetClientVersion(Version)
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", parts[0], err)
	}
	return transport, nil
}

// withSession connects, builds the pipeline, runs fn, and tears down.
func withSession(ctx context.Context, fn func(context.Context, *pipeline.Pipeline) error) error {
	transport, err := connect(ctx)
	if err != nil {
		return err
	}
	defer transport.Close()

	var history *store.HistoryStore
	if !noHistory {
		history, err = store.NewHistoryStore(cfg.Data.HistoryPath)
		if err != nil {
			logger.Warn("run history disabled", zap.Error(err))
		} else {
			defer history.Close()
		}
	}

	p := pipeline.New(transport, history, cfg.Pipeline.MaxAttempts)
	return fn(ctx, p)
}

func askOnce(ctx context.Context, p *pipeline.Pipeline, question string) error {
	if askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, askTimeout)
		defer cancel()
	}

	printStatus("Thinking...")
	res, err := p.Ask(ctx, question)
	if err != nil {
		return err
	}
	renderResult(os.Stdout, question, res)
	return nil
}

func runInteractive(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withSession(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
		printBanner()

		scanner := bufio.NewScanner(os.Stdin)
		for {
			printPrompt()
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				continue
			case line == "exit" || line == "quit":
				return nil
			}

			if err := askOnce(ctx, p, line); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				printError(err)
			}
		}
	})
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to evquery.yaml (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&serverCmd, "server", "evquery-server", "command used to launch the tool server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&askTimeout, "timeout", 5*time.Minute, "per-question timeout")
	rootCmd.PersistentFlags().BoolVar(&plainMode, "plain", false, "disable styled output")
	rootCmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "do not record runs in the history database")

	historyCmd.Flags().Int("limit", 20, "number of runs to list")

	rootCmd.AddCommand(askCmd, toolsCmd, historyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
