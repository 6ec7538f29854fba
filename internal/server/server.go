// Package server wires the tool server together: it is the
// composition root where the Anthropic client, the vehicle database,
// the data dictionary, and the prompt library are created and injected
// into the six pipeline tools.
package server

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"evquery/internal/config"
	"evquery/internal/dict"
	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
	"evquery/internal/store"
	"evquery/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New builds the MCP server with all tools registered. The returned
// cleanup function releases the database handles and the dictionary
// watcher; it is always non-nil and safe to call.
func New(cfg *config.Config) (*server.MCPServer, func(), error) {
	log := logging.Get(logging.CategoryBoot)

	if cfg.LLM.APIKey == "" {
		return nil, noop, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	llmCfg := llm.DefaultAnthropicConfig(cfg.LLM.APIKey)
	if cfg.LLM.Model != "" {
		llmCfg.Model = cfg.LLM.Model
	}
	if cfg.LLM.BaseURL != "" {
		llmCfg.BaseURL = cfg.LLM.BaseURL
	}
	llmCfg.Timeout = cfg.GetLLMTimeout()
	client := llm.NewAnthropicClientWithConfig(llmCfg)
	log.Info("Anthropic client ready (model %s)", llmCfg.Model)

	db, err := store.NewStore(cfg.Data.DatabasePath)
	if err != nil {
		return nil, noop, fmt.Errorf("opening vehicle database: %w", err)
	}
	log.Info("Vehicle database open at %s", cfg.Data.DatabasePath)

	dictionary := dict.New(cfg.Data.DictionaryPath)
	if err := dictionary.Watch(); err != nil {
		// The dictionary degrades gracefully when absent, and so does
		// its watcher.
		log.Warn("Dictionary watcher unavailable: %v", err)
	}

	prompts, err := loadPrompts(cfg)
	if err != nil {
		db.Close()
		dictionary.Close()
		return nil, noop, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close vehicle database: %v", err)
		}
		if err := dictionary.Close(); err != nil {
			log.Warn("Failed to close dictionary watcher: %v", err)
		}
	}

	s := server.NewMCPServer(
		cfg.Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Answers natural-language questions about the Washington State electric vehicle registration database by generating, validating, and executing SQLite queries."),
	)

	ner := tools.NewEntityExtractionTool(client, dictionary, prompts)
	s.AddTool(ner.Definition(), ner.Handle)

	gen := tools.NewSQLGenerationTool(client, prompts)
	s.AddTool(gen.Definition(), gen.Handle)

	validate := tools.NewSQLValidationTool(client, db, prompts)
	s.AddTool(validate.Definition(), validate.Handle)

	run := tools.NewQueryExecutionTool(db)
	s.AddTool(run.Definition(), run.Handle)

	repair := tools.NewErrorRepairTool(client, prompts)
	s.AddTool(repair.Definition(), repair.Handle)

	answer := tools.NewFinalAnswerTool(client, prompts)
	s.AddTool(answer.Definition(), answer.Handle)

	log.Info("Registered 6 tools")
	return s, cleanup, nil
}

func loadPrompts(cfg *config.Config) (*prompt.Library, error) {
	if cfg.Pipeline.PromptsPath == "" {
		return prompt.NewLibrary(), nil
	}
	lib, err := prompt.NewLibraryWithOverrides(cfg.Pipeline.PromptsPath)
	if err != nil {
		return nil, fmt.Errorf("loading prompt overrides: %w", err)
	}
	return lib, nil
}

// ServeStdio runs the server over stdin/stdout until EOF.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func noop() {}
