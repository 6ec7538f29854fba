package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/dict"
	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
)

// EntityExtractionTool analyzes a question and extracts the table,
// columns, and filters needed to form a query, using the data
// dictionary for context.
type EntityExtractionTool struct {
	llm     llm.Client
	dict    *dict.Dictionary
	prompts *prompt.Library
}

// NewEntityExtractionTool creates the entity extraction tool.
func NewEntityExtractionTool(client llm.Client, d *dict.Dictionary, prompts *prompt.Library) *EntityExtractionTool {
	return &EntityExtractionTool{llm: client, dict: d, prompts: prompts}
}

// Definition describes the tool for MCP registration.
func (t *EntityExtractionTool) Definition() mcp.Tool {
	return mcp.NewTool("ner_generator_dynamic",
		mcp.WithDescription("Analyzes a question to extract key entities (tables, columns, filters) needed to form a database query. Uses a data dictionary for context."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The user's natural-language question"),
		),
	)
}

// Handle runs the extraction.
func (t *EntityExtractionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	timer := logging.StartTimer(logging.CategoryTools, "ner_generator_dynamic")
	defer timer.Stop()

	promptText, err := t.prompts.Render(prompt.StageEntityExtraction, prompt.EntityExtractionData{
		DataDictionary: t.dict.Description(),
		Question:       question,
	})
	if err != nil {
		return errorPayload(fmt.Sprintf("Error in ner_generator_dynamic: %v", err)), nil
	}

	response, err := t.llm.CompleteWithSystem(ctx, "", promptText)
	if err != nil {
		return errorPayload(fmt.Sprintf("Error in ner_generator_dynamic: %v", err)), nil
	}

	entityJSON, err := llm.ExtractJSONObject(response)
	if err != nil {
		return errorPayload(fmt.Sprintf("Error in ner_generator_dynamic: %v", err)), nil
	}

	return mcp.NewToolResultText(entityJSON), nil
}
