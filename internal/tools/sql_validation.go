package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
	"evquery/internal/store"
)

// SQLValidationTool checks a generated query against the live schema
// for syntax errors, hallucinated names, and intent mismatches, and
// returns a corrected version when needed.
type SQLValidationTool struct {
	llm     llm.Client
	store   *store.Store
	prompts *prompt.Library
}

// NewSQLValidationTool creates the SQL validation tool.
func NewSQLValidationTool(client llm.Client, s *store.Store, prompts *prompt.Library) *SQLValidationTool {
	return &SQLValidationTool{llm: client, store: s, prompts: prompts}
}

// Definition describes the tool for MCP registration.
func (t *SQLValidationTool) Definition() mcp.Tool {
	return mcp.NewTool("validator_sql_agent",
		mcp.WithDescription("Validates a generated SQL query for correctness, syntax, and hallucinations against the schema. Returns a corrected/validated version."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The user's natural-language question"),
		),
		mcp.WithObject("ner_dict",
			mcp.Required(),
			mcp.Description("Entity object produced by ner_generator_dynamic"),
		),
		mcp.WithObject("generated_query_dict",
			mcp.Required(),
			mcp.Description("Query object produced by create_sql"),
		),
	)
}

// Handle runs the validation.
func (t *SQLValidationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entities := objectArg(req, "ner_dict")
	candidate := objectArg(req, "generated_query_dict")

	timer := logging.StartTimer(logging.CategoryTools, "validator_sql_agent")
	defer timer.Stop()

	schemaInfo, err := t.store.SchemaDescription(ctx)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in validator_sql_agent: %v", err)), nil
	}

	promptText, err := t.prompts.Render(prompt.StageSQLValidation, prompt.SQLValidationData{
		Question:     question,
		Entities:     indentJSON(entities),
		CandidateSQL: indentJSON(candidate),
		Schema:       schemaInfo,
	})
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in validator_sql_agent: %v", err)), nil
	}

	response, err := t.llm.CompleteWithSystem(ctx, "", promptText)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in validator_sql_agent: %v", err)), nil
	}

	validated, err := llm.ExtractJSONObject(response)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in validator_sql_agent: %v", err)), nil
	}

	return mcp.NewToolResultText(validated), nil
}
