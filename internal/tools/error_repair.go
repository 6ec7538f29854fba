package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
)

// ErrorRepairTool attempts to fix a failed SQL query based on the
// specific error message the database produced. The tool is stateless;
// the client owns the retry budget.
type ErrorRepairTool struct {
	llm     llm.Client
	prompts *prompt.Library
}

// NewErrorRepairTool creates the error repair tool.
func NewErrorRepairTool(client llm.Client, prompts *prompt.Library) *ErrorRepairTool {
	return &ErrorRepairTool{llm: client, prompts: prompts}
}

// Definition describes the tool for MCP registration.
func (t *ErrorRepairTool) Definition() mcp.Tool {
	return mcp.NewTool("handle_error_agent",
		mcp.WithDescription("Attempts to fix a failed SQL query based on the specific error message from the database."),
		mcp.WithObject("failed_sql_query_dict",
			mcp.Required(),
			mcp.Description(`The failing query object, {"sql_query": "..."}`),
		),
		mcp.WithString("error_message",
			mcp.Required(),
			mcp.Description("The database error message the query produced"),
		),
	)
}

// Handle runs the repair.
func (t *ErrorRepairTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	errorMessage, err := req.RequireString("error_message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	failedDict := objectArg(req, "failed_sql_query_dict")
	failedSQL, _ := failedDict["sql_query"].(string)
	if failedSQL == "" {
		failedSQL = "Query not provided"
	}

	timer := logging.StartTimer(logging.CategoryTools, "handle_error_agent")
	defer timer.Stop()

	logging.Get(logging.CategoryTools).Info("Repairing query after error: %s", errorMessage)

	promptText, err := t.prompts.Render(prompt.StageErrorRepair, prompt.ErrorRepairData{
		FailedSQL:    failedSQL,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in handle_error_agent: %v", err)), nil
	}

	response, err := t.llm.CompleteWithSystem(ctx, "", promptText)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in handle_error_agent: %v", err)), nil
	}

	repaired, err := llm.ExtractJSONObject(response)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in handle_error_agent: %v", err)), nil
	}

	return mcp.NewToolResultText(repaired), nil
}
