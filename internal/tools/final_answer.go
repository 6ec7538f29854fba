package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
)

// answerTokenBudget is larger than the other stages: the final answer
// may summarize a sizeable result set in prose.
const answerTokenBudget = 2048

// FinalAnswerTool turns query results back into a human-readable
// answer. Unlike the other LLM tools it returns plain text, not JSON.
type FinalAnswerTool struct {
	llm     llm.Client
	prompts *prompt.Library
}

// NewFinalAnswerTool creates the final answer tool.
func NewFinalAnswerTool(client llm.Client, prompts *prompt.Library) *FinalAnswerTool {
	return &FinalAnswerTool{llm: client, prompts: prompts}
}

// Definition describes the tool for MCP registration.
func (t *FinalAnswerTool) Definition() mcp.Tool {
	return mcp.NewTool("generate_final_answer",
		mcp.WithDescription("Takes the database results and generates a human-readable answer."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The user's natural-language question"),
		),
		mcp.WithObject("query_result_dict",
			mcp.Required(),
			mcp.Description(`Result object from run_sqlite_query, {"data": [...]}`),
		),
	)
}

// Handle generates the answer.
func (t *FinalAnswerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result := objectArg(req, "query_result_dict")

	timer := logging.StartTimer(logging.CategoryTools, "generate_final_answer")
	defer timer.Stop()

	promptText, err := t.prompts.Render(prompt.StageFinalAnswer, prompt.FinalAnswerData{
		Question: question,
		Data:     indentJSON(result),
	})
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Error formulating final answer: %v", err)), nil
	}

	answer, err := t.llm.CompleteWithLimit(ctx, "", promptText, answerTokenBudget)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Error formulating final answer: %v", err)), nil
	}

	return mcp.NewToolResultText(answer), nil
}
