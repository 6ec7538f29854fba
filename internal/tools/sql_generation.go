package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/llm"
	"evquery/internal/logging"
	"evquery/internal/prompt"
)

// SQLGenerationTool turns a question plus extracted entities into a
// SQLite query. The model emits raw SQL text; this tool owns wrapping
// it into the {"sql_query": ...} shape so downstream stages never
// depend on the model producing valid JSON.
type SQLGenerationTool struct {
	llm     llm.Client
	prompts *prompt.Library
}

// NewSQLGenerationTool creates the SQL generation tool.
func NewSQLGenerationTool(client llm.Client, prompts *prompt.Library) *SQLGenerationTool {
	return &SQLGenerationTool{llm: client, prompts: prompts}
}

// Definition describes the tool for MCP registration.
func (t *SQLGenerationTool) Definition() mcp.Tool {
	return mcp.NewTool("create_sql",
		mcp.WithDescription("Creates a full SQLite query by combining the user's question and the extracted entities from the ner_generator_dynamic tool."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The user's natural-language question"),
		),
		mcp.WithObject("ner_dict",
			mcp.Required(),
			mcp.Description("Entity object produced by ner_generator_dynamic"),
		),
	)
}

// Handle runs the generation.
func (t *SQLGenerationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entities := objectArg(req, "ner_dict")

	timer := logging.StartTimer(logging.CategoryTools, "create_sql")
	defer timer.Stop()

	promptText, err := t.prompts.Render(prompt.StageSQLGeneration, prompt.SQLGenerationData{
		Question: question,
		Entities: indentJSON(entities),
	})
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in create_sql: %v", err)), nil
	}

	rawSQL, err := t.llm.CompleteWithSystem(ctx, "", promptText)
	if err != nil {
		return errorPayload(fmt.Sprintf("LLM Error in create_sql: %v", err)), nil
	}

	return jsonText(map[string]string{"sql_query": stripSQLFences(rawSQL)}), nil
}

// stripSQLFences removes a markdown code fence if the model added one
// despite being told not to.
func stripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```sql")
	s = strings.TrimPrefix(s, "```sqlite")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
