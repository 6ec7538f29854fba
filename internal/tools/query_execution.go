package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"evquery/internal/logging"
	"evquery/internal/store"
)

// QueryExecutionTool runs a validated query against the vehicle
// database. It is the only tool in the pipeline that does not call the
// model.
type QueryExecutionTool struct {
	store *store.Store
}

// NewQueryExecutionTool creates the query execution tool.
func NewQueryExecutionTool(s *store.Store) *QueryExecutionTool {
	return &QueryExecutionTool{store: s}
}

// Definition describes the tool for MCP registration.
func (t *QueryExecutionTool) Definition() mcp.Tool {
	return mcp.NewTool("run_sqlite_query",
		mcp.WithDescription("Executes a SQL query and returns the data. Only single read-only SELECT statements are accepted."),
		mcp.WithObject("sql_dict",
			mcp.Required(),
			mcp.Description(`Query object of the form {"sql_query": "SELECT ..."}`),
		),
	)
}

// executionResult is the tool's output contract. Data is always
// present, empty on failure, so the client can unmarshal one shape.
type executionResult struct {
	Error string                   `json:"error,omitempty"`
	Data  []map[string]interface{} `json:"data"`
}

// Handle executes the query.
func (t *QueryExecutionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sqlDict := objectArg(req, "sql_dict")

	sqlQuery, _ := sqlDict["sql_query"].(string)
	if sqlQuery == "" {
		return jsonText(executionResult{
			Error: "No SQL query provided.",
			Data:  []map[string]interface{}{},
		}), nil
	}

	timer := logging.StartTimer(logging.CategoryTools, "run_sqlite_query")
	defer timer.Stop()

	logging.Get(logging.CategoryTools).Debug("Executing: %s", sqlQuery)

	_, rows, err := t.store.Query(ctx, sqlQuery)
	if err != nil {
		// The error text goes straight into the repair prompt; keep the
		// database's own wording.
		return jsonText(executionResult{
			Error: fmt.Sprintf("Database query failed: %v", err),
			Data:  []map[string]interface{}{},
		}), nil
	}

	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return jsonText(executionResult{Data: rows}), nil
}
