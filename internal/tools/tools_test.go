package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evquery/internal/dict"
	"evquery/internal/prompt"
	"evquery/internal/store"
)

// fakeLLM returns scripted responses in order and records the prompts
// it was given.
type fakeLLM struct {
	responses []string
	err       error
	calls     int
	prompts   []string
	limits    []int
}

func (f *fakeLLM) Complete(ctx context.Context, p string) (string, error) {
	return f.CompleteWithLimit(ctx, "", p, 0)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, sys, p string) (string, error) {
	return f.CompleteWithLimit(ctx, sys, p, 0)
}

func (f *fakeLLM) CompleteWithLimit(_ context.Context, _, p string, maxTokens int) (string, error) {
	f.prompts = append(f.prompts, p)
	f.limits = append(f.limits, maxTokens)
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return "", errors.New("fakeLLM: no scripted response left")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func newRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

func newTestDict(t *testing.T) *dict.Dictionary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data_dictionary.csv")
	csv := "Column Header,Business Header,Definition,Example\nMake,Vehicle Make,The manufacturer,TESLA\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0644))
	return dict.New(path)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ev.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE King (Make TEXT, Model TEXT, "Electric Range" INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO King VALUES ('TESLA', 'MODEL 3', 272), ('NISSAN', 'LEAF', 150)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityExtraction(t *testing.T) {
	client := &fakeLLM{responses: []string{
		`Sure! {"table": "King", "columns_to_select": ["Make"], "filters": {}}`,
	}}
	tool := NewEntityExtractionTool(client, newTestDict(t), prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("ner_generator_dynamic",
		map[string]interface{}{"question": "Which makes are in King county?"}))
	require.NoError(t, err)

	out := resultText(t, res)
	assert.JSONEq(t, `{"table": "King", "columns_to_select": ["Make"], "filters": {}}`, out)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Column 'Make'")
	assert.Contains(t, client.prompts[0], `"Which makes are in King county?"`)
}

func TestEntityExtractionMissingQuestion(t *testing.T) {
	tool := NewEntityExtractionTool(&fakeLLM{}, newTestDict(t), prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("ner_generator_dynamic", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestEntityExtractionLLMFailure(t *testing.T) {
	tool := NewEntityExtractionTool(&fakeLLM{err: errors.New("boom")},
		newTestDict(t), prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("ner_generator_dynamic",
		map[string]interface{}{"question": "q"}))
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &payload))
	assert.Contains(t, payload["error"], "boom")
}

func TestSQLGenerationWrapsRawSQL(t *testing.T) {
	client := &fakeLLM{responses: []string{"SELECT COUNT(*) FROM King"}}
	tool := NewSQLGenerationTool(client, prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("create_sql", map[string]interface{}{
		"question": "How many vehicles?",
		"ner_dict": map[string]interface{}{"table": "King"},
	}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"sql_query": "SELECT COUNT(*) FROM King"}`, resultText(t, res))
	assert.Contains(t, client.prompts[0], `"table": "King"`)
}

func TestSQLGenerationStripsFences(t *testing.T) {
	client := &fakeLLM{responses: []string{"```sql\nSELECT 1\n```"}}
	tool := NewSQLGenerationTool(client, prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("create_sql", map[string]interface{}{
		"question": "q",
		"ner_dict": map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"sql_query": "SELECT 1"}`, resultText(t, res))
}

func TestSQLValidationIncludesSchema(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"sql_query": "SELECT Make FROM King"}`}}
	tool := NewSQLValidationTool(client, newTestStore(t), prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("validator_sql_agent", map[string]interface{}{
		"question":             "Which makes?",
		"ner_dict":             map[string]interface{}{"table": "King"},
		"generated_query_dict": map[string]interface{}{"sql_query": "SELECT Mak FROM King"},
	}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"sql_query": "SELECT Make FROM King"}`, resultText(t, res))
	assert.Contains(t, client.prompts[0], "Table: King")
	assert.Contains(t, client.prompts[0], "SELECT Mak FROM King")
}

func TestQueryExecutionSuccess(t *testing.T) {
	tool := NewQueryExecutionTool(newTestStore(t))

	res, err := tool.Handle(context.Background(), newRequest("run_sqlite_query", map[string]interface{}{
		"sql_dict": map[string]interface{}{"sql_query": "SELECT Make FROM King ORDER BY Make"},
	}))
	require.NoError(t, err)

	var out struct {
		Error string                   `json:"error"`
		Data  []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Empty(t, out.Error)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "NISSAN", out.Data[0]["Make"])
}

func TestQueryExecutionDatabaseError(t *testing.T) {
	tool := NewQueryExecutionTool(newTestStore(t))

	res, err := tool.Handle(context.Background(), newRequest("run_sqlite_query", map[string]interface{}{
		"sql_dict": map[string]interface{}{"sql_query": "SELECT Nope FROM King"},
	}))
	require.NoError(t, err)

	var out struct {
		Error string                   `json:"error"`
		Data  []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Contains(t, out.Error, "Database query failed")
	assert.Contains(t, out.Error, "no such column")
	assert.NotNil(t, out.Data)
	assert.Empty(t, out.Data)
}

func TestQueryExecutionRejectsWrites(t *testing.T) {
	tool := NewQueryExecutionTool(newTestStore(t))

	res, err := tool.Handle(context.Background(), newRequest("run_sqlite_query", map[string]interface{}{
		"sql_dict": map[string]interface{}{"sql_query": "DROP TABLE King"},
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "only SELECT queries are allowed")
}

func TestQueryExecutionMissingSQL(t *testing.T) {
	tool := NewQueryExecutionTool(newTestStore(t))

	res, err := tool.Handle(context.Background(), newRequest("run_sqlite_query", map[string]interface{}{
		"sql_dict": map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "No SQL query provided.")
}

func TestErrorRepair(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"sql_query": "SELECT * FROM King"}`}}
	tool := NewErrorRepairTool(client, prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("handle_error_agent", map[string]interface{}{
		"failed_sql_query_dict": map[string]interface{}{"sql_query": "SELECT * FROM Kings"},
		"error_message":         "no such table: Kings",
	}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"sql_query": "SELECT * FROM King"}`, resultText(t, res))
	assert.Contains(t, client.prompts[0], "SELECT * FROM Kings")
	assert.Contains(t, client.prompts[0], "no such table: Kings")
}

func TestErrorRepairWithoutFailedQuery(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"sql_query": "SELECT 1"}`}}
	tool := NewErrorRepairTool(client, prompt.NewLibrary())

	_, err := tool.Handle(context.Background(), newRequest("handle_error_agent", map[string]interface{}{
		"failed_sql_query_dict": map[string]interface{}{},
		"error_message":         "syntax error",
	}))
	require.NoError(t, err)
	assert.Contains(t, client.prompts[0], "Query not provided")
}

func TestFinalAnswerReturnsPlainText(t *testing.T) {
	client := &fakeLLM{responses: []string{"There are 2 vehicles registered in King county."}}
	tool := NewFinalAnswerTool(client, prompt.NewLibrary())

	res, err := tool.Handle(context.Background(), newRequest("generate_final_answer", map[string]interface{}{
		"question":          "How many vehicles?",
		"query_result_dict": map[string]interface{}{"data": []interface{}{map[string]interface{}{"n": 2}}},
	}))
	require.NoError(t, err)

	assert.Equal(t, "There are 2 vehicles registered in King county.", resultText(t, res))
	require.Len(t, client.limits, 1)
	assert.Equal(t, answerTokenBudget, client.limits[0])
}
