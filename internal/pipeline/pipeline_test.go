package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evquery/internal/protocol"
	"evquery/internal/store"
)

// call is one recorded tool invocation.
type call struct {
	name string
	args map[string]interface{}
}

// scriptedCaller returns queued responses per tool name and records
// every invocation in order.
type scriptedCaller struct {
	responses map[string][]string
	errs      map[string]error
	calls     []call
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{
		responses: make(map[string][]string),
		errs:      make(map[string]error),
	}
}

func (s *scriptedCaller) on(name string, texts ...string) {
	s.responses[name] = append(s.responses[name], texts...)
}

func (s *scriptedCaller) CallTool(_ context.Context, name string, args map[string]interface{}) (*protocol.ToolResult, error) {
	s.calls = append(s.calls, call{name: name, args: args})
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	queue := s.responses[name]
	if len(queue) == 0 {
		return nil, fmt.Errorf("scriptedCaller: no response queued for %s", name)
	}
	text := queue[0]
	s.responses[name] = queue[1:]
	return &protocol.ToolResult{
		Content: []protocol.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func (s *scriptedCaller) callNames() []string {
	names := make([]string, len(s.calls))
	for i, c := range s.calls {
		names[i] = c.name
	}
	return names
}

const (
	entityJSON    = `{"table":"King","columns_to_select":["Make"],"filters":{}}`
	candidateJSON = `{"sql_query":"SELECT COUNT(*) FROM Kings"}`
	validJSON     = `{"sql_query":"SELECT COUNT(*) FROM King"}`
)

func newTestHistory(t *testing.T) *store.HistoryStore {
	t.Helper()
	h, err := store.NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAskHappyPath(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, entityJSON)
	caller.on(toolSQLGeneration, candidateJSON)
	caller.on(toolSQLValidation, validJSON)
	caller.on(toolQueryExecution, `{"data":[{"COUNT(*)":57}]}`)
	caller.on(toolFinalAnswer, "There are 57 vehicles in King county.")

	p := New(caller, nil, 3)
	res, err := p.Ask(context.Background(), "How many vehicles are in King county?")
	require.NoError(t, err)

	assert.Equal(t, "There are 57 vehicles in King county.", res.Answer)
	assert.Equal(t, store.OutcomeAnswered, res.Outcome)
	assert.Equal(t, "SELECT COUNT(*) FROM King", res.FinalSQL)
	assert.JSONEq(t, entityJSON, res.Entities)
	require.Len(t, res.Attempts, 1)
	assert.Empty(t, res.Attempts[0].ErrorMsg)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []string{
		toolEntityExtraction, toolSQLGeneration, toolSQLValidation,
		toolQueryExecution, toolFinalAnswer,
	}, caller.callNames())

	// The validated query, not the candidate, must reach execution.
	execArgs := caller.calls[3].args
	sqlDict := execArgs["sql_dict"].(map[string]interface{})
	assert.Equal(t, "SELECT COUNT(*) FROM King", sqlDict["sql_query"])
}

func TestAskRepairsFailedQuery(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, entityJSON)
	caller.on(toolSQLGeneration, candidateJSON)
	caller.on(toolSQLValidation, `{"sql_query":"SELECT COUNT(*) FROM Kings"}`)
	caller.on(toolQueryExecution,
		`{"error":"Database query failed: no such table: Kings","data":[]}`,
		`{"data":[{"COUNT(*)":57}]}`,
	)
	caller.on(toolErrorRepair, validJSON)
	caller.on(toolFinalAnswer, "There are 57 vehicles in King county.")

	p := New(caller, nil, 3)
	res, err := p.Ask(context.Background(), "How many vehicles are in King county?")
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeAnswered, res.Outcome)
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].ErrorMsg, "no such table")
	assert.Empty(t, res.Attempts[1].ErrorMsg)
	assert.Equal(t, "SELECT COUNT(*) FROM King", res.FinalSQL)

	// The repair tool must see the failed query and the database error.
	var repairArgs map[string]interface{}
	for _, c := range caller.calls {
		if c.name == toolErrorRepair {
			repairArgs = c.args
		}
	}
	require.NotNil(t, repairArgs)
	failed := repairArgs["failed_sql_query_dict"].(map[string]interface{})
	assert.Equal(t, "SELECT COUNT(*) FROM Kings", failed["sql_query"])
	assert.Contains(t, repairArgs["error_message"], "no such table")
}

func TestAskExhaustsAttempts(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, entityJSON)
	caller.on(toolSQLGeneration, candidateJSON)
	caller.on(toolSQLValidation, validJSON)
	caller.on(toolQueryExecution,
		`{"error":"Database query failed: no such column: Nope","data":[]}`,
		`{"error":"Database query failed: no such column: Nope","data":[]}`,
		`{"error":"Database query failed: no such column: Still","data":[]}`,
	)
	caller.on(toolErrorRepair, validJSON, validJSON)

	p := New(caller, nil, 3)
	res, err := p.Ask(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, store.OutcomeFailed, res.Outcome)
	assert.Equal(t, "Failed to execute the query after 3 attempts. Last error: Database query failed: no such column: Still", res.Answer)
	assert.Len(t, res.Attempts, 3)

	// No final answer stage, and only two repairs for three attempts.
	repairs := 0
	for _, c := range caller.calls {
		require.NotEqual(t, toolFinalAnswer, c.name)
		if c.name == toolErrorRepair {
			repairs++
		}
	}
	assert.Equal(t, 2, repairs)
}

func TestAskAbortsOnTransportFailure(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, entityJSON)
	caller.errs[toolSQLGeneration] = errors.New("connection closed")

	p := New(caller, nil, 3)
	_, err := p.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql generation")
	assert.Contains(t, err.Error(), "connection closed")
}

func TestAskAbortsOnToolDomainError(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, `{"error":"Error in ner_generator_dynamic: model unavailable"}`)

	p := New(caller, nil, 3)
	_, err := p.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity extraction")
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestAskAbortsOnNonJSONStageOutput(t *testing.T) {
	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, "I could not produce JSON, sorry.")

	p := New(caller, nil, 3)
	_, err := p.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-JSON output")
}

func TestAskRecordsRunHistory(t *testing.T) {
	history := newTestHistory(t)

	caller := newScriptedCaller()
	caller.on(toolEntityExtraction, entityJSON)
	caller.on(toolSQLGeneration, candidateJSON)
	caller.on(toolSQLValidation, validJSON)
	caller.on(toolQueryExecution, `{"data":[{"COUNT(*)":57}]}`)
	caller.on(toolFinalAnswer, "There are 57 vehicles in King county.")

	p := New(caller, history, 3)
	res, err := p.Ask(context.Background(), "How many vehicles are in King county?")
	require.NoError(t, err)

	run, err := history.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "How many vehicles are in King county?", run.Question)
	assert.Equal(t, store.OutcomeAnswered, run.Outcome)
	assert.Equal(t, "SELECT COUNT(*) FROM King", run.FinalSQL)
	assert.Equal(t, "There are 57 vehicles in King county.", run.Answer)
	require.Len(t, run.Attempts, 1)
}

func TestNewClampsMaxAttempts(t *testing.T) {
	p := New(newScriptedCaller(), nil, 0)
	assert.Equal(t, DefaultMaxAttempts, p.maxAttempts)
}
