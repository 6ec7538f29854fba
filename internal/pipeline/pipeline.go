// Package pipeline drives the question-answering state machine: entity
// extraction, SQL generation, validation, a bounded execute/repair
// loop, and final answer synthesis, each step a tool call against the
// server.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"evquery/internal/logging"
	"evquery/internal/protocol"
	"evquery/internal/store"
)

// Tool names as registered on the server.
const (
	toolEntityExtraction = "ner_generator_dynamic"
	toolSQLGeneration    = "create_sql"
	toolSQLValidation    = "validator_sql_agent"
	toolQueryExecution   = "run_sqlite_query"
	toolErrorRepair      = "handle_error_agent"
	toolFinalAnswer      = "generate_final_answer"
)

// DefaultMaxAttempts bounds the execute/repair loop.
const DefaultMaxAttempts = 3

// ToolCaller is the slice of the transport the pipeline needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*protocol.ToolResult, error)
}

// Result is the outcome of one Ask.
type Result struct {
	RunID    string
	Answer   string
	Entities string // entity JSON from the extraction stage
	FinalSQL string // last SQL sent to the database
	Outcome  store.RunOutcome
	Attempts []store.Attempt
	Duration time.Duration
}

// Pipeline orchestrates the tool sequence for a question.
type Pipeline struct {
	caller      ToolCaller
	history     *store.HistoryStore // nil disables run recording
	maxAttempts int
}

// New creates a pipeline. history may be nil; maxAttempts values
// below 1 fall back to DefaultMaxAttempts.
func New(caller ToolCaller, history *store.HistoryStore, maxAttempts int) *Pipeline {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Pipeline{caller: caller, history: history, maxAttempts: maxAttempts}
}

// Ask runs the full pipeline for one question. A transport or tool
// failure aborts with an error; a query that still fails after the
// repair attempts are exhausted produces a Result with OutcomeFailed
// whose Answer carries the last database error.
func (p *Pipeline) Ask(ctx context.Context, question string) (*Result, error) {
	log := logging.Get(logging.CategoryPipeline)
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}

	log.Info("[%s] Question: %q", res.RunID, question)

	entities, err := p.callJSON(ctx, toolEntityExtraction, map[string]interface{}{
		"question": question,
	})
	if err != nil {
		return nil, fmt.Errorf("entity extraction: %w", err)
	}
	res.Entities = marshalCompact(entities)
	log.Debug("[%s] Entities: %s", res.RunID, res.Entities)

	candidate, err := p.callJSON(ctx, toolSQLGeneration, map[string]interface{}{
		"question": question,
		"ner_dict": entities,
	})
	if err != nil {
		return nil, fmt.Errorf("sql generation: %w", err)
	}
	log.Debug("[%s] Candidate SQL: %s", res.RunID, sqlOf(candidate))

	validated, err := p.callJSON(ctx, toolSQLValidation, map[string]interface{}{
		"question":             question,
		"ner_dict":             entities,
		"generated_query_dict": candidate,
	})
	if err != nil {
		return nil, fmt.Errorf("sql validation: %w", err)
	}
	log.Debug("[%s] Validated SQL: %s", res.RunID, sqlOf(validated))

	current := validated
	var lastErr string
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		res.FinalSQL = sqlOf(current)
		log.Info("[%s] Executing (attempt %d/%d): %s", res.RunID, attempt, p.maxAttempts, res.FinalSQL)

		dbResult, err := p.callJSON(ctx, toolQueryExecution, map[string]interface{}{
			"sql_dict": current,
		})
		if err != nil {
			return nil, fmt.Errorf("query execution: %w", err)
		}

		errMsg, failed := dbResult["error"].(string)
		if !failed {
			res.Attempts = append(res.Attempts, store.Attempt{Number: attempt, SQL: res.FinalSQL})

			answer, err := p.callText(ctx, toolFinalAnswer, map[string]interface{}{
				"question":          question,
				"query_result_dict": dbResult,
			})
			if err != nil {
				return nil, fmt.Errorf("final answer: %w", err)
			}

			res.Answer = answer
			res.Outcome = store.OutcomeAnswered
			res.Duration = time.Since(start)
			p.record(ctx, question, res)
			log.Info("[%s] Answered in %s after %d attempt(s)", res.RunID, res.Duration.Round(time.Millisecond), attempt)
			return res, nil
		}

		lastErr = errMsg
		res.Attempts = append(res.Attempts, store.Attempt{Number: attempt, SQL: res.FinalSQL, ErrorMsg: errMsg})
		log.Warn("[%s] Attempt %d failed: %s", res.RunID, attempt, errMsg)

		if attempt == p.maxAttempts {
			break
		}

		current, err = p.callJSON(ctx, toolErrorRepair, map[string]interface{}{
			"failed_sql_query_dict": current,
			"error_message":         errMsg,
		})
		if err != nil {
			return nil, fmt.Errorf("error repair: %w", err)
		}
		log.Debug("[%s] Repaired SQL: %s", res.RunID, sqlOf(current))
	}

	res.Answer = fmt.Sprintf("Failed to execute the query after %d attempts. Last error: %s", p.maxAttempts, lastErr)
	res.Outcome = store.OutcomeFailed
	res.Duration = time.Since(start)
	p.record(ctx, question, res)
	log.Warn("[%s] Exhausted attempts: %s", res.RunID, lastErr)
	return res, nil
}

// callJSON invokes a tool and decodes its text output as a JSON
// object. Tools report domain failures as {"error": ...}; those from
// the model-driven stages are surfaced here as pipeline errors, while
// run_sqlite_query errors are left to the repair loop.
func (p *Pipeline) callJSON(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	text, err := p.callText(ctx, name, args)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("%s returned non-JSON output: %w", name, err)
	}

	if name != toolQueryExecution {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("%s: %s", name, msg)
		}
	}
	return out, nil
}

// callText invokes a tool and returns its raw text output.
func (p *Pipeline) callText(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := p.caller.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if result.IsError {
		return "", fmt.Errorf("%s rejected the call: %s", name, text)
	}
	return text, nil
}

// record persists the run, best effort.
func (p *Pipeline) record(ctx context.Context, question string, res *Result) {
	if p.history == nil {
		return
	}
	run := &store.Run{
		ID:        res.RunID,
		Question:  question,
		Entities:  res.Entities,
		FinalSQL:  res.FinalSQL,
		Answer:    res.Answer,
		Outcome:   res.Outcome,
		Attempts:  res.Attempts,
		Duration:  res.Duration,
		CreatedAt: time.Now(),
	}
	if err := p.history.SaveRun(ctx, run); err != nil {
		logging.Get(logging.CategoryPipeline).Error("Failed to record run %s: %v", res.RunID, err)
	}
}

func sqlOf(dict map[string]interface{}) string {
	s, _ := dict["sql_query"].(string)
	return s
}

func marshalCompact(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
