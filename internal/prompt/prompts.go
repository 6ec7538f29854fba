// Package prompt holds the prompt templates for each pipeline stage.
// Defaults are compiled in; a prompts.yaml next to the config file can
// override any of them without rebuilding.
package prompt

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Stage names the template for one pipeline stage.
type Stage string

const (
	StageEntityExtraction Stage = "entity_extraction"
	StageSQLGeneration    Stage = "sql_generation"
	StageSQLValidation    Stage = "sql_validation"
	StageErrorRepair      Stage = "error_repair"
	StageFinalAnswer      Stage = "final_answer"
)

var defaults = map[Stage]string{
	StageEntityExtraction: `You are a data analyst. Your job is to extract key entities from a user's question.
Use the provided data dictionary to understand the columns.

Data Dictionary:
{{.DataDictionary}}

User Question: "{{.Question}}"

Extract the necessary components to answer the question. Your output MUST be a single JSON object with keys: "table", "columns_to_select", and "filters".
- "table": The table name, which is always a county name (e.g., "King").
- "columns_to_select": A list of columns the user wants to see.
- "filters": A dictionary of filters to apply, where the key is the column name and value is the condition.
`,

	StageSQLGeneration: `You are an expert SQLite developer. Create a single, valid SQLite query to answer the user's question.
Understand the user's intent and the context provided by the extracted entities.
The query may be complex, using window functions (like ROW_NUMBER(), PARTITION BY), subqueries, or other advanced features.

User's Question: "{{.Question}}"
Extracted Entities: {{.Entities}}

Your output MUST be the raw SQLite query text, and nothing else. Do not wrap it in JSON or markdown.
`,

	StageSQLValidation: `You are a SQL validator and debugger. Your task is to check if the provided SQL query correctly answers the user's question and is syntactically correct for SQLite.
Strictly follow the schema information provided to ensure no hallucinations or incorrect names.

Provided Information:
1.  User's Original Question: "{{.Question}}"
2.  Extracted Entities (for context): {{.Entities}}
3.  Generated SQL Query to Validate: {{.CandidateSQL}}
4.  Database Schema Information: {{.Schema}}

Your Tasks:
1.  Check for syntax errors.
2.  Check for "hallucinated" or incorrect column and table names by comparing against the schema.
3.  Ensure the query logic accurately reflects the user's question (e.g., if they ask for "top 3", there should be an ORDER BY and LIMIT 3).

Your output MUST be a single JSON object with one key: "sql_query", containing the final, validated, and potentially corrected query.
`,

	StageErrorRepair: `You are a highly skilled SQLite expert debugging a query.

The following SQL query failed to execute:
` + "```sql\n{{.FailedSQL}}\n```" + `

It produced this specific error message:
` + "`{{.ErrorMessage}}`" + `

Task:
1.  Carefully analyze the query and the error message.
2.  Provide a corrected SQLite query that resolves the identified error.

Your output MUST be a single JSON object with one key: "sql_query", containing only the corrected query.
`,

	StageFinalAnswer: `You are a helpful assistant. Answer the user's question based on the provided data.
If the data contains an error, explain it simply. If the data is empty, say so.

Original Question: "{{.Question}}"
Data from Database: {{.Data}}
`,
}

// Library resolves and renders stage prompts.
type Library struct {
	templates map[Stage]*template.Template
}

// NewLibrary builds a library from the compiled-in defaults.
func NewLibrary() *Library {
	lib := &Library{templates: make(map[Stage]*template.Template, len(defaults))}
	for stage, text := range defaults {
		// Defaults are trusted; a parse failure here is a programming
		// error caught by the tests.
		lib.templates[stage] = template.Must(template.New(string(stage)).Parse(text))
	}
	return lib
}

// NewLibraryWithOverrides builds a library, replacing defaults with any
// templates found in the YAML file at path. A missing file yields the
// plain defaults.
func NewLibraryWithOverrides(path string) (*Library, error) {
	lib := NewLibrary()
	if path == "" {
		return lib, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("failed to read prompt overrides: %w", err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse prompt overrides: %w", err)
	}

	for name, text := range overrides {
		stage := Stage(name)
		if _, known := defaults[stage]; !known {
			return nil, fmt.Errorf("unknown prompt stage %q in overrides", name)
		}
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid override template %q: %w", name, err)
		}
		lib.templates[stage] = tmpl
	}
	return lib, nil
}

// Render executes the stage template with the given data.
func (l *Library) Render(stage Stage, data interface{}) (string, error) {
	tmpl, ok := l.templates[stage]
	if !ok {
		return "", fmt.Errorf("unknown prompt stage %q", stage)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", stage, err)
	}
	return b.String(), nil
}

// EntityExtractionData feeds the entity_extraction template.
type EntityExtractionData struct {
	DataDictionary string
	Question       string
}

// SQLGenerationData feeds the sql_generation template.
type SQLGenerationData struct {
	Question string
	Entities string // entity JSON
}

// SQLValidationData feeds the sql_validation template.
type SQLValidationData struct {
	Question     string
	Entities     string // entity JSON
	CandidateSQL string // {"sql_query": ...} JSON
	Schema       string
}

// ErrorRepairData feeds the error_repair template.
type ErrorRepairData struct {
	FailedSQL    string
	ErrorMessage string
}

// FinalAnswerData feeds the final_answer template.
type FinalAnswerData struct {
	Question string
	Data     string // query result JSON
}
