// Package llm wraps the Anthropic Messages API behind a small client
// interface so that tool handlers can be tested with a scripted fake.
package llm

import (
	"context"
	"time"
)

const defaultSystemPrompt = "You are a careful data analyst working against a SQLite database of electric-vehicle registrations. Ground every answer only in the material provided in the prompt."

// Client defines the interface for LLM completions.
type Client interface {
	// Complete sends a prompt and returns the completion.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteWithLimit is CompleteWithSystem with an explicit output
	// token budget for the one call.
	CompleteWithLimit(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int // default output budget per completion
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:    apiKey,
		BaseURL:   "https://api.anthropic.com/v1",
		Model:     "claude-3-5-sonnet-20241022",
		Timeout:   2 * time.Minute,
		MaxTokens: 1024,
	}
}
