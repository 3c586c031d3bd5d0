// Package summary produces a short post-call summary of what the caller
// wanted and stores it for the business to review. Summarisation runs
// after the call is torn down, off the call path; failures are logged and
// never propagate to call handling.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	"github.com/mozilla-ai/any-llm-go/providers/openai"
)

// summarisationPrompt is the system prompt sent to the LLM when condensing
// a call transcript.
const summarisationPrompt = `Summarise the following phone call between a caller and an AI receptionist.
State in two or three sentences: who called (if stated), what they wanted, and how the
call ended (message taken, transfer, hang-up). Mention any callback number or deadline
the caller gave. Do not invent details that are not in the transcript.`

// Line is one utterance of the call transcript. Role is "user" for the
// caller and "model" for the agent.
type Line struct {
	Role string
	Text string
}

// CallRecord is everything the summariser needs about a finished call.
type CallRecord struct {
	CallSID     string
	CompanyName string
	StartedAt   time.Time
	Duration    time.Duration
	Transcript  []Line
}

// Summariser produces a concise summary of a finished call.
type Summariser interface {
	// Summarise returns a condensed summary string, or "" when the record
	// holds no transcript to summarise.
	Summarise(ctx context.Context, rec CallRecord) (string, error)
}

// LLMSummariser summarises calls through an any-llm-go chat backend.
type LLMSummariser struct {
	backend anyllm.Provider
	model   string
}

// NewLLMSummariser creates an [LLMSummariser] for the named provider
// ("openai", "anthropic", "gemini" or "ollama") and model. Without an API
// key option the backend falls back to its usual environment variable.
func NewLLMSummariser(providerName, model string, opts ...anyllm.Option) (*LLMSummariser, error) {
	if model == "" {
		return nil, fmt.Errorf("summary: model must not be empty")
	}

	var (
		backend anyllm.Provider
		err     error
	)
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = openai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("summary: unsupported provider %q; supported: openai, anthropic, gemini, ollama", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("summary: create %q backend: %w", providerName, err)
	}

	return &LLMSummariser{backend: backend, model: model}, nil
}

// Summarise formats the transcript into a single user message and asks the
// model for a concise summary.
func (s *LLMSummariser) Summarise(ctx context.Context, rec CallRecord) (string, error) {
	if len(rec.Transcript) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, line := range rec.Transcript {
		speaker := "Caller"
		if line.Role == "model" {
			speaker = "Agent"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, line.Text)
	}

	temperature := 0.3
	resp, err := s.backend.Completion(ctx, anyllm.CompletionParams{
		Model: s.model,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleSystem, Content: summarisationPrompt},
			{Role: anyllm.RoleUser, Content: sb.String()},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summary: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
