package inconsistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/elicit/conversation"
	"github.com/c360studio/elicit/llm"
)

// Generator is the slice of the AI backend the classifier needs.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

const classifierSystemPrompt = `You review software requirement statements for contradictions.
A contradiction is two statements about the same scope that cannot both hold,
such as conflicting performance targets or mutually exclusive acceptance criteria.
Compare the NEW statement with each EXISTING statement.
Reply with a JSON array only. Each element:
{"statement_ids": ["<new id>", "<existing id>"], "confidence": 0.0-1.0, "kind": "<short label>", "rationale": "<one sentence>"}
Reply with [] when nothing conflicts.`

// LLMClassifier asks the AI backend to find contradictions.
type LLMClassifier struct {
	gen    Generator
	logger *slog.Logger
}

// NewLLMClassifier creates a classifier backed by gen.
func NewLLMClassifier(gen Generator, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{gen: gen, logger: logger}
}

// Classify implements Classifier. Backend errors are returned unchanged so
// the caller can retry transient ones. An unparseable reply yields no candidates.
func (c *LLMClassifier) Classify(ctx context.Context, newStmt conversation.Statement, existing []conversation.Statement) ([]Candidate, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "NEW [%s]: %s\n\nEXISTING:\n", newStmt.ID, newStmt.Text)
	for _, s := range existing {
		fmt.Fprintf(&sb, "[%s]: %s\n", s.ID, s.Text)
	}

	zero := 0.0
	resp, err := c.gen.Generate(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		Temperature: &zero,
	})
	if err != nil {
		return nil, err
	}

	candidates, err := ParseCandidates(resp.Content)
	if err != nil {
		c.logger.Warn("Unparseable classifier reply, treating as no conflicts",
			"statement_id", newStmt.ID,
			"error", err)
		return nil, nil
	}
	return candidates, nil
}

// ParseCandidates decodes a model reply into candidates.
func ParseCandidates(content string) ([]Candidate, error) {
	raw := llm.ExtractJSONArray(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var out []Candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}
