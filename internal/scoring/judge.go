package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/isragogreen/chorus/internal/provider"
)

// Generator runs a chat completion. Satisfied by provider.Client.
type Generator interface {
	Generate(ctx context.Context, req provider.ChatRequest) (string, error)
}

// Judge rates answer quality with a dedicated scorer model.
type Judge struct {
	generator Generator
	model     string
}

// NewJudge creates a Judge using the given scorer model.
func NewJudge(generator Generator, model string) *Judge {
	return &Judge{generator: generator, model: model}
}

const judgePromptFormat = "Rate the quality of the answer to the question on a scale of 1 to 10.\n" +
	"Question: %s\n" +
	"Answer: %s\n" +
	`Respond with only a JSON object: {"score": <number>}`

// Score asks the scorer model to rate an answer from 1 to 10.
func (j *Judge) Score(ctx context.Context, question, answer string) (float64, error) {
	resp, err := j.generator.Generate(ctx, provider.ChatRequest{
		Model: j.model,
		Messages: []provider.Message{
			{Role: "user", Content: fmt.Sprintf(judgePromptFormat, question, answer)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("judging answer: %w", err)
	}

	score, err := parseScore(resp)
	if err != nil {
		return 0, fmt.Errorf("parsing judge response: %w", err)
	}
	return clampScore(score), nil
}

func clampScore(s float64) float64 {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

// parseScore robustly extracts a score from an LLM response. Models
// frequently wrap JSON in markdown code fences or prepend
// conversational filler. The parser:
//  1. Strips markdown code fences if present (```json ... ```)
//  2. Finds the first { and last } to extract the JSON object
//  3. Attempts json.Unmarshal on the extracted substring
//  4. Falls back to scanning for a bare leading number
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end > start {
		var obj struct {
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
			return obj.Score, nil
		}
	}

	// Fall back to a bare number at the start of the response.
	var n float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &n); err == nil {
		return n, nil
	}

	return 0, fmt.Errorf("no score in response %q", resp)
}
