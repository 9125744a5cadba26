package provider

import "strconv"

// Message is one turn of an OpenAI-compatible chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the chat completion request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

// ChatResponse is the non-streaming chat completion response.
type ChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Pricing carries the per-token prices OpenRouter reports for a model.
// Prices arrive as decimal strings.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Model represents a model entry returned by the /v1/models endpoint.
type Model struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Created int64   `json:"created,omitempty"`
	Pricing Pricing `json:"pricing"`
}

// Free reports whether both token prices are zero.
func (m Model) Free() bool {
	return isZeroPrice(m.Pricing.Prompt) && isZeroPrice(m.Pricing.Completion)
}

func isZeroPrice(p string) bool {
	if p == "" {
		return true
	}
	f, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return false
	}
	return f == 0
}

// ModelList is the response from /v1/models.
type ModelList struct {
	Data []Model `json:"data"`
}
