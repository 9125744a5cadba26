package pipeline

import (
	"strings"

	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/retrieval"
	"github.com/isragogreen/chorus/internal/roles"
	"github.com/isragogreen/chorus/internal/storage"
)

// composePrompt assembles the chat messages for a generation: persona
// system prompt with retrieved context folded in, recent history as
// alternating turns, then the user's message.
func composePrompt(persona roles.Persona, docs, userMem []retrieval.ScoredPassage, history []storage.HistoryRecord, userText string) []provider.Message {
	var sys strings.Builder
	sys.WriteString(persona.SystemPrompt)

	if len(docs) > 0 {
		sys.WriteString("\n\nRelevant reference material:\n")
		for _, p := range docs {
			sys.WriteString("- ")
			sys.WriteString(p.Text)
			sys.WriteString("\n")
		}
	}
	if len(userMem) > 0 {
		sys.WriteString("\nThings you remember about this user:\n")
		for _, p := range userMem {
			sys.WriteString("- ")
			sys.WriteString(p.Text)
			sys.WriteString("\n")
		}
	}

	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.Message{Role: "system", Content: sys.String()})

	for _, h := range history {
		role := "user"
		if h.Direction == storage.DirectionOut {
			role = "assistant"
		}
		messages = append(messages, provider.Message{Role: role, Content: h.Text})
	}

	messages = append(messages, provider.Message{Role: "user", Content: userText})
	return messages
}

// estimateTokens gives a rough token count for budget checks, using
// the usual four-characters-per-token heuristic.
func estimateTokens(messages []provider.Message) int {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
