package roles

import "strings"

// Role identifies one of the fixed personas the fleet speaks through.
type Role int

const (
	Operator Role = iota
	Tech
	Friend
	Advisor
	Agitator
)

var roleNames = map[Role]string{
	Operator: "operator",
	Tech:     "tech",
	Friend:   "friend",
	Advisor:  "advisor",
	Agitator: "agitator",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "operator"
}

// Parse maps a stored role name back to its Role. Unknown names fall
// back to Operator.
func Parse(name string) Role {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tech":
		return Tech
	case "friend":
		return Friend
	case "advisor":
		return Advisor
	case "agitator":
		return Agitator
	default:
		return Operator
	}
}

// All returns every role in a stable order.
func All() []Role {
	return []Role{Operator, Tech, Friend, Advisor, Agitator}
}

// Persona carries the generation settings for a role.
type Persona struct {
	Role         Role
	SystemPrompt string
	Temperature  float64
}

var defaultPersonas = map[Role]Persona{
	Operator: {
		Role:         Operator,
		SystemPrompt: "You are a calm, neutral operator. Answer plainly and keep the conversation moving.",
		Temperature:  0.3,
	},
	Tech: {
		Role:         Tech,
		SystemPrompt: "You are a precise technical assistant. Give concrete, correct answers and include short examples when they help.",
		Temperature:  0.1,
	},
	Friend: {
		Role:         Friend,
		SystemPrompt: "You are a warm, informal companion. Be personable, curious about the user, and easy to talk to.",
		Temperature:  0.9,
	},
	Advisor: {
		Role:         Advisor,
		SystemPrompt: "You are a thoughtful advisor. Weigh options, state trade-offs, and end with a clear recommendation.",
		Temperature:  0.4,
	},
	Agitator: {
		Role:         Agitator,
		SystemPrompt: "You are an energetic conversation starter. Re-engage quiet users with a short, lively message that invites a reply.",
		Temperature:  0.5,
	},
}

// Registry resolves roles to personas, with optional per-role
// temperature overrides layered on the built-in defaults.
type Registry struct {
	personas map[Role]Persona
}

// NewRegistry builds a Registry. Overrides maps role names to
// temperatures; unknown names are ignored.
func NewRegistry(overrides map[string]float64) *Registry {
	personas := make(map[Role]Persona, len(defaultPersonas))
	for role, p := range defaultPersonas {
		personas[role] = p
	}
	for name, temp := range overrides {
		role := Parse(name)
		p := personas[role]
		p.Temperature = temp
		personas[role] = p
	}
	return &Registry{personas: personas}
}

// Persona returns the settings for a role.
func (r *Registry) Persona(role Role) Persona {
	if p, ok := r.personas[role]; ok {
		return p
	}
	return r.personas[Operator]
}

var roleKeywords = []struct {
	role  Role
	words []string
}{
	{Tech, []string{"help", "error", "bug", "code", "technical", "install", "crash", "fix"}},
	{Friend, []string{"feel", "sad", "happy", "lonely", "friend", "miss", "love"}},
	{Advisor, []string{"advice", "advise", "suggest", "recommend", "should", "choose", "decide"}},
	{Agitator, []string{"boring", "bored", "nothing", "quiet", "dull"}},
}

// Detect routes a message to a role by keyword. The first matching
// role in priority order wins; messages with no match go to Operator.
func Detect(text string) Role {
	lowered := strings.ToLower(text)
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}
	for _, rk := range roleKeywords {
		for _, w := range rk.words {
			if present[w] {
				return rk.role
			}
		}
	}
	return Operator
}
