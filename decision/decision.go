// Package decision turns raw model output into a structured decision and
// vets suggested commands before they reach the safety classifier.
package decision

import (
	"encoding/json"
	"strings"
)

// Action tags the variant of a Decision.
type Action string

const (
	ActionCommand Action = "command"
	ActionAsk     Action = "ask"
	ActionRefuse  Action = "refuse"
)

const (
	defaultQuestion = "Could you clarify what you would like to do?"
	defaultRefusal  = "The request was declined."
)

// Decision is the parsed result of a suggestion. Exactly one of Command,
// Question or Reason is meaningful, selected by Action.
type Decision struct {
	Action   Action `json:"action"`
	Command  string `json:"command,omitempty"`
	Question string `json:"question,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Command returns a command decision.
func Command(cmd string) Decision { return Decision{Action: ActionCommand, Command: cmd} }

// Ask returns a clarification decision.
func Ask(question string) Decision { return Decision{Action: ActionAsk, Question: question} }

// Refuse returns a refusal decision.
func Refuse(reason string) Decision { return Decision{Action: ActionRefuse, Reason: reason} }

// payload is the structured form models are prompted to emit.
type payload struct {
	Action   string  `json:"action"`
	Command  *string `json:"command"`
	Question *string `json:"question"`
	Reason   *string `json:"reason"`
}

// Parse converts raw model output to a Decision. It tries, in order: the
// whole text as a JSON object (after removing a code fence), the first
// balanced {...} object in the text, an "ask:" or "refuse:" prefix, and
// finally the trimmed text as a literal command.
func Parse(raw string) Decision {
	trimmed := strings.TrimSpace(raw)

	if d, ok := parseObject(stripFence(trimmed)); ok {
		return d
	}
	if obj, ok := extractObject(trimmed); ok {
		if d, ok := parseObject(obj); ok {
			return d
		}
	}
	if q, ok := cutPrefixFold(trimmed, "ask:"); ok {
		if q == "" {
			q = defaultQuestion
		}
		return Ask(q)
	}
	if r, ok := cutPrefixFold(trimmed, "refuse:"); ok {
		if r == "" {
			r = defaultRefusal
		}
		return Refuse(r)
	}
	return Command(trimmed)
}

// cutPrefixFold strips a case-insensitive prefix and trims the remainder.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// parseObject decodes a structured decision. It fails when the text is not a
// JSON object, the action is unrecognized, or a command decision has no
// command string.
func parseObject(text string) (Decision, bool) {
	if !strings.HasPrefix(text, "{") {
		return Decision{}, false
	}
	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Decision{}, false
	}

	switch Action(strings.ToLower(strings.TrimSpace(p.Action))) {
	case ActionCommand:
		if p.Command == nil {
			return Decision{}, false
		}
		return Command(strings.TrimSpace(*p.Command)), true
	case ActionAsk:
		q := defaultQuestion
		if p.Question != nil && strings.TrimSpace(*p.Question) != "" {
			q = strings.TrimSpace(*p.Question)
		}
		return Ask(q), true
	case ActionRefuse:
		r := defaultRefusal
		if p.Reason != nil && strings.TrimSpace(*p.Reason) != "" {
			r = strings.TrimSpace(*p.Reason)
		}
		return Refuse(r), true
	}
	return Decision{}, false
}

// stripFence removes a leading ``` line (with optional language tag) and a
// trailing ``` marker.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := text[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if !strings.ContainsAny(tag, "{}") {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimLeft(body, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// extractObject returns the first balanced {...} substring, ignoring braces
// inside JSON strings.
func extractObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
