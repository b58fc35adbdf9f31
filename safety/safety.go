// Package safety assigns a risk tier to a shell command.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Tier is the risk level of a command.
type Tier string

const (
	Safe      Tier = "safe"
	Warning   Tier = "warning"
	Dangerous Tier = "dangerous"
)

// Verdict is the classification of one command.
type Verdict struct {
	Tier   Tier   `json:"tier"`
	Reason string `json:"reason"`
}

// Completer is the raw model capability the classifier consults first.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Classifier combines a model-assisted check with the deterministic heuristic.
type Classifier struct {
	model Completer
}

// New returns a classifier. model may be nil, in which case only the
// heuristic is used.
func New(model Completer) *Classifier {
	return &Classifier{model: model}
}

const classifyPrompt = `You are a shell command safety reviewer. Classify the command the user sends.
Answer with exactly one line that starts with one of these prefixes:
SAFE: <short reason>
WARNING: <short reason>
DANGEROUS: <short reason>
Use DANGEROUS for commands that can destroy data or the system, WARNING for commands that modify files, permissions, or download content, and SAFE otherwise.`

// Classify returns the verdict for command. The model answer is used when it
// carries a recognized prefix; otherwise the heuristic decides.
func (c *Classifier) Classify(ctx context.Context, command string) Verdict {
	if c != nil && c.model != nil {
		out, err := c.model.Complete(ctx, classifyPrompt, "Command: "+command)
		if err != nil {
			slog.Debug("model safety check failed, using heuristic", "error", err)
		} else if v, ok := ParseVerdict(out); ok {
			return v
		} else {
			slog.Debug("unrecognized safety answer, using heuristic", "answer", out)
		}
	}
	return Heuristic(command)
}

var verdictPrefixes = []struct {
	prefix string
	tier   Tier
	reason string
}{
	{"SAFE:", Safe, "Command appears safe"},
	{"WARNING:", Warning, "Command modifies system state"},
	{"DANGEROUS:", Dangerous, "Command is potentially destructive"},
}

// ParseVerdict reads a model answer of the form "TIER: reason". Prefixes are
// matched case-insensitively; a missing reason gets a generic one.
func ParseVerdict(answer string) (Verdict, bool) {
	text := strings.TrimSpace(answer)
	for _, p := range verdictPrefixes {
		if len(text) >= len(p.prefix) && strings.EqualFold(text[:len(p.prefix)], p.prefix) {
			reason := strings.TrimSpace(text[len(p.prefix):])
			if i := strings.IndexAny(reason, "\r\n"); i >= 0 {
				reason = strings.TrimSpace(reason[:i])
			}
			if reason == "" {
				reason = p.reason
			}
			return Verdict{Tier: p.tier, Reason: reason}, true
		}
	}
	return Verdict{}, false
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-(rf|fr)\s*/`),
	regexp.MustCompile(`rm\s+-(rf|fr)\s*\*`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}`),
	regexp.MustCompile(`dd\s+.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme\d|disk\d)`),
}

var destructiveCommands = map[string]bool{
	"rm": true, "rmdir": true, "dd": true, "mkfs": true, "fdisk": true, "format": true,
}

var modifyingCommands = map[string]bool{
	"mv": true, "cp": true, "chmod": true, "chown": true,
	"sudo": true, "su": true, "wget": true, "curl": true,
}

// Heuristic classifies command with fixed patterns and command-name tables.
// It never fails.
func Heuristic(command string) Verdict {
	cmd := strings.ToLower(strings.TrimSpace(command))

	for _, re := range dangerousPatterns {
		if re.MatchString(cmd) {
			return Verdict{Tier: Dangerous, Reason: "Potentially destructive pattern detected"}
		}
	}

	first := firstWord(cmd)

	if first == "sudo" {
		if next := firstWord(cmd[len("sudo"):]); destructiveCommands[next] {
			return Verdict{Tier: Dangerous, Reason: fmt.Sprintf("sudo %s can be very destructive", next)}
		}
	}

	if destructiveCommands[first] {
		return Verdict{Tier: Dangerous, Reason: fmt.Sprintf("'%s' can be destructive", first)}
	}
	if modifyingCommands[first] {
		return Verdict{Tier: Warning, Reason: fmt.Sprintf("'%s' modifies system state", first)}
	}
	if strings.HasPrefix(strings.Join(strings.Fields(cmd), " "), "git reset --hard") {
		return Verdict{Tier: Warning, Reason: "'git reset --hard' discards local changes"}
	}

	return Verdict{Tier: Safe, Reason: "Command appears safe"}
}

// firstWord returns the first whitespace-delimited word of s.
func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
