package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	halpdesk "github.com/Paranoid-AF/halpdesk"
	"github.com/Paranoid-AF/halpdesk/session"
)

// entry is one REPL exchange as written to the TOML log.
type entry struct {
	Request    requestEntry              `toml:"request"`
	Suggestion *suggestionEntry `toml:"suggestion,omitempty"`
	Chat       *chatEntry       `toml:"chat,omitempty"`
}

type requestEntry struct {
	Timestamp time.Time `toml:"timestamp"`
	Input     string    `toml:"input"`
	Cwd       string    `toml:"cwd"`
	Mode      string    `toml:"mode"`
	History   int       `toml:"history"`
}

type suggestionEntry struct {
	Action       string `toml:"action"`
	Command      string `toml:"command,omitempty"`
	SafetyLevel  string `toml:"safety_level,omitempty"`
	SafetyReason string `toml:"safety_reason,omitempty"`
	Question     string `toml:"question,omitempty"`
	Reason       string `toml:"reason,omitempty"`
}

type chatEntry struct {
	Response string `toml:"response"`
}

func newEntry(input string, s session.Session) *entry {
	return &entry{Request: requestEntry{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Input:     input,
		Cwd:       s.Cwd,
		Mode:      string(s.Mode),
		History:   len(s.History),
	}}
}

// writeEntry writes a single TOML-formatted entry to w.
func writeEntry(w io.Writer, e *entry) error {
	data, err := toml.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if _, err := fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60)); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func (e *entry) setSuggestion(r *halpdesk.CommandResponse) {
	e.Suggestion = &suggestionEntry{
		Action:       r.Action,
		Command:      r.Command,
		SafetyLevel:  r.SafetyLevel,
		SafetyReason: r.SafetyReason,
		Question:     r.Question,
		Reason:       r.Reason,
	}
}

func (e *entry) setChat(r *halpdesk.ChatResponse) {
	e.Chat = &chatEntry{Response: r.Response}
}
