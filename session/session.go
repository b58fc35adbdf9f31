// Package session tracks the logical terminal sessions served by the daemon.
// All state is in memory and is lost when the daemon exits.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidMode is returned by ParseMode for unrecognized mode strings.
	ErrInvalidMode = errors.New("invalid mode")
)

// Mode is the interaction mode of a session.
type Mode string

const (
	ModeExecution Mode = "execution"
	ModeChat      Mode = "chat"
)

// ParseMode validates a client-supplied mode string.
// The short form "exec" is accepted for older clients.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "execution", "exec":
		return ModeExecution, nil
	case "chat":
		return ModeChat, nil
	}
	return "", fmt.Errorf("%w %q: use 'execution' or 'chat'", ErrInvalidMode, s)
}

// RecordKind tags an entry in a session's history.
type RecordKind string

const (
	KindCommandSuggestion RecordKind = "command_suggestion"
	KindChat              RecordKind = "chat"
	KindClarification     RecordKind = "clarification_request"
	KindRefusal           RecordKind = "refusal"
)

// Record is one interaction appended to a session's history.
// Which fields are set depends on Kind.
type Record struct {
	Kind RecordKind `json:"type"`
	Time time.Time  `json:"time"`

	// Query is the natural-language request (suggestions, clarifications, refusals).
	Query string `json:"query,omitempty"`
	// Raw is the unparsed model output the decision was derived from.
	Raw string `json:"raw,omitempty"`
	// Command is the final vetted command.
	Command      string `json:"command,omitempty"`
	SafetyLevel  string `json:"safety_level,omitempty"`
	SafetyReason string `json:"safety_reason,omitempty"`
	Question     string `json:"question,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// Message and Response are set for chat records.
	Message  string `json:"message,omitempty"`
	Response string `json:"response,omitempty"`
}

// Session is a point-in-time copy of a session's state.
// Mutating a Session does not affect the store.
type Session struct {
	ID         string    `json:"session_id"`
	PID        int       `json:"pid"`
	Cwd        string    `json:"cwd"`
	Mode       Mode      `json:"mode"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	History    []Record  `json:"history"`
	Attached   []int     `json:"attached"`
}

// Summary is the short form used by diagnostics and listings.
type Summary struct {
	ID         string    `json:"session_id"`
	PID        int       `json:"pid"`
	Mode       Mode      `json:"mode"`
	Attached   int       `json:"attached"`
	History    int       `json:"history"`
	LastActive time.Time `json:"last_active"`
}
