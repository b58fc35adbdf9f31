// Package halpdesk defines the request/response types exchanged between the
// halpd daemon and its terminal clients. Messages are JSON over HTTP.
package halpdesk

import (
	"time"

	"github.com/Paranoid-AF/halpdesk/provider"
	"github.com/Paranoid-AF/halpdesk/session"
)

// StatusSuccess is the status reported by every successful response.
const StatusSuccess = "success"

// CreateSessionRequest registers a terminal with the daemon.
type CreateSessionRequest struct {
	// PID is the process id of the creating terminal.
	PID int `json:"pid"`
	// Cwd is its working directory.
	Cwd string `json:"cwd"`
}

// SessionResponse acknowledges an operation on one session.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionDetail is the full view of one session.
type SessionDetail struct {
	Session session.Session `json:"session"`
}

// SessionList lists every live session.
type SessionList struct {
	Sessions []session.Summary `json:"sessions"`
}

// ModeRequest switches a session between execution and chat mode.
type ModeRequest struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// ClientRequest names a client process joining or leaving a session.
type ClientRequest struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

// AttachResponse reports the number of attached clients after an attach.
type AttachResponse struct {
	SessionID string `json:"session_id"`
	Attached  int    `json:"attached"`
	Status    string `json:"status"`
}

// CloseResponse reports whether a detach or leave closed the session.
type CloseResponse struct {
	SessionID string `json:"session_id"`
	Closed    bool   `json:"closed"`
	Status    string `json:"status"`
}

// SuggestRequest asks for a command matching a natural-language query.
type SuggestRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// CommandResponse carries the outcome of a suggestion. Action is "command",
// "ask" or "refuse"; the other fields are set according to it.
type CommandResponse struct {
	Action       string `json:"action"`
	Command      string `json:"command,omitempty"`
	SafetyLevel  string `json:"safety_level,omitempty"`
	SafetyReason string `json:"safety_reason,omitempty"`
	Question     string `json:"question,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Status       string `json:"status"`
}

// ChatRequest sends a free-form message.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse returns the model's answer verbatim.
type ChatResponse struct {
	Response string `json:"response"`
	Status   string `json:"status"`
}

// CleanupRequest triggers a stale-session sweep. Zero uses the default age.
type CleanupRequest struct {
	MaxAgeSeconds int `json:"max_age_seconds,omitempty"`
}

// CleanupResponse reports how many sessions were removed.
type CleanupResponse struct {
	CleanedSessions int `json:"cleaned_sessions"`
}

// Diagnostics describes the daemon's provider and sessions.
type Diagnostics struct {
	Provider     provider.Info    `json:"provider"`
	Connectivity Connectivity     `json:"connectivity"`
	Sessions     SessionsOverview `json:"sessions"`
}

// Connectivity is the result of probing the active provider.
type Connectivity struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	// LocalServerSpawned is true when the daemon started the local model server itself.
	LocalServerSpawned bool `json:"local_server_spawned"`
	// Downloading is true while the configured model is being pulled.
	Downloading bool `json:"downloading"`
}

// SessionsOverview summarizes live sessions.
type SessionsOverview struct {
	Count    int               `json:"count"`
	Attached int               `json:"attached"`
	Oldest   *time.Time        `json:"oldest_activity,omitempty"`
	Sessions []session.Summary `json:"sessions"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// Error describes a daemon-side error returned to a client.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "session_not_found", "invalid_mode").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}

// ErrorResponse is the body of every 4xx/5xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Error  *Error `json:"error"`
}
