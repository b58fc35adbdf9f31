// Package generate orchestrates sessions, the model backend, decision
// parsing and safety classification to answer terminal requests.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	halpdesk "github.com/Paranoid-AF/halpdesk"
	"github.com/Paranoid-AF/halpdesk/decision"
	"github.com/Paranoid-AF/halpdesk/provider"
	"github.com/Paranoid-AF/halpdesk/redact"
	"github.com/Paranoid-AF/halpdesk/safety"
	"github.com/Paranoid-AF/halpdesk/session"
)

// historyContext is how many recent records are sent to the model.
const historyContext = 5

// Engine answers requests for the sessions it owns.
type Engine struct {
	sessions   *session.Store
	provider   provider.Provider
	classifier *safety.Classifier
	validator  decision.Validator
	dirCache   *DirCache
	osName     string
	shell      string

	// status reports local server and download state for diagnostics.
	status func() (spawned, downloading bool)

	bg     context.Context
	cancel context.CancelFunc
	warm   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses store instead of a fresh one.
func WithStore(store *session.Store) Option {
	return func(e *Engine) { e.sessions = store }
}

// WithPlatform overrides the operating system the engine describes to the
// model and validates commands for.
func WithPlatform(goos string) Option {
	return func(e *Engine) {
		e.osName = describeOS(goos)
		e.validator = decision.NewValidator(goos)
	}
}

// WithShell sets the shell name passed to the model.
func WithShell(shell string) Option {
	return func(e *Engine) { e.shell = shell }
}

// WithRegistry reports the registry's local server and download state in
// diagnostics.
func WithRegistry(r *provider.Registry) Option {
	return func(e *Engine) {
		e.status = func() (bool, bool) {
			spawned := r.Server() != nil && r.Server().Spawned()
			return spawned, r.Downloads().InFlight(r.Provider().Info().Model)
		}
	}
}

// NewEngine creates an engine that answers with p. The model is also used
// for safety classification.
func NewEngine(p provider.Provider, opts ...Option) *Engine {
	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		provider:   p,
		classifier: safety.New(p),
		dirCache:   NewDirCache(),
		shell:      filepath.Base(os.Getenv("SHELL")),
		bg:         bg,
		cancel:     cancel,
	}
	WithPlatform(runtime.GOOS)(e)
	for _, opt := range opts {
		opt(e)
	}
	if e.sessions == nil {
		e.sessions = session.NewStore()
	}
	if e.shell == "." {
		e.shell = ""
	}
	return e
}

// Close stops background work and releases resources.
func (e *Engine) Close() {
	e.cancel()
	e.warm.Wait()
	e.dirCache.Close()
}

// describeOS turns GOOS into the descriptor shown to the model.
func describeOS(goos string) string {
	switch goos {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "freebsd", "openbsd", "netbsd", "dragonfly":
		return goos + " (BSD)"
	}
	return goos
}

// CreateSession registers a terminal and warms its directory context in
// the background.
func (e *Engine) CreateSession(pid int, cwd string) string {
	id := e.sessions.Create(pid, cwd)
	slog.Info("session created", "session", id, "pid", pid, "cwd", cwd)
	if cwd != "" {
		e.warm.Add(1)
		go func() {
			defer e.warm.Done()
			e.dirCache.Gather(e.bg, cwd)
		}()
	}
	return id
}

// GetSession returns a snapshot of one session.
func (e *Engine) GetSession(id string) (session.Session, error) {
	s, ok := e.sessions.Get(id)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s, nil
}

// ListSessions summarizes every live session.
func (e *Engine) ListSessions() []session.Summary {
	return e.sessions.Summaries()
}

// DeleteSession removes a session.
func (e *Engine) DeleteSession(id string) error {
	if !e.sessions.Delete(id) {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	slog.Info("session deleted", "session", id)
	return nil
}

// SwitchMode validates mode and applies it to the session.
func (e *Engine) SwitchMode(id, mode string) error {
	m, err := session.ParseMode(mode)
	if err != nil {
		return err
	}
	return e.sessions.SwitchMode(id, m)
}

// Attach adds a client to a session and returns the attached count.
func (e *Engine) Attach(id string, pid int) (int, error) {
	return e.sessions.Attach(id, pid)
}

// Detach removes a client without ever closing the session.
func (e *Engine) Detach(id string, pid int) error {
	if found, _ := e.sessions.Detach(id, pid); !found {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return nil
}

// Leave removes a client and closes the session if it was the last one.
func (e *Engine) Leave(id string, pid int) (closed bool, err error) {
	found, closed := e.sessions.Leave(id, pid)
	if !found {
		return false, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if closed {
		slog.Info("session closed", "session", id, "pid", pid)
	}
	return closed, nil
}

// Cleanup removes sessions idle for longer than maxAge.
func (e *Engine) Cleanup(maxAge time.Duration) int {
	n := e.sessions.SweepStale(maxAge)
	if n > 0 {
		slog.Info("stale sessions removed", "count", n)
	}
	return n
}

// Suggest turns a natural-language query into a vetted command, a
// clarification question or a refusal, and records the outcome.
func (e *Engine) Suggest(ctx context.Context, id, query string) (*halpdesk.CommandResponse, error) {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}

	raw := e.provider.Suggest(ctx, query, e.promptContext(ctx, sess))
	d := decision.Parse(raw)
	if d.Action == decision.ActionCommand {
		d = e.validator.Validate(d)
	}
	slog.Debug("decision", "session", id, "action", d.Action, "raw", raw)

	rec := session.Record{Query: query, Raw: raw}
	resp := &halpdesk.CommandResponse{Action: string(d.Action), Status: halpdesk.StatusSuccess}

	switch d.Action {
	case decision.ActionAsk:
		rec.Kind = session.KindClarification
		rec.Question = d.Question
		resp.Question = d.Question
	case decision.ActionRefuse:
		rec.Kind = session.KindRefusal
		rec.Reason = d.Reason
		resp.Reason = d.Reason
	default:
		v := e.classifier.Classify(ctx, d.Command)
		rec.Kind = session.KindCommandSuggestion
		rec.Command = d.Command
		rec.SafetyLevel = string(v.Tier)
		rec.SafetyReason = v.Reason
		resp.Command = d.Command
		resp.SafetyLevel = string(v.Tier)
		resp.SafetyReason = v.Reason
	}

	if err := e.sessions.AppendHistory(id, rec); err != nil {
		return nil, err
	}
	return resp, nil
}

// Chat forwards a message to the model and records the exchange. The answer
// is returned verbatim.
func (e *Engine) Chat(ctx context.Context, id, message string) (*halpdesk.ChatResponse, error) {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	answer := e.provider.Chat(ctx, message, e.promptContext(ctx, sess))
	rec := session.Record{Kind: session.KindChat, Message: message, Response: answer}
	if err := e.sessions.AppendHistory(id, rec); err != nil {
		return nil, err
	}
	return &halpdesk.ChatResponse{Response: answer, Status: halpdesk.StatusSuccess}, nil
}

// promptContext builds what the model is told about the session's terminal.
func (e *Engine) promptContext(ctx context.Context, s session.Session) provider.Context {
	return provider.Context{
		Cwd:       s.Cwd,
		OS:        e.osName,
		Shell:     e.shell,
		History:   redact.Commands(recentHistory(s.History, historyContext)),
		Directory: e.dirCache.Lookup(ctx, s.Cwd).Render(),
	}
}

// recentHistory renders the last n records as short lines, oldest first.
func recentHistory(records []session.Record, n int) []string {
	if len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		switch r.Kind {
		case session.KindCommandSuggestion:
			out = append(out, r.Command)
		case session.KindChat:
			out = append(out, "(chat) "+r.Message)
		case session.KindClarification:
			out = append(out, "(asked) "+r.Query)
		case session.KindRefusal:
			out = append(out, "(refused) "+r.Query)
		}
	}
	return out
}

// Diagnostics reports provider identity and reachability plus a summary of
// live sessions.
func (e *Engine) Diagnostics(ctx context.Context) *halpdesk.Diagnostics {
	d := &halpdesk.Diagnostics{Provider: e.provider.Info()}

	start := time.Now()
	err := e.provider.Ping(ctx)
	d.Connectivity.LatencyMS = time.Since(start).Milliseconds()
	d.Connectivity.Reachable = err == nil
	if err != nil {
		d.Connectivity.Error = err.Error()
	}
	if e.status != nil {
		d.Connectivity.LocalServerSpawned, d.Connectivity.Downloading = e.status()
	}

	summaries := e.sessions.Summaries()
	d.Sessions.Count = len(summaries)
	d.Sessions.Sessions = summaries
	for i, s := range summaries {
		d.Sessions.Attached += s.Attached
		if d.Sessions.Oldest == nil || s.LastActive.Before(*d.Sessions.Oldest) {
			d.Sessions.Oldest = &summaries[i].LastActive
		}
	}
	return d
}
