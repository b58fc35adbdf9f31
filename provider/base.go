package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"text/template"
	"time"

	defaults "github.com/Paranoid-AF/halpdesk/default"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultClaudeURL   = "https://api.anthropic.com/v1"
	defaultClaudeModel = "claude-3-5-haiku-latest"
	defaultGeminiModel = "gemini-2.0-flash"
	defaultOllamaURL   = "http://127.0.0.1:11434"
	defaultOllamaPort  = "11434"
	defaultOllamaModel = "llama3.2"

	maxTokens   = 512
	temperature = 0.1
)

func (h HostedSettings) withDefaults(baseURL, model string) HostedSettings {
	if h.BaseURL == "" {
		h.BaseURL = baseURL
	}
	if h.Model == "" {
		h.Model = model
	}
	h.BaseURL = strings.TrimRight(h.BaseURL, "/")
	return h
}

func (l LocalSettings) withDefaults() LocalSettings {
	if l.BaseURL == "" {
		l.BaseURL = defaultOllamaURL
	}
	// A bare host, as in OLLAMA_HOST=0.0.0.0, means http on the default port.
	// An explicit scheme keeps that scheme's own default port.
	if !strings.Contains(l.BaseURL, "://") {
		l.BaseURL = "http://" + l.BaseURL
		if u, err := url.Parse(l.BaseURL); err == nil && u.Host != "" && u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), defaultOllamaPort)
			l.BaseURL = u.String()
		}
	}
	l.BaseURL = strings.TrimRight(l.BaseURL, "/")
	if l.Model == "" {
		l.Model = defaultOllamaModel
	}
	return l
}

// promptData is passed to the system prompt templates.
type promptData struct {
	OS    string
	Shell string
	Cwd   string
}

type prompts struct {
	suggest *template.Template
	chat    *template.Template
}

// newPrompts parses the prompt templates. A custom suggest template that
// fails to parse is reported and replaced by the built-in one.
func newPrompts(customSuggest string) (*prompts, error) {
	chat, err := template.New("chat").Parse(defaults.ChatPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse chat prompt: %w", err)
	}
	builtin, err := template.New("suggest").Parse(defaults.SuggestPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse suggest prompt: %w", err)
	}
	suggest := builtin
	if strings.TrimSpace(customSuggest) != "" {
		t, err := template.New("suggest").Parse(customSuggest)
		if err != nil {
			slog.Warn("failed to parse custom prompt template, using default", "error", err)
		} else {
			suggest = t
		}
	}
	return &prompts{suggest: suggest, chat: chat}, nil
}

func render(t *template.Template, c Context) string {
	data := promptData{OS: c.OS, Shell: c.Shell, Cwd: c.Cwd}
	if data.OS == "" {
		data.OS = "a Unix-like system"
	}
	if data.Cwd == "" {
		data.Cwd = "."
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		slog.Warn("failed to execute prompt template", "template", t.Name(), "error", err)
		return ""
	}
	return strings.TrimRight(sb.String(), " \t\n")
}

func (p *prompts) suggestSystem(c Context) string {
	return render(p.suggest, c)
}

func (p *prompts) chatSystem(c Context) string {
	return render(p.chat, c)
}

// suggestUser builds the user message for a suggest call.
func suggestUser(query string, c Context) string {
	var sb strings.Builder
	sb.WriteString("Request: ")
	sb.WriteString(query)
	sb.WriteString("\n")
	if c.Cwd != "" {
		sb.WriteString("Current directory: ")
		sb.WriteString(c.Cwd)
		sb.WriteString("\n")
	}
	if c.Directory != "" {
		sb.WriteString(c.Directory)
		sb.WriteString("\n")
	}
	if len(c.History) > 0 {
		sb.WriteString("recent: ")
		sb.WriteString(strings.Join(c.History, ", "))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// notice is a non-error outcome a backend reports to the user instead of
// model output, such as a model download in progress.
type notice struct {
	msg string
}

func (n *notice) Error() string { return n.msg }

// completeFunc is the one backend-specific call.
type completeFunc func(ctx context.Context, system, user string) (string, error)

// base turns a completeFunc into a Provider.
type base struct {
	label    string
	info     Info
	prompts  *prompts
	complete completeFunc
	ping     func(ctx context.Context) error
}

func (b *base) Info() Info { return b.info }

func (b *base) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return b.ping(ctx)
}

func (b *base) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	start := time.Now()
	out, err := b.complete(ctx, system, user)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		slog.Debug("generation failed", "provider", b.info.Kind, "model", b.info.Model, "elapsed_ms", elapsed, "error", err)
		return "", err
	}
	slog.Debug("generation finished", "provider", b.info.Kind, "model", b.info.Model, "elapsed_ms", elapsed)
	return strings.TrimSpace(out), nil
}

func (b *base) Suggest(ctx context.Context, query string, c Context) string {
	return b.call(ctx, b.prompts.suggestSystem(c), suggestUser(query, c))
}

func (b *base) Chat(ctx context.Context, message string, c Context) string {
	return b.call(ctx, b.prompts.chatSystem(c), message)
}

// call never fails: errors become text the caller can show.
func (b *base) call(ctx context.Context, system, user string) string {
	out, err := b.Complete(ctx, system, user)
	if err == nil {
		return out
	}
	var n *notice
	if errors.As(err, &n) {
		return n.msg
	}
	slog.Warn("provider request failed", "provider", b.info.Kind, "error", err)
	return fmt.Sprintf("Error connecting to %s: %v", b.label, err)
}
