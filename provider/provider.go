// Package provider builds the model backend the daemon talks to and owns the
// lifecycle of anything that backend needs: a self-spawned local model server
// and background model downloads.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Kind tags a backend variant.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
	KindOllama Kind = "ollama"
)

// autoOrder is the fallback order used when no provider is named.
// The local model server is always last.
var autoOrder = []Kind{KindOpenAI, KindClaude, KindGemini, KindOllama}

var aliases = map[string]Kind{
	"openai":    KindOpenAI,
	"claude":    KindClaude,
	"anthropic": KindClaude,
	"gemini":    KindGemini,
	"google":    KindGemini,
	"ollama":    KindOllama,
	"local":     KindOllama,
}

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnreachable       = errors.New("backend unreachable")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrModelNotFound     = errors.New("model not found")
)

const (
	probeTimeout    = 5 * time.Second
	generateTimeout = 60 * time.Second
	pullTimeout     = 600 * time.Second
)

// HostedSettings configures a key-based hosted API.
type HostedSettings struct {
	BaseURL string
	Model   string
	APIKey  string
}

// LocalSettings configures the local model server.
type LocalSettings struct {
	BaseURL   string
	Model     string
	Binary    string
	Autostart *bool
}

// Settings is the normalized provider configuration.
type Settings struct {
	Default string
	OpenAI  HostedSettings
	Claude  HostedSettings
	Gemini  HostedSettings
	Ollama  LocalSettings

	// SuggestPrompt overrides the built-in suggest system prompt template.
	SuggestPrompt string
}

// Context is what a backend knows about the terminal a request comes from.
type Context struct {
	Cwd       string
	OS        string
	Shell     string
	History   []string
	Directory string
}

// Info identifies the active backend.
type Info struct {
	Kind     Kind   `json:"name"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
}

// Provider is the capability every backend implements.
//
// Suggest and Chat never fail: transport and backend errors come back as
// explanatory text. Complete is the raw call and does report errors.
type Provider interface {
	Suggest(ctx context.Context, query string, c Context) string
	Chat(ctx context.Context, message string, c Context) string
	Complete(ctx context.Context, system, user string) (string, error)
	Info() Info
	Ping(ctx context.Context) error
}

// Select picks the backend kind for s without touching the network.
// A named provider whose credential is missing is an error; without a name
// the first hosted provider with a credential wins, and the local server is
// the fallback.
func Select(s Settings) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s.Default))
	if name == "" || name == "auto" {
		for _, k := range autoOrder {
			if k == KindOllama || hosted(s, k).APIKey != "" {
				return k, nil
			}
		}
	}
	k, ok := aliases[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s.Default)
	}
	if k != KindOllama && hosted(s, k).APIKey == "" {
		return "", fmt.Errorf("%w: provider %s requires an API key", ErrMissingCredential, k)
	}
	return k, nil
}

func hosted(s Settings, k Kind) HostedSettings {
	switch k {
	case KindOpenAI:
		return s.OpenAI
	case KindClaude:
		return s.Claude
	case KindGemini:
		return s.Gemini
	}
	return HostedSettings{}
}

func explicit(s Settings) bool {
	name := strings.ToLower(strings.TrimSpace(s.Default))
	return name != "" && name != "auto"
}

// Registry owns the single active provider and its resources.
type Registry struct {
	provider  Provider
	server    *LocalServer
	downloads *Downloads
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds the provider selected by s. For the local model server it
// probes the server and starts it when allowed. An explicitly named local
// server that stays unreachable is an error; an automatically selected one
// is only logged.
func New(ctx context.Context, s Settings) (*Registry, error) {
	kind, err := Select(s)
	if err != nil {
		return nil, err
	}
	p, err := newPrompts(s.SuggestPrompt)
	if err != nil {
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	r := &Registry{downloads: NewDownloads(), cancel: cancel}

	switch kind {
	case KindOpenAI:
		r.provider = newOpenAI(s.OpenAI, p)
	case KindClaude:
		r.provider = newAnthropic(s.Claude, p)
	case KindGemini:
		g, err := newGemini(ctx, s.Gemini, p)
		if err != nil {
			cancel()
			return nil, err
		}
		r.provider = g
	case KindOllama:
		local := s.Ollama.withDefaults()
		autostart := local.Autostart == nil || *local.Autostart
		r.server = NewLocalServer(local.BaseURL, local.Binary, autostart)
		if err := r.server.EnsureRunning(ctx); err != nil {
			if explicit(s) {
				r.Close()
				return nil, err
			}
			slog.Warn("local model server not reachable", "endpoint", local.BaseURL, "error", err)
		}
		r.provider = newOllama(bg, local, p, r.downloads)
	}

	info := r.provider.Info()
	slog.Info("provider ready", "provider", info.Kind, "model", info.Model, "endpoint", info.Endpoint)
	return r, nil
}

// Provider returns the active backend.
func (r *Registry) Provider() Provider {
	return r.provider
}

// Downloads exposes background model downloads.
func (r *Registry) Downloads() *Downloads {
	return r.downloads
}

// Server returns the local server handle, or nil for hosted backends.
func (r *Registry) Server() *LocalServer {
	return r.server
}

// Close cancels background downloads and stops a self-spawned model server.
// It is safe to call more than once.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.downloads.Wait()
		if r.server != nil {
			r.server.Shutdown()
		}
	})
}
