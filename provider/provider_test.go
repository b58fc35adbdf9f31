package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestSelect(t *testing.T) {
	keyed := HostedSettings{APIKey: "k"}
	tests := []struct {
		name    string
		s       Settings
		want    Kind
		wantErr error
	}{
		{"auto falls back to ollama", Settings{}, KindOllama, nil},
		{"auto prefers openai", Settings{OpenAI: keyed, Claude: keyed, Gemini: keyed}, KindOpenAI, nil},
		{"auto claude before gemini", Settings{Claude: keyed, Gemini: keyed}, KindClaude, nil},
		{"auto gemini", Settings{Gemini: keyed}, KindGemini, nil},
		{"auto keyword", Settings{Default: "auto", Claude: keyed}, KindClaude, nil},
		{"explicit ollama ignores keys", Settings{Default: "ollama", OpenAI: keyed}, KindOllama, nil},
		{"explicit claude", Settings{Default: "Claude", Claude: keyed}, KindClaude, nil},
		{"alias anthropic", Settings{Default: "anthropic", Claude: keyed}, KindClaude, nil},
		{"explicit without key", Settings{Default: "openai", Claude: keyed}, "", ErrMissingCredential},
		{"explicit gemini without key", Settings{Default: "gemini"}, "", ErrMissingCredential},
		{"unknown", Settings{Default: "mystery"}, "", ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.s)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// closedURL returns the address of a server that is no longer listening.
func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func TestNewExplicitOllamaUnreachable(t *testing.T) {
	_, err := New(context.Background(), Settings{
		Default: "ollama",
		Ollama:  LocalSettings{BaseURL: closedURL(t), Autostart: boolPtr(false)},
	})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestNewAutoOllamaUnreachableStillBuilds(t *testing.T) {
	r, err := New(context.Background(), Settings{
		Ollama: LocalSettings{BaseURL: closedURL(t), Autostart: boolPtr(false)},
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, KindOllama, r.Provider().Info().Kind)
	assert.False(t, r.Server().Spawned())

	out := r.Provider().Suggest(context.Background(), "list files", Context{Cwd: "/tmp"})
	assert.True(t, strings.HasPrefix(out, "Error connecting to Ollama:"), out)
}

func TestNewHosted(t *testing.T) {
	r, err := New(context.Background(), Settings{Claude: HostedSettings{APIKey: "k"}})
	require.NoError(t, err)
	defer r.Close()

	info := r.Provider().Info()
	assert.Equal(t, KindClaude, info.Kind)
	assert.Equal(t, defaultClaudeModel, info.Model)
	assert.Equal(t, defaultClaudeURL, info.Endpoint)
	assert.Nil(t, r.Server())
	r.Close()
}

func TestOpenAISuggest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatCompletionsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[0].Content, "linux")
		assert.Contains(t, req.Messages[1].Content, "Request: list files")
		assert.Contains(t, req.Messages[1].Content, "Current directory: /srv")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": ` {"action":"command","command":"ls -la"} `}}},
		})
	}))
	defer srv.Close()

	p, err := newPrompts("")
	require.NoError(t, err)
	o := newOpenAI(HostedSettings{BaseURL: srv.URL + "/", APIKey: "sk-test"}, p)

	got := o.Suggest(context.Background(), "list files", Context{Cwd: "/srv", OS: "linux"})
	assert.Equal(t, `{"action":"command","command":"ls -la"}`, got)
	assert.NoError(t, o.Ping(context.Background()))
}

func TestOpenAIFailureIsEmbedded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := newPrompts("")
	o := newOpenAI(HostedSettings{BaseURL: srv.URL, APIKey: "x"}, p)

	got := o.Chat(context.Background(), "hi", Context{})
	assert.True(t, strings.HasPrefix(got, "Error connecting to OpenAI:"), got)
	assert.Contains(t, got, "401")

	_, err := o.Complete(context.Background(), "sys", "user")
	assert.Error(t, err)
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.System, "/home/me")
		assert.Equal(t, "what is a pipe?", req.Messages[0].Content)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "A pipe connects "}, {"type": "text", "text": "two commands."}},
		})
	}))
	defer srv.Close()

	p, _ := newPrompts("")
	a := newAnthropic(HostedSettings{BaseURL: srv.URL, APIKey: "k"}, p)
	assert.Equal(t, "A pipe connects two commands.", a.Chat(context.Background(), "what is a pipe?", Context{Cwd: "/home/me"}))
}

func TestGeminiComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": "SAFE: read only"}}},
			}},
		})
	}))
	defer srv.Close()

	p, _ := newPrompts("")
	g, err := newGemini(context.Background(), HostedSettings{BaseURL: srv.URL, APIKey: "k", Model: "gemini-test"}, p)
	require.NoError(t, err)

	out, err := g.Complete(context.Background(), "classify", "Command: ls")
	require.NoError(t, err)
	assert.Equal(t, "SAFE: read only", out)
}

func TestCustomPromptFallsBack(t *testing.T) {
	p, err := newPrompts("{{.Broken")
	require.NoError(t, err)
	assert.Contains(t, p.suggestSystem(Context{OS: "darwin"}), "darwin")

	p, err = newPrompts("Only {{.Shell}} commands.")
	require.NoError(t, err)
	assert.Equal(t, "Only zsh commands.", p.suggestSystem(Context{Shell: "zsh"}))
}

func TestSuggestUser(t *testing.T) {
	got := suggestUser("find big files", Context{
		Cwd:       "/work",
		Directory: "files: a b",
		History:   []string{"ls", "du -sh ."},
	})
	want := "Request: find big files\nCurrent directory: /work\nfiles: a b\nrecent: ls, du -sh ."
	assert.Equal(t, want, got)
}

// fakeOllama is a scripted Ollama server.
type fakeOllama struct {
	mu        sync.Mutex
	installed []string
	pulls     atomic.Int32
	generates atomic.Int32
	release   chan struct{}
	// notFound makes the next n generate calls answer 404.
	notFound int
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.5.0"}`))
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		models := make([]map[string]string, 0, len(f.installed))
		for _, n := range f.installed {
			models = append(models, map[string]string{"name": n})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		f.pulls.Add(1)
		var req pullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if f.release != nil {
			<-f.release
		}
		f.mu.Lock()
		f.installed = append(f.installed, req.Model)
		f.mu.Unlock()
		w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		f.generates.Add(1)
		f.mu.Lock()
		if f.notFound > 0 {
			f.notFound--
			f.mu.Unlock()
			http.Error(w, `{"error":"model 'llama3.2' not found"}`, http.StatusNotFound)
			return
		}
		f.mu.Unlock()
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		json.NewEncoder(w).Encode(generateResponse{Response: "df -h"})
	})
	return mux
}

func newTestOllama(t *testing.T, f *fakeOllama) (*ollama, *Downloads, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	bg, cancel := context.WithCancel(context.Background())
	p, err := newPrompts("")
	require.NoError(t, err)
	d := NewDownloads()
	o := newOllama(bg, LocalSettings{BaseURL: srv.URL, Model: "llama3.2"}, p, d)
	return o, d, func() {
		cancel()
		d.Wait()
		srv.Close()
	}
}

func TestOllamaInstalledModel(t *testing.T) {
	f := &fakeOllama{installed: []string{"llama3.2:latest"}}
	o, _, done := newTestOllama(t, f)
	defer done()

	assert.Equal(t, "df -h", o.Suggest(context.Background(), "disk usage", Context{}))
	assert.Equal(t, int32(0), f.pulls.Load())
	assert.NoError(t, o.Ping(context.Background()))
}

func TestOllamaMissingModelPullsOnce(t *testing.T) {
	f := &fakeOllama{release: make(chan struct{})}
	o, d, done := newTestOllama(t, f)
	defer done()

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Suggest(context.Background(), "disk usage", Context{})
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Contains(t, r, "downloading in the background")
	}
	assert.True(t, d.InFlight("llama3.2"))

	close(f.release)
	d.Wait()
	assert.Equal(t, int32(1), f.pulls.Load())
	assert.Equal(t, int32(0), f.generates.Load())
	assert.False(t, d.InFlight("llama3.2"))

	// The pull invalidated the cached model list.
	assert.Equal(t, "df -h", o.Suggest(context.Background(), "disk usage", Context{}))
}

func TestOllamaRetriesOnceWhenModelNotFound(t *testing.T) {
	f := &fakeOllama{installed: []string{"llama3.2"}, notFound: 1}
	o, _, done := newTestOllama(t, f)
	defer done()

	assert.Equal(t, "df -h", o.Suggest(context.Background(), "disk usage", Context{}))
	assert.Equal(t, int32(2), f.generates.Load())
}

func TestOllamaNotFoundTwiceReportsError(t *testing.T) {
	f := &fakeOllama{installed: []string{"llama3.2"}, notFound: 5}
	o, _, done := newTestOllama(t, f)
	defer done()

	_, err := o.Complete(context.Background(), "", "x")
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.Equal(t, int32(2), f.generates.Load())
}

func TestLocalSettingsDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "http://127.0.0.1:11434"},
		{"bare any address", "0.0.0.0", "http://0.0.0.0:11434"},
		{"bare host", "myhost", "http://myhost:11434"},
		{"bare host with port", "myhost:9000", "http://myhost:9000"},
		{"bare ipv6", "[::1]", "http://[::1]:11434"},
		{"explicit scheme keeps its port", "http://myhost", "http://myhost"},
		{"explicit https", "https://ollama.example.com/", "https://ollama.example.com"},
		{"trailing slash", "http://127.0.0.1:11434/", "http://127.0.0.1:11434"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LocalSettings{BaseURL: tt.in}.withDefaults().BaseURL)
		})
	}
}

func TestHasModel(t *testing.T) {
	names := []string{"llama3.2:latest", "qwen2.5:7b"}
	assert.True(t, hasModel(names, "llama3.2"))
	assert.True(t, hasModel(names, "llama3.2:latest"))
	assert.True(t, hasModel(names, "qwen2.5:7b"))
	assert.False(t, hasModel(names, "qwen2.5"))
	assert.False(t, hasModel(nil, "llama3.2"))
}

func TestDownloadsDeduplicates(t *testing.T) {
	d := NewDownloads()
	release := make(chan struct{})
	var runs atomic.Int32
	fn := func() error {
		runs.Add(1)
		<-release
		return nil
	}

	assert.True(t, d.Start("m", fn))
	assert.False(t, d.Start("m", fn))
	assert.True(t, d.InFlight("m"))
	assert.True(t, d.Start("other", func() error { return errors.New("boom") }))

	close(release)
	d.Wait()
	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, d.InFlight("m"))
	assert.True(t, d.Start("m", func() error { return nil }))
	d.Wait()
}
