package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	modelsCacheTTL = 30 * time.Second
	tagsKey        = "tags"
)

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ollama talks to a local Ollama server. Missing models are pulled in the
// background and the caller is told to retry.
type ollama struct {
	base
	settings  LocalSettings
	client    *http.Client
	bg        context.Context
	downloads *Downloads
	installed *ttlcache.Cache[string, []string]
	group     singleflight.Group
}

func newOllama(bg context.Context, s LocalSettings, p *prompts, d *Downloads) *ollama {
	s = s.withDefaults()
	o := &ollama{
		settings:  s,
		client:    &http.Client{},
		bg:        bg,
		downloads: d,
		installed: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](modelsCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}
	o.base = base{
		label:    "Ollama",
		info:     Info{Kind: KindOllama, Model: s.Model, Endpoint: s.BaseURL},
		prompts:  p,
		complete: o.generate,
		ping:     o.version,
	}
	return o
}

func (o *ollama) generate(ctx context.Context, system, user string) (string, error) {
	if err := o.ensureModel(ctx); err != nil {
		return "", err
	}
	out, err := o.post(ctx, system, user)
	if !errors.Is(err, ErrModelNotFound) {
		return out, err
	}

	// The cached list said the model was there; check again once.
	o.installed.Delete(tagsKey)
	if err := o.ensureModel(ctx); err != nil {
		return "", err
	}
	return o.post(ctx, system, user)
}

// ensureModel returns nil when the model is installed, a notice after
// scheduling a download when it is not, or the lookup error.
func (o *ollama) ensureModel(ctx context.Context) error {
	names, err := o.models(ctx)
	if err != nil {
		return err
	}
	if hasModel(names, o.settings.Model) {
		return nil
	}
	o.pull()
	return &notice{msg: fmt.Sprintf("Model %s is not installed yet and is downloading in the background. Try again in a few minutes.", o.settings.Model)}
}

// models lists installed models. Results are cached and concurrent lookups
// share one request.
func (o *ollama) models(ctx context.Context) ([]string, error) {
	if item := o.installed.Get(tagsKey); item != nil {
		return item.Value(), nil
	}
	v, err, _ := o.group.Do(tagsKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		var tags tagsResponse
		if err := doJSON(ctx, o.client, http.MethodGet, o.settings.BaseURL+"/api/tags", nil, nil, &tags); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			name := m.Name
			if name == "" {
				name = m.Model
			}
			names = append(names, name)
		}
		o.installed.Set(tagsKey, names, ttlcache.DefaultTTL)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// pull schedules a background download of the configured model.
func (o *ollama) pull() {
	model := o.settings.Model
	o.downloads.Start(model, func() error {
		ctx, cancel := context.WithTimeout(o.bg, pullTimeout)
		defer cancel()
		err := doJSON(ctx, o.client, http.MethodPost, o.settings.BaseURL+"/api/pull", nil, pullRequest{Model: model}, nil)
		o.installed.Delete(tagsKey)
		return err
	})
}

func (o *ollama) post(ctx context.Context, system, user string) (string, error) {
	req := generateRequest{
		Model:   o.settings.Model,
		Prompt:  user,
		System:  system,
		Options: generateOptions{Temperature: temperature, NumPredict: maxTokens},
	}
	var result generateResponse
	err := doJSON(ctx, o.client, http.MethodPost, o.settings.BaseURL+"/api/generate", nil, req, &result)
	var se *statusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || strings.Contains(strings.ToLower(se.Body), "not found")) {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, o.settings.Model)
	}
	if err != nil {
		return "", err
	}
	if result.Error != "" {
		if strings.Contains(strings.ToLower(result.Error), "not found") {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, o.settings.Model)
		}
		return "", errors.New(result.Error)
	}
	return result.Response, nil
}

func (o *ollama) version(ctx context.Context) error {
	return doJSON(ctx, o.client, http.MethodGet, o.settings.BaseURL+"/api/version", nil, nil, nil)
}

// hasModel matches want against names, treating a missing tag as ":latest".
func hasModel(names []string, want string) bool {
	want = withTag(want)
	for _, n := range names {
		if withTag(n) == want {
			return true
		}
	}
	return false
}

func withTag(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}
