package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

// anthropic talks to the Anthropic Messages API.
type anthropic struct {
	base
	settings HostedSettings
	client   *http.Client
}

func newAnthropic(s HostedSettings, p *prompts) *anthropic {
	s = s.withDefaults(defaultClaudeURL, defaultClaudeModel)
	a := &anthropic{settings: s, client: &http.Client{}}
	a.base = base{
		label:    "Claude",
		info:     Info{Kind: KindClaude, Model: s.Model, Endpoint: s.BaseURL},
		prompts:  p,
		complete: a.generate,
		ping:     a.models,
	}
	return a
}

func (a *anthropic) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.settings.APIKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func (a *anthropic) generate(ctx context.Context, system, user string) (string, error) {
	req := messagesRequest{
		Model:       a.settings.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    []chatMessage{{Role: "user", Content: user}},
		Temperature: temperature,
	}
	var result messagesResponse
	if err := doJSON(ctx, a.client, http.MethodPost, a.settings.BaseURL+"/messages", a.header(), req, &result); err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text content in response")
	}
	return sb.String(), nil
}

func (a *anthropic) models(ctx context.Context) error {
	return doJSON(ctx, a.client, http.MethodGet, a.settings.BaseURL+"/models", a.header(), nil, nil)
}
