package provider

import (
	"context"
	"fmt"
	"net/http"
)

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// openAI talks to an OpenAI-compatible chat completions API.
type openAI struct {
	base
	settings HostedSettings
	client   *http.Client
}

func newOpenAI(s HostedSettings, p *prompts) *openAI {
	s = s.withDefaults(defaultOpenAIURL, defaultOpenAIModel)
	o := &openAI{settings: s, client: &http.Client{}}
	o.base = base{
		label:    "OpenAI",
		info:     Info{Kind: KindOpenAI, Model: s.Model, Endpoint: s.BaseURL},
		prompts:  p,
		complete: o.generate,
		ping:     o.models,
	}
	return o
}

func (o *openAI) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+o.settings.APIKey)
	return h
}

func (o *openAI) generate(ctx context.Context, system, user string) (string, error) {
	req := chatCompletionsRequest{
		Model: o.settings.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	var result chatCompletionsResponse
	if err := doJSON(ctx, o.client, http.MethodPost, o.settings.BaseURL+"/chat/completions", o.header(), req, &result); err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}

func (o *openAI) models(ctx context.Context) error {
	return doJSON(ctx, o.client, http.MethodGet, o.settings.BaseURL+"/models", o.header(), nil, nil)
}
