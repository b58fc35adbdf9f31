package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// gemini talks to the Gemini API through the genai SDK.
type gemini struct {
	base
	settings HostedSettings
	client   *genai.Client
}

func newGemini(ctx context.Context, s HostedSettings, p *prompts) (*gemini, error) {
	s = s.withDefaults("", defaultGeminiModel)
	cfg := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	endpoint := s.BaseURL
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}
	g := &gemini{settings: s, client: client}
	g.base = base{
		label:    "Gemini",
		info:     Info{Kind: KindGemini, Model: s.Model, Endpoint: endpoint},
		prompts:  p,
		complete: g.generate,
		ping:     g.model,
	}
	return g, nil
}

func (g *gemini) generate(ctx context.Context, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](temperature),
		MaxOutputTokens: maxTokens,
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.settings.Model, genai.Text(user), cfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return text, nil
}

func (g *gemini) model(ctx context.Context) error {
	_, err := g.client.Models.Get(ctx, g.settings.Model, nil)
	return err
}
