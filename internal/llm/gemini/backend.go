// Package gemini implements the extraction backend on Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/JakeFAU/stagecrawl/internal/llm"
)

// Backend calls Gemini in JSON mode, constrained by the task schema when one is set.
// Clients are cached per credential and base URL.
type Backend struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New constructs a Backend.
func New() *Backend {
	return &Backend{clients: make(map[string]*genai.Client)}
}

func (b *Backend) client(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	key := apiKey + "|" + baseURL
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	b.clients[key] = c
	return c, nil
}

// Complete sends the prompt and returns the model's text.
func (b *Backend) Complete(ctx context.Context, call llm.Call) (string, error) {
	c, err := b.client(ctx, call.Identity.Credential, call.Identity.BaseURL)
	if err != nil {
		return "", err
	}
	result, err := c.Models.GenerateContent(ctx, call.Identity.Model,
		[]*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: llm.UserPrompt(call)}},
		}},
		buildConfig(call),
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if result == nil {
		return "", errors.New("gemini returned nil result")
	}
	return result.Text(), nil
}

func buildConfig(call llm.Call) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: llm.SystemInstruction}},
		},
		ResponseMIMEType: "application/json",
	}
	if call.Schema != nil && len(call.Schema.Raw) > 0 {
		cfg.ResponseJsonSchema = responseSchema(call.Schema.Raw)
	}
	if t := call.Identity.Temperature; t != nil {
		temp := float32(*t)
		cfg.Temperature = &temp
	}
	if m := call.Identity.MaxTokens; m != nil && *m > 0 {
		cfg.MaxOutputTokens = int32(*m)
	}
	return cfg
}

// responseSchema returns raw with an object type, which Gemini requires at the root.
func responseSchema(raw map[string]any) map[string]any {
	if _, ok := raw["type"]; ok {
		return raw
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["type"] = "object"
	return out
}
