package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestRouterDispatchesByProvider(t *testing.T) {
	t.Parallel()

	openai := BackendFunc(func(context.Context, Call) (string, error) { return `{"from":"openai"}`, nil })
	gemini := BackendFunc(func(context.Context, Call) (string, error) { return `{"from":"gemini"}`, nil })
	r := NewRouter(map[string]Backend{"OpenAI": openai, "gemini": gemini}, nil)

	out, err := r.Complete(context.Background(), Call{Identity: crawler.LLMIdentity{Provider: "openai"}})
	require.NoError(t, err)
	require.Equal(t, `{"from":"openai"}`, out)

	out, err = r.Complete(context.Background(), Call{Identity: crawler.LLMIdentity{Provider: "Gemini"}})
	require.NoError(t, err)
	require.Equal(t, `{"from":"gemini"}`, out)

	_, err = r.Complete(context.Background(), Call{Identity: crawler.LLMIdentity{Provider: "anthropic"}})
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestRouterUsesFallback(t *testing.T) {
	t.Parallel()

	compat := BackendFunc(func(_ context.Context, c Call) (string, error) { return c.Identity.Provider, nil })
	r := NewRouter(nil, compat)
	out, err := r.Complete(context.Background(), Call{Identity: crawler.LLMIdentity{Provider: "qwen"}})
	require.NoError(t, err)
	require.Equal(t, "qwen", out)
}

func TestApplyPreset(t *testing.T) {
	t.Parallel()

	id := ApplyPreset(crawler.LLMIdentity{Provider: "Qwen"})
	require.Equal(t, "https://dashscope.aliyuncs.com/compatible-mode/v1", id.BaseURL)

	id = ApplyPreset(crawler.LLMIdentity{Provider: "qwen", BaseURL: "https://proxy.internal/v1"})
	require.Equal(t, "https://proxy.internal/v1", id.BaseURL)

	id = ApplyPreset(crawler.LLMIdentity{Provider: "gemini"})
	require.Empty(t, id.BaseURL)
}

func TestUserPromptIncludesSchemaAndContent(t *testing.T) {
	t.Parallel()

	schema := crawler.NewSchema(map[string]any{
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
		"required":   []any{"title"},
	})
	prompt := UserPrompt(Call{Prompt: "  Extract the title. ", Content: "# Hello", Schema: schema})
	require.Contains(t, prompt, "Extract the title.\n\n<output_schema>")
	require.Contains(t, prompt, `"title"`)
	require.Contains(t, prompt, "<content>\n# Hello\n</content>")
}
