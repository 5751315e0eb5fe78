package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/llm"
)

func TestCompleteRequiresCredential(t *testing.T) {
	t.Parallel()

	_, err := New().Complete(context.Background(), llm.Call{
		Identity: crawler.LLMIdentity{Provider: "gemini", Model: "gemini-2.5-flash"},
	})
	require.ErrorContains(t, err, "api key")
}

func TestCompleteSendsJSONRequest(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "gemini-2.5-flash:generateContent"), r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"title\":\"X\"}"}]}}]}`)
	}))
	defer srv.Close()

	temp := 0.2
	b := New()
	out, err := b.Complete(context.Background(), llm.Call{
		Prompt:  "Extract the title",
		Content: "# X",
		Identity: crawler.LLMIdentity{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			Credential:  "key",
			BaseURL:     srv.URL,
			Temperature: &temp,
		},
	})
	require.NoError(t, err)
	require.Equal(t, `{"title":"X"}`, out)

	genCfg, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "application/json", genCfg["responseMimeType"])
	require.NotContains(t, genCfg, "responseJsonSchema")
	require.Len(t, b.clients, 1)
}

func TestCompleteSendsResponseSchema(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"title\":\"X\"}"}]}}]}`)
	}))
	defer srv.Close()

	schema := crawler.NewSchema(map[string]any{
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
		"required":   []any{"title"},
	})
	_, err := New().Complete(context.Background(), llm.Call{
		Prompt:   "Extract the title",
		Content:  "# X",
		Schema:   schema,
		Identity: crawler.LLMIdentity{Provider: "gemini", Model: "gemini-2.5-flash", Credential: "key", BaseURL: srv.URL},
	})
	require.NoError(t, err)

	genCfg, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok)
	sent, ok := genCfg["responseJsonSchema"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "object", sent["type"])
	require.Equal(t, []any{"title"}, sent["required"])
	require.Contains(t, sent["properties"], "title")
}
