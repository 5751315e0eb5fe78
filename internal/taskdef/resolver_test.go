package taskdef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func newFixtureRoots(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	templates := filepath.Join(base, "templates")
	schemas := filepath.Join(base, "schemas")
	require.NoError(t, os.MkdirAll(filepath.Join(templates, "news"), 0o755))
	require.NoError(t, os.MkdirAll(schemas, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "news", "zh.txt"), []byte("Extract the article."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "default.txt"), []byte("Default prompt."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(schemas, "article.json"),
		[]byte(`{"properties":{"title":{"type":"string"}},"required":["title"]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(schemas, "article.yaml"),
		[]byte("properties:\n  title:\n    type: string\n  body:\n    type: string\nrequired: [title, body]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(schemas, "list.json"), []byte(`[1,2]`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("nope"), 0o600))
	return templates, schemas
}

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()

	templates, schemas := newFixtureRoots(t)
	env := EnvironmentDefaults{
		TemplatesRoot: templates,
		SchemasRoot:   schemas,
		Prompt:        "Env inline prompt.",
		PromptFile:    "@templates/default.txt",
		SchemaFile:    "article.json",
	}

	cases := []struct {
		name       string
		env        EnvironmentDefaults
		task       crawler.Task
		wantPrompt string
		wantKind   crawler.SourceKind
	}{
		{
			name:       "task inline wins",
			env:        env,
			task:       crawler.Task{Prompt: crawler.PromptSource{Kind: crawler.SourceInline, Text: "Task prompt."}},
			wantPrompt: "Task prompt.",
			wantKind:   crawler.SourceInline,
		},
		{
			name:       "task file ref",
			env:        env,
			task:       crawler.Task{Prompt: crawler.PromptSource{Kind: crawler.SourceFileRef, Path: "news/zh.txt"}},
			wantPrompt: "Extract the article.",
			wantKind:   crawler.SourceFileRef,
		},
		{
			name:       "environment inline",
			env:        env,
			wantPrompt: "Env inline prompt.",
			wantKind:   crawler.SourceEnvInline,
		},
		{
			name:       "environment file ref",
			env:        EnvironmentDefaults{TemplatesRoot: templates, PromptFile: "@templates/default.txt"},
			wantPrompt: "Default prompt.",
			wantKind:   crawler.SourceEnvFileRef,
		},
		{
			name:     "disabled",
			env:      EnvironmentDefaults{TemplatesRoot: templates},
			wantKind: crawler.SourceNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewResolver(tc.env).Resolve(tc.task)
			require.NoError(t, err)
			require.Equal(t, tc.wantPrompt, got.Prompt)
			require.Equal(t, tc.wantKind, got.PromptSource.Kind)
		})
	}
}

func TestResolveSchemaSources(t *testing.T) {
	t.Parallel()

	templates, schemas := newFixtureRoots(t)
	r := NewResolver(EnvironmentDefaults{TemplatesRoot: templates, SchemasRoot: schemas, SchemaFile: "@schemas/article.json"})

	got, err := r.Resolve(crawler.Task{Schema: crawler.SchemaSource{Kind: crawler.SourceFileRef, Path: "article.yaml"}})
	require.NoError(t, err)
	require.Equal(t, []string{"title", "body"}, got.Schema.Required)
	require.Equal(t, "@schemas/article.yaml", SchemaLabel(got.SchemaSource))

	got, err = r.Resolve(crawler.Task{})
	require.NoError(t, err)
	require.Equal(t, crawler.SourceEnvFileRef, got.SchemaSource.Kind)
	require.Equal(t, []string{"title"}, got.Schema.Required)

	inline := map[string]any{"properties": map[string]any{"x": map[string]any{}}}
	got, err = r.Resolve(crawler.Task{Schema: crawler.SchemaSource{Kind: crawler.SourceInline, Inline: inline}})
	require.NoError(t, err)
	require.Contains(t, got.Schema.Properties, "x")

	got, err = NewResolver(EnvironmentDefaults{}).Resolve(crawler.Task{})
	require.NoError(t, err)
	require.Nil(t, got.Schema)
	require.Equal(t, "none", SchemaLabel(got.SchemaSource))
}

func TestResolveRejectsTraversalAndMissingFiles(t *testing.T) {
	t.Parallel()

	templates, schemas := newFixtureRoots(t)
	r := NewResolver(EnvironmentDefaults{TemplatesRoot: templates, SchemasRoot: schemas})

	for _, rel := range []string{"../secret.txt", "news/../../secret.txt", "/etc/passwd"} {
		_, err := r.Resolve(crawler.Task{Prompt: crawler.PromptSource{Kind: crawler.SourceFileRef, Path: rel}})
		require.ErrorIs(t, err, ErrPathTraversal, rel)
	}

	_, err := r.Resolve(crawler.Task{Prompt: crawler.PromptSource{Kind: crawler.SourceFileRef, Path: "missing.txt"}})
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorContains(t, err, "@templates/missing.txt")

	_, err = r.Resolve(crawler.Task{Schema: crawler.SchemaSource{Kind: crawler.SourceFileRef, Path: "list.json"}})
	require.ErrorContains(t, err, "must contain an object")
}

func TestIdentityPrecedenceAndPresets(t *testing.T) {
	t.Parallel()

	temp := 0.7
	r := NewResolver(EnvironmentDefaults{LLM: crawler.LLMIdentity{
		Provider: "openai", Model: "gpt-4", Credential: "env-key", Temperature: &temp,
	}})

	id := r.Identity(crawler.Task{})
	require.Equal(t, "openai", id.Provider)
	require.Equal(t, "https://api.openai.com/v1", id.BaseURL)
	require.True(t, id.Complete())

	id = r.Identity(crawler.Task{LLMProvider: "deepseek", LLMModel: "deepseek-chat"})
	require.Equal(t, "deepseek", id.Provider)
	require.Equal(t, "deepseek-chat", id.Model)
	require.Equal(t, "env-key", id.Credential)
	require.Equal(t, "https://api.deepseek.com", id.BaseURL)
	require.InDelta(t, 0.7, *id.Temperature, 1e-9)

	id = r.Identity(crawler.Task{LLMParams: crawler.LLMParams{Credential: "task-key", BaseURL: "https://proxy.local/v1"}})
	require.Equal(t, "task-key", id.Credential)
	require.Equal(t, "https://proxy.local/v1", id.BaseURL)

	require.False(t, NewResolver(EnvironmentDefaults{}).Identity(crawler.Task{LLMProvider: "openai"}).Complete())
}

func TestPromptLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "inline", PromptLabel(crawler.PromptSource{Kind: crawler.SourceInline}))
	require.Equal(t, "@templates/a.txt", PromptLabel(crawler.PromptSource{Kind: crawler.SourceFileRef, Path: "a.txt"}))
	require.Equal(t, "env:inline", PromptLabel(crawler.PromptSource{Kind: crawler.SourceEnvInline}))
	require.Equal(t, "none", PromptLabel(crawler.PromptSource{}))
}
