package taskdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/llm"
)

// ErrPathTraversal is returned when a file reference escapes its root.
var ErrPathTraversal = errors.New("file reference escapes its root directory")

// EnvironmentDefaults is the process-wide fallback for prompt, schema and LLM
// identity. It is built once from config and never mutated.
type EnvironmentDefaults struct {
	TemplatesRoot string
	SchemasRoot   string
	// Prompt is an inline default prompt; PromptFile and SchemaFile are paths
	// relative to their roots, optionally carrying the @templates/ or @schemas/ prefix.
	Prompt     string
	PromptFile string
	SchemaFile string
	LLM        crawler.LLMIdentity
}

// Resolved holds a task's concrete prompt, schema and identity plus where each came from.
type Resolved struct {
	Prompt       string
	PromptSource crawler.PromptSource
	Schema       *crawler.OutputSchema
	SchemaSource crawler.SchemaSource
	Identity     crawler.LLMIdentity
}

// Resolver applies the task-over-environment precedence.
type Resolver struct {
	env EnvironmentDefaults
}

// NewResolver creates a Resolver over env.
func NewResolver(env EnvironmentDefaults) *Resolver {
	return &Resolver{env: env}
}

// Resolve loads the prompt and schema for a task. Unreadable or escaping file
// references are errors; the caller fails the run.
func (r *Resolver) Resolve(task crawler.Task) (Resolved, error) {
	out := Resolved{Identity: r.Identity(task)}

	prompt, src, err := r.resolvePrompt(task.Prompt)
	if err != nil {
		return Resolved{}, err
	}
	out.Prompt, out.PromptSource = prompt, src

	schema, ssrc, err := r.resolveSchema(task.Schema)
	if err != nil {
		return Resolved{}, err
	}
	out.Schema, out.SchemaSource = schema, ssrc
	return out, nil
}

func (r *Resolver) resolvePrompt(src crawler.PromptSource) (string, crawler.PromptSource, error) {
	switch {
	case src.Kind == crawler.SourceInline && strings.TrimSpace(src.Text) != "":
		return src.Text, src, nil
	case src.Kind == crawler.SourceFileRef:
		text, err := r.readPrompt(src.Path)
		if err != nil {
			return "", crawler.PromptSource{}, err
		}
		return text, src, nil
	case strings.TrimSpace(r.env.Prompt) != "":
		return r.env.Prompt, crawler.PromptSource{Kind: crawler.SourceEnvInline, Text: r.env.Prompt}, nil
	case r.env.PromptFile != "":
		rel := strings.TrimPrefix(r.env.PromptFile, TemplateRefPrefix)
		text, err := r.readPrompt(rel)
		if err != nil {
			return "", crawler.PromptSource{}, fmt.Errorf("default prompt file: %w", err)
		}
		return text, crawler.PromptSource{Kind: crawler.SourceEnvFileRef, Path: rel}, nil
	default:
		return "", crawler.PromptSource{Kind: crawler.SourceNone}, nil
	}
}

func (r *Resolver) resolveSchema(src crawler.SchemaSource) (*crawler.OutputSchema, crawler.SchemaSource, error) {
	switch {
	case src.Kind == crawler.SourceInline && len(src.Inline) > 0:
		return crawler.NewSchema(src.Inline), src, nil
	case src.Kind == crawler.SourceFileRef:
		raw, err := r.readSchema(src.Path)
		if err != nil {
			return nil, crawler.SchemaSource{}, err
		}
		return crawler.NewSchema(raw), src, nil
	case r.env.SchemaFile != "":
		rel := strings.TrimPrefix(r.env.SchemaFile, SchemaRefPrefix)
		raw, err := r.readSchema(rel)
		if err != nil {
			return nil, crawler.SchemaSource{}, fmt.Errorf("default schema file: %w", err)
		}
		return crawler.NewSchema(raw), crawler.SchemaSource{Kind: crawler.SourceEnvFileRef, Path: rel}, nil
	default:
		return nil, crawler.SchemaSource{Kind: crawler.SourceNone}, nil
	}
}

// Identity merges the task's provider, model and parameters over the
// environment defaults field by field, then applies provider presets.
func (r *Resolver) Identity(task crawler.Task) crawler.LLMIdentity {
	id := r.env.LLM
	if task.LLMProvider != "" {
		if !strings.EqualFold(task.LLMProvider, id.Provider) {
			id.BaseURL = ""
		}
		id.Provider = task.LLMProvider
	}
	if task.LLMModel != "" {
		id.Model = task.LLMModel
	}
	if task.LLMParams.Credential != "" {
		id.Credential = task.LLMParams.Credential
	}
	if task.LLMParams.BaseURL != "" {
		id.BaseURL = task.LLMParams.BaseURL
	}
	if task.LLMParams.Temperature != nil {
		id.Temperature = task.LLMParams.Temperature
	}
	if task.LLMParams.MaxTokens != nil {
		id.MaxTokens = task.LLMParams.MaxTokens
	}
	return llm.ApplyPreset(id)
}

func (r *Resolver) readPrompt(rel string) (string, error) {
	path, err := within(r.env.TemplatesRoot, rel)
	if err != nil {
		return "", fmt.Errorf("prompt template %s%s: %w", TemplateRefPrefix, rel, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt template %s%s: %w", TemplateRefPrefix, rel, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("prompt template %s%s is empty", TemplateRefPrefix, rel)
	}
	return string(data), nil
}

func (r *Resolver) readSchema(rel string) (map[string]any, error) {
	path, err := within(r.env.SchemasRoot, rel)
	if err != nil {
		return nil, fmt.Errorf("output schema %s%s: %w", SchemaRefPrefix, rel, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("output schema %s%s: %w", SchemaRefPrefix, rel, err)
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("output schema %s%s: must contain an object: %w", SchemaRefPrefix, rel, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("output schema %s%s: must contain an object", SchemaRefPrefix, rel)
	}
	return raw, nil
}

// within joins rel onto root, rejecting absolute paths, ".." segments and
// anything that lands outside root after cleaning.
func within(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("no root directory configured")
	}
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	for _, seg := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	joined := filepath.Join(absRoot, filepath.FromSlash(rel))
	back, err := filepath.Rel(absRoot, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return joined, nil
}

// PromptLabel renders a prompt source for manifests and logs.
func PromptLabel(src crawler.PromptSource) string {
	switch src.Kind {
	case crawler.SourceInline:
		return "inline"
	case crawler.SourceFileRef:
		return TemplateRefPrefix + src.Path
	case crawler.SourceEnvInline:
		return "env:inline"
	case crawler.SourceEnvFileRef:
		return "env:" + TemplateRefPrefix + src.Path
	default:
		return "none"
	}
}

// SchemaLabel renders a schema source for manifests and logs.
func SchemaLabel(src crawler.SchemaSource) string {
	switch src.Kind {
	case crawler.SourceInline:
		return "inline"
	case crawler.SourceFileRef:
		return SchemaRefPrefix + src.Path
	case crawler.SourceEnvFileRef:
		return "env:" + SchemaRefPrefix + src.Path
	default:
		return "none"
	}
}
