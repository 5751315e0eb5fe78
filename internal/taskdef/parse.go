// Package taskdef decodes, defaults and validates task definitions, and
// resolves their prompt, schema and LLM identity at run start.
package taskdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/id/uuid"
)

// Format is the encoding of a task definition.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// File reference prefixes.
const (
	TemplateRefPrefix = "@templates/"
	SchemaRefPrefix   = "@schemas/"
)

// Defaults applied to omitted fields.
const (
	DefaultFallbackMaxSizeMB = 10
	maxNameRunes             = 255
)

// FormatFromPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

type definition struct {
	ID                      string         `json:"id" yaml:"id"`
	Name                    string         `json:"name" yaml:"name"`
	URLs                    []string       `json:"urls" yaml:"urls"`
	CrawlConfig             crawlConfigDef `json:"crawl_config" yaml:"crawl_config"`
	LLMProvider             string         `json:"llm_provider" yaml:"llm_provider"`
	LLMModel                string         `json:"llm_model" yaml:"llm_model"`
	LLMParams               llmParamsDef   `json:"llm_params" yaml:"llm_params"`
	PromptTemplate          string         `json:"prompt_template" yaml:"prompt_template"`
	OutputSchema            any            `json:"output_schema" yaml:"output_schema"`
	DeduplicationEnabled    *bool          `json:"deduplication_enabled" yaml:"deduplication_enabled"`
	OnlyAfterDate           string         `json:"only_after_date" yaml:"only_after_date"`
	FallbackDownloadEnabled *bool          `json:"fallback_download_enabled" yaml:"fallback_download_enabled"`
	FallbackMaxSizeMB       *int           `json:"fallback_max_size_mb" yaml:"fallback_max_size_mb"`
}

type crawlConfigDef struct {
	ContentSelector        string   `json:"content_selector" yaml:"content_selector"`
	CSSSelector            string   `json:"css_selector" yaml:"css_selector"`
	Stage2FallbackEnabled  *bool    `json:"stage2_fallback_enabled" yaml:"stage2_fallback_enabled"`
	ContentFilterThreshold *float64 `json:"content_filter_threshold" yaml:"content_filter_threshold"`
}

type llmParamsDef struct {
	Credential  string   `json:"credential" yaml:"credential"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Temperature *float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
}

// Parse decodes a task definition, applies defaults and validates it. Every
// validation problem is reported in the returned error.
func Parse(data []byte, format Format) (crawler.Task, error) {
	var def definition
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return crawler.Task{}, fmt.Errorf("decode yaml task: %w", err)
		}
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return crawler.Task{}, fmt.Errorf("decode json task: %w", err)
		}
	default:
		return crawler.Task{}, fmt.Errorf("unsupported task format %q", format)
	}
	return def.build()
}

func (d definition) build() (crawler.Task, error) {
	var problems []error
	task := crawler.Task{
		ID:          strings.TrimSpace(d.ID),
		Name:        strings.TrimSpace(d.Name),
		URLs:        make([]string, 0, len(d.URLs)),
		LLMProvider: strings.TrimSpace(d.LLMProvider),
		LLMModel:    strings.TrimSpace(d.LLMModel),
		LLMParams: crawler.LLMParams{
			Credential:  d.LLMParams.Credential,
			BaseURL:     d.LLMParams.BaseURL,
			Temperature: d.LLMParams.Temperature,
			MaxTokens:   d.LLMParams.MaxTokens,
		},
		Crawl: crawler.CrawlConfig{
			ContentSelector:       strings.TrimSpace(d.CrawlConfig.ContentSelector),
			CSSSelector:           strings.TrimSpace(d.CrawlConfig.CSSSelector),
			Stage2FallbackEnabled: boolOr(d.CrawlConfig.Stage2FallbackEnabled, true),
		},
		DeduplicationEnabled:    boolOr(d.DeduplicationEnabled, true),
		FallbackDownloadEnabled: boolOr(d.FallbackDownloadEnabled, true),
		FallbackMaxSizeMB:       DefaultFallbackMaxSizeMB,
	}

	switch n := utf8.RuneCountInString(task.Name); {
	case n == 0:
		problems = append(problems, errors.New("name is required"))
	case n > maxNameRunes:
		problems = append(problems, fmt.Errorf("name must be at most %d characters, got %d", maxNameRunes, n))
	}

	if len(d.URLs) == 0 {
		problems = append(problems, errors.New("urls must contain at least one url"))
	}
	for i, raw := range d.URLs {
		raw = strings.TrimSpace(raw)
		if err := checkURL(raw); err != nil {
			problems = append(problems, fmt.Errorf("urls[%d]: %w", i, err))
			continue
		}
		task.URLs = append(task.URLs, raw)
	}

	if t := d.CrawlConfig.ContentFilterThreshold; t != nil {
		if *t < 0 || *t > 1 {
			problems = append(problems, fmt.Errorf("crawl_config.content_filter_threshold must be within [0,1], got %g", *t))
		} else {
			task.Crawl.ContentFilterThreshold = t
		}
	}

	if d.FallbackMaxSizeMB != nil {
		if *d.FallbackMaxSizeMB <= 0 {
			problems = append(problems, fmt.Errorf("fallback_max_size_mb must be positive, got %d", *d.FallbackMaxSizeMB))
		} else {
			task.FallbackMaxSizeMB = *d.FallbackMaxSizeMB
		}
	}

	if mt := d.LLMParams.MaxTokens; mt != nil && *mt <= 0 {
		problems = append(problems, fmt.Errorf("llm_params.max_tokens must be positive, got %d", *mt))
	}

	if d.OnlyAfterDate != "" {
		at, err := parseDate(d.OnlyAfterDate)
		if err != nil {
			problems = append(problems, fmt.Errorf("only_after_date: %w", err))
		} else {
			task.OnlyAfterDate = &at
		}
	}

	prompt, err := promptSource(d.PromptTemplate)
	if err != nil {
		problems = append(problems, err)
	}
	task.Prompt = prompt

	schema, err := schemaSource(d.OutputSchema)
	if err != nil {
		problems = append(problems, err)
	}
	task.Schema = schema

	if len(problems) > 0 {
		return crawler.Task{}, fmt.Errorf("invalid task definition: %w", errors.Join(problems...))
	}
	if task.ID == "" {
		task.ID = uuid.TaskID(task.Name)
	}
	return task, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an RFC3339 timestamp or date", raw)
}

func promptSource(raw string) (crawler.PromptSource, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return crawler.PromptSource{Kind: crawler.SourceNone}, nil
	case strings.HasPrefix(trimmed, TemplateRefPrefix):
		rel := strings.TrimPrefix(trimmed, TemplateRefPrefix)
		if rel == "" {
			return crawler.PromptSource{}, errors.New("prompt_template: empty file reference")
		}
		return crawler.PromptSource{Kind: crawler.SourceFileRef, Path: rel}, nil
	default:
		return crawler.PromptSource{Kind: crawler.SourceInline, Text: raw}, nil
	}
}

func schemaSource(raw any) (crawler.SchemaSource, error) {
	switch v := raw.(type) {
	case nil:
		return crawler.SchemaSource{Kind: crawler.SourceNone}, nil
	case map[string]any:
		if len(v) == 0 {
			return crawler.SchemaSource{Kind: crawler.SourceNone}, nil
		}
		return crawler.SchemaSource{Kind: crawler.SourceInline, Inline: v}, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return crawler.SchemaSource{Kind: crawler.SourceNone}, nil
		}
		if !strings.HasPrefix(trimmed, SchemaRefPrefix) || trimmed == SchemaRefPrefix {
			return crawler.SchemaSource{}, fmt.Errorf("output_schema: string value must be a %s<path> reference", SchemaRefPrefix)
		}
		return crawler.SchemaSource{Kind: crawler.SourceFileRef, Path: strings.TrimPrefix(trimmed, SchemaRefPrefix)}, nil
	default:
		return crawler.SchemaSource{}, fmt.Errorf("output_schema: expected object or %s<path>, got %T", SchemaRefPrefix, raw)
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
