// Package extract turns cleaned page content into schema-conformant structured data.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/llm"
)

// Error codes recorded on Stage2Status.Error.
const (
	ErrNoLLMConfig           = "no_llm_config"
	ErrNoPrompt              = "no_prompt"
	ErrEmptyOutput           = "empty_output"
	errMissingRequiredPrefix = "missing_required_fields:"
	errBackendPrefix         = "backend_error:"
	errParsePrefix           = "parse_error:"
)

// Request is one document's extraction input.
type Request struct {
	Content         string
	RawMarkup       string
	Prompt          string
	Schema          *crawler.OutputSchema
	Identity        crawler.LLMIdentity
	FallbackEnabled bool
}

// Extractor runs a primary attempt and, when it is rejected, an optional fallback over raw markup.
type Extractor struct {
	backend llm.Backend
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs an Extractor. A zero timeout disables the per-call deadline.
func New(backend llm.Backend, timeout time.Duration, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NoBackend
	}
	return &Extractor{backend: backend, timeout: timeout, logger: logger}
}

type state int

const (
	stateAttemptPrimary state = iota
	stateAttemptFallback
	stateResolved
)

type attempt struct {
	data     map[string]any
	errCode  string
	fallback bool
}

// Extract never returns an error; failures are reported on the returned status.
func (e *Extractor) Extract(ctx context.Context, req Request) (map[string]any, crawler.Stage2Status) {
	if !req.Identity.Complete() {
		e.logger.Info("stage 2 disabled: No LLM config provided")
		return nil, disabled(ErrNoLLMConfig)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		e.logger.Info("stage 2 disabled: No prompt_template provided")
		return nil, disabled(ErrNoPrompt)
	}

	var last attempt
	st := stateAttemptPrimary
	for st != stateResolved {
		switch st {
		case stateAttemptPrimary:
			last = e.attempt(ctx, req, req.Content, false)
			if last.errCode == "" || !req.FallbackEnabled {
				st = stateResolved
				continue
			}
			e.logger.Info("primary extraction rejected, trying fallback", zap.String("error", last.errCode))
			st = stateAttemptFallback
		case stateAttemptFallback:
			last = e.attempt(ctx, req, req.RawMarkup, true)
			st = stateResolved
		}
	}

	status := crawler.Stage2Status{Enabled: true, FallbackUsed: last.fallback}
	if last.errCode != "" {
		code := last.errCode
		status.Error = &code
		return nil, status
	}
	encoded, err := json.Marshal(last.data)
	if err != nil {
		code := errParsePrefix + err.Error()
		status.Error = &code
		return nil, status
	}
	size := len(encoded)
	status.Success = true
	status.OutputSizeBytes = &size
	return last.data, status
}

func (e *Extractor) attempt(ctx context.Context, req Request, content string, fallback bool) attempt {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.backend.Complete(callCtx, llm.Call{
		Prompt:   req.Prompt,
		Content:  content,
		Schema:   req.Schema,
		Identity: req.Identity,
	})
	if err != nil {
		return attempt{errCode: errBackendPrefix + err.Error(), fallback: fallback}
	}
	data, code := validate(out, req.Schema)
	return attempt{data: data, errCode: code, fallback: fallback}
}

// validate is shared by both attempts.
func validate(out string, schema *crawler.OutputSchema) (map[string]any, string) {
	payload := stripCodeFence(out)
	if payload == "" {
		return nil, ErrEmptyOutput
	}
	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, errParsePrefix + err.Error()
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, errParsePrefix + fmt.Sprintf("expected JSON object, got %s", jsonKind(decoded))
	}
	filtered, missing := FilterBySchema(obj, schema)
	if len(missing) > 0 {
		return nil, errMissingRequiredPrefix + "[" + strings.Join(missing, ",") + "]"
	}
	return filtered, ""
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func disabled(code string) crawler.Stage2Status {
	return crawler.Stage2Status{Enabled: false, Error: &code}
}

var errNoBackend = errors.New("no llm backend configured")

// NoBackend is a Backend that always fails; it keeps extraction explicit when no provider is wired.
var NoBackend llm.Backend = llm.BackendFunc(func(context.Context, llm.Call) (string, error) {
	return "", errNoBackend
})
