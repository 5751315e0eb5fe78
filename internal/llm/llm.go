// Package llm defines the extraction backend contract and routes calls to providers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// ErrUnknownProvider is returned when no backend serves the requested provider.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Call is one extraction request.
type Call struct {
	Prompt   string
	Content  string
	Schema   *crawler.OutputSchema
	Identity crawler.LLMIdentity
}

// Backend turns a Call into raw JSON text.
type Backend interface {
	Complete(ctx context.Context, call Call) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, call Call) (string, error)

// Complete calls f.
func (f BackendFunc) Complete(ctx context.Context, call Call) (string, error) {
	return f(ctx, call)
}

// Router dispatches calls by provider name.
type Router struct {
	backends map[string]Backend
	fallback Backend
}

// NewRouter builds a Router. Provider names are matched case-insensitively; fallback may be nil.
func NewRouter(backends map[string]Backend, fallback Backend) *Router {
	normalized := make(map[string]Backend, len(backends))
	for name, b := range backends {
		normalized[strings.ToLower(name)] = b
	}
	return &Router{backends: normalized, fallback: fallback}
}

// Complete forwards the call to the backend registered for its provider.
func (r *Router) Complete(ctx context.Context, call Call) (string, error) {
	provider := strings.ToLower(call.Identity.Provider)
	if b, ok := r.backends[provider]; ok {
		return b.Complete(ctx, call)
	}
	if r.fallback != nil {
		return r.fallback.Complete(ctx, call)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, call.Identity.Provider)
}

// SystemInstruction is the shared extraction instruction sent to every provider.
const SystemInstruction = "You extract structured data from web page content. " +
	"Reply with a single JSON object and nothing else."

// UserPrompt assembles the task prompt, the output schema, and the page content.
func UserPrompt(call Call) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(call.Prompt))
	sb.WriteString("\n\n")
	if call.Schema != nil && call.Schema.Raw != nil {
		if schemaJSON, err := json.MarshalIndent(call.Schema.Raw, "", "  "); err == nil {
			sb.WriteString("<output_schema>\n")
			sb.Write(schemaJSON)
			sb.WriteString("\n</output_schema>\n\n")
		}
	}
	sb.WriteString("<content>\n")
	sb.WriteString(call.Content)
	sb.WriteString("\n</content>")
	return sb.String()
}
