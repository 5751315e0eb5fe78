// Package openai implements the extraction backend for OpenAI-compatible chat completion APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/JakeFAU/stagecrawl/internal/llm"
)

// Backend requests chat completions with a json_object response format from
// any provider that speaks the OpenAI wire protocol.
type Backend struct {
	client *http.Client
}

// New constructs a Backend. A nil client uses a client with a 120s timeout.
func New(client *http.Client) *Backend {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Backend{client: client}
}

// Complete performs one chat completion and returns the first choice's content.
func (b *Backend) Complete(ctx context.Context, call llm.Call) (string, error) {
	base := strings.TrimSpace(call.Identity.BaseURL)
	if base == "" {
		return "", errors.New("base url is required")
	}
	// The extractor owns retries and timeouts.
	client := openai.NewClient(
		option.WithBaseURL(base),
		option.WithAPIKey(call.Identity.Credential),
		option.WithHTTPClient(b.client),
		option.WithMaxRetries(0),
	)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(call.Identity.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(llm.SystemInstruction),
			openai.UserMessage(llm.UserPrompt(call)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if t := call.Identity.Temperature; t != nil {
		params.Temperature = openai.Float(*t)
	}
	if m := call.Identity.MaxTokens; m != nil && *m > 0 {
		params.MaxTokens = openai.Int(int64(*m))
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("chat completion status %d: %s", apiErr.StatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", nil
	}
	return completion.Choices[0].Message.Content, nil
}
