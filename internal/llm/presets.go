package llm

import (
	"strings"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// Defaults used when neither the task nor the environment names a provider or model.
const (
	DefaultProvider = "openai"
	DefaultModel    = "gpt-4"
)

// Presets maps OpenAI-compatible providers to their default base URLs.
var Presets = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"deepseek": "https://api.deepseek.com",
	"ernie":    "https://qianfan.baidubce.com/v2",
}

// ApplyPreset fills BaseURL from the provider preset when unset.
func ApplyPreset(id crawler.LLMIdentity) crawler.LLMIdentity {
	if id.BaseURL != "" {
		return id
	}
	if base, ok := Presets[strings.ToLower(id.Provider)]; ok {
		id.BaseURL = base
	}
	return id
}
