// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// SourceKind tags the variant held by a PromptSource or SchemaSource.
type SourceKind string

// Source variants. EnvInline and EnvFileRef only appear after resolution.
const (
	SourceNone       SourceKind = "none"
	SourceInline     SourceKind = "inline"
	SourceFileRef    SourceKind = "file_ref"
	SourceEnvInline  SourceKind = "env_inline"
	SourceEnvFileRef SourceKind = "env_file_ref"
)

// PromptSource says where a task's extraction prompt comes from.
type PromptSource struct {
	Kind SourceKind `json:"kind"`
	Text string     `json:"text,omitempty"`
	Path string     `json:"path,omitempty"`
}

// SchemaSource says where a task's output schema comes from.
type SchemaSource struct {
	Kind   SourceKind     `json:"kind"`
	Inline map[string]any `json:"inline,omitempty"`
	Path   string         `json:"path,omitempty"`
}

// CrawlConfig holds per-task selector and cleaning options.
type CrawlConfig struct {
	ContentSelector        string   `json:"content_selector,omitempty"`
	CSSSelector            string   `json:"css_selector,omitempty"`
	Stage2FallbackEnabled  bool     `json:"stage2_fallback_enabled"`
	ContentFilterThreshold *float64 `json:"content_filter_threshold,omitempty"`
}

// LLMParams carries provider call parameters supplied by a task.
type LLMParams struct {
	Credential  string   `json:"credential,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Task is the immutable per-run configuration supplied by a caller.
type Task struct {
	ID                      string       `json:"id"`
	Name                    string       `json:"name"`
	URLs                    []string     `json:"urls"`
	Crawl                   CrawlConfig  `json:"crawl_config"`
	LLMProvider             string       `json:"llm_provider,omitempty"`
	LLMModel                string       `json:"llm_model,omitempty"`
	LLMParams               LLMParams    `json:"llm_params"`
	Prompt                  PromptSource `json:"prompt_template"`
	Schema                  SchemaSource `json:"output_schema"`
	DeduplicationEnabled    bool         `json:"deduplication_enabled"`
	OnlyAfterDate           *time.Time   `json:"only_after_date,omitempty"`
	FallbackDownloadEnabled bool         `json:"fallback_download_enabled"`
	FallbackMaxSizeMB       int          `json:"fallback_max_size_mb"`
}

// LLMIdentity is the resolved provider, model and credential for extraction.
type LLMIdentity struct {
	Provider    string
	Model       string
	Credential  string
	BaseURL     string
	Temperature *float64
	MaxTokens   *int
}

// Complete reports whether the identity is usable for extraction calls.
func (id LLMIdentity) Complete() bool {
	return id.Provider != "" && id.Model != "" && id.Credential != ""
}

// RunCounters tracks per-run outcome counts.
type RunCounters struct {
	URLsTotal        int `json:"urls_total"`
	URLsCrawled      int `json:"urls_crawled"`
	URLsFailed       int `json:"urls_failed"`
	URLsSkipped      int `json:"urls_skipped"`
	DocumentsCreated int `json:"documents_created"`
	Stage2Succeeded  int `json:"stage2_succeeded"`
	Stage2Failed     int `json:"stage2_failed"`
	Errors           int `json:"errors"`
}

// Run is one execution of a Task.
type Run struct {
	ID               string      `json:"run_id"`
	TaskID           string      `json:"task_id"`
	TaskName         string      `json:"task_name"`
	Status           RunStatus   `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
	Counters         RunCounters `json:"counters"`
	StorageRoot      string      `json:"storage_root"`
	ErrorMessage     *string     `json:"error_message"`
	Stage2Configured bool        `json:"stage2_configured"`
	Stage2Summary    string      `json:"stage2"`
	ManifestPath     string      `json:"manifest_path,omitempty"`
	ErrorLogPath     *string     `json:"error_log_path,omitempty"`
	CancelRequested  bool        `json:"cancel_requested"`
}

// RunUpdate carries the mutable fields the orchestrator writes on a transition.
type RunUpdate struct {
	Status           RunStatus
	At               time.Time
	Counters         RunCounters
	StorageRoot      string
	ErrorMessage     *string
	Stage2Configured bool
	Stage2Summary    string
	ManifestPath     string
	ErrorLogPath     *string
}

// Stage2Status reports the outcome of structured extraction for one document.
type Stage2Status struct {
	Enabled         bool    `json:"enabled"`
	Success         bool    `json:"success"`
	Error           *string `json:"error"`
	OutputSizeBytes *int    `json:"output_size_bytes"`
	FallbackUsed    bool    `json:"fallback_used"`
}

// MediaKind distinguishes images from downloadable attachments.
type MediaKind string

// Supported media kinds.
const (
	MediaImage      MediaKind = "image"
	MediaAttachment MediaKind = "attachment"
)

// MediaStatus is the download state of a media asset.
type MediaStatus string

// Media download states.
const (
	MediaPending MediaStatus = "pending"
	MediaSuccess MediaStatus = "success"
	MediaFailed  MediaStatus = "failed"
	MediaSkipped MediaStatus = "skipped"
)

// MediaMethod records which download path produced an asset.
type MediaMethod string

// Media download methods.
const (
	MethodPrimary  MediaMethod = "primary"
	MethodFallback MediaMethod = "fallback"
)

// MediaAsset is an image or attachment owned by a single document.
type MediaAsset struct {
	ID          string      `json:"id"`
	Kind        MediaKind   `json:"kind"`
	OriginalURL string      `json:"original_url"`
	StoragePath string      `json:"storage_path,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	MIMEType    string      `json:"mime_type,omitempty"`
	SHA256      string      `json:"sha256,omitempty"`
	Status      MediaStatus `json:"download_status"`
	Method      MediaMethod `json:"download_method,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Document is the write-once result of processing one URL within a run.
type Document struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	TaskID          string         `json:"task_id"`
	SourceURL       string         `json:"source_url"`
	Title           string         `json:"title"`
	RawMarkdown     string         `json:"-"`
	CleanedMarkdown string         `json:"-"`
	ReductionRatio  float64        `json:"reduction_ratio"`
	SelectorReason  string         `json:"selector_reason"`
	StructuredData  map[string]any `json:"structured_data"`
	Stage2          Stage2Status   `json:"stage2"`
	MarkdownPath    string         `json:"markdown_path"`
	RawMarkdownPath *string        `json:"raw_markdown_path"`
	JSONPath        *string        `json:"json_path"`
	Media           []MediaAsset   `json:"media"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ErrorStage tags a run error with the pipeline stage that produced it.
type ErrorStage string

// Error stages.
const (
	StageCrawl  ErrorStage = "crawl"
	StageStage2 ErrorStage = "stage2"
	StageMedia  ErrorStage = "media"
)

// RunError is one accumulated per-URL failure.
type RunError struct {
	Stage     ErrorStage `json:"stage"`
	URL       string     `json:"url"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// DedupEntry records prior visits of a URL under a task.
type DedupEntry struct {
	TaskID         string    `json:"task_id"`
	URL            string    `json:"url"`
	FirstCrawledAt time.Time `json:"first_crawled_at"`
	LastCrawledAt  time.Time `json:"last_crawled_at"`
	CrawlCount     int       `json:"crawl_count"`
}

// FetchRequest describes a page or asset fetch.
type FetchRequest struct {
	RunID                 string
	URL                   string
	UseHeadless           bool
	RespectRobots         bool
	RespectRobotsProvided bool
	Headers               http.Header
	MaxBodySize           int
}

// FetchResponse is the result of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// RunResult is returned by the result query.
type RunResult struct {
	Run       Run        `json:"run"`
	Documents []Document `json:"documents"`
}
