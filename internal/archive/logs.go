package archive

import (
	"context"
	"time"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// RunLog is everything needed to write a run's log files.
type RunLog struct {
	Run          crawler.Run
	Task         crawler.Task
	Identity     crawler.LLMIdentity
	PromptSource string
	SchemaSource string
	Documents    []crawler.Document
	Errors       []crawler.RunError
}

// LogPaths reports where the run's log files were written.
type LogPaths struct {
	ManifestPath      string
	ResourceIndexPath string
	// ErrorLogPath is nil when the run recorded no errors.
	ErrorLogPath *string
}

type manifest struct {
	RunID         string            `json:"run_id"`
	TaskID        string            `json:"task_id"`
	TaskName      string            `json:"task_name"`
	StartedAt     *time.Time        `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at"`
	Status        crawler.RunStatus `json:"status"`
	StorageRoot   string            `json:"storage_root"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	Summary       manifestSummary   `json:"summary"`
	Configuration manifestConfig    `json:"configuration"`
}

type manifestSummary struct {
	URLsTotal        int    `json:"urls_total"`
	URLsCrawled      int    `json:"urls_crawled"`
	URLsFailed       int    `json:"urls_failed"`
	URLsSkipped      int    `json:"urls_skipped"`
	DocumentsCreated int    `json:"documents_created"`
	Stage2Succeeded  int    `json:"stage2_succeeded"`
	Stage2Failed     int    `json:"stage2_failed"`
	Stage2           string `json:"stage2"`
}

type manifestConfig struct {
	URLs                    []string `json:"urls"`
	DeduplicationEnabled    bool     `json:"deduplication_enabled"`
	LLMProvider             string   `json:"llm_provider"`
	LLMModel                string   `json:"llm_model"`
	PromptSource            string   `json:"prompt_source"`
	SchemaSource            string   `json:"schema_source"`
	ContentSelector         string   `json:"content_selector"`
	FallbackDownloadEnabled bool     `json:"fallback_download_enabled"`
	FallbackMaxSizeMB       int      `json:"fallback_max_size_mb"`
}

type resourceIndex struct {
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Documents   []indexDocument `json:"documents"`
	Images      []indexMedia    `json:"images"`
	Attachments []indexMedia    `json:"attachments"`
}

type indexDocument struct {
	ID              string  `json:"id"`
	SourceURL       string  `json:"source_url"`
	Title           string  `json:"title"`
	MarkdownPath    string  `json:"markdown_path"`
	RawMarkdownPath *string `json:"raw_markdown_path"`
	JSONPath        *string `json:"json_path"`
}

type indexMedia struct {
	ID             string               `json:"id"`
	DocumentID     string               `json:"document_id"`
	OriginalURL    string               `json:"original_url"`
	StoragePath    *string              `json:"storage_path"`
	DownloadStatus crawler.MediaStatus  `json:"download_status"`
	DownloadMethod *crawler.MediaMethod `json:"download_method"`
	SizeBytes      int64                `json:"size_bytes"`
	MIMEType       *string              `json:"mime_type"`
}

type errorLog struct {
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	ErrorCount  int                `json:"error_count"`
	Errors      []crawler.RunError `json:"errors"`
}

// WriteRunLogs writes the manifest, the resource index and, when the run
// recorded errors, the error log.
func (s *Session) WriteRunLogs(ctx context.Context, rl RunLog) (LogPaths, error) {
	now := s.archivist.clock.Now().UTC()
	paths := LogPaths{
		ManifestPath:      s.Path(DirLogs, ManifestFile),
		ResourceIndexPath: s.Path(DirLogs, ResourceIndexFile),
	}

	if err := s.archivist.putJSON(ctx, paths.ManifestPath, s.manifest(rl)); err != nil {
		return LogPaths{}, err
	}
	if err := s.archivist.putJSON(ctx, paths.ResourceIndexPath, s.resourceIndex(rl, now)); err != nil {
		return LogPaths{}, err
	}
	if len(rl.Errors) > 0 {
		p := s.Path(DirLogs, ErrorLogFile)
		log := errorLog{RunID: s.runID, GeneratedAt: now, ErrorCount: len(rl.Errors), Errors: rl.Errors}
		if err := s.archivist.putJSON(ctx, p, log); err != nil {
			return LogPaths{}, err
		}
		paths.ErrorLogPath = &p
	}
	return paths, nil
}

func (s *Session) manifest(rl RunLog) manifest {
	c := rl.Run.Counters
	selector := rl.Task.Crawl.ContentSelector
	if selector == "" {
		selector = rl.Task.Crawl.CSSSelector
	}
	urls := rl.Task.URLs
	if urls == nil {
		urls = []string{}
	}
	return manifest{
		RunID:        s.runID,
		TaskID:       rl.Run.TaskID,
		TaskName:     rl.Run.TaskName,
		StartedAt:    rl.Run.StartedAt,
		FinishedAt:   rl.Run.FinishedAt,
		Status:       rl.Run.Status,
		StorageRoot:  s.root,
		ErrorMessage: rl.Run.ErrorMessage,
		Summary: manifestSummary{
			URLsTotal:        c.URLsTotal,
			URLsCrawled:      c.URLsCrawled,
			URLsFailed:       c.URLsFailed,
			URLsSkipped:      c.URLsSkipped,
			DocumentsCreated: c.DocumentsCreated,
			Stage2Succeeded:  c.Stage2Succeeded,
			Stage2Failed:     c.Stage2Failed,
			Stage2:           rl.Run.Stage2Summary,
		},
		Configuration: manifestConfig{
			URLs:                    urls,
			DeduplicationEnabled:    rl.Task.DeduplicationEnabled,
			LLMProvider:             rl.Identity.Provider,
			LLMModel:                rl.Identity.Model,
			PromptSource:            rl.PromptSource,
			SchemaSource:            rl.SchemaSource,
			ContentSelector:         selector,
			FallbackDownloadEnabled: rl.Task.FallbackDownloadEnabled,
			FallbackMaxSizeMB:       rl.Task.FallbackMaxSizeMB,
		},
	}
}

func (s *Session) resourceIndex(rl RunLog, now time.Time) resourceIndex {
	idx := resourceIndex{
		RunID:       s.runID,
		GeneratedAt: now,
		Documents:   make([]indexDocument, 0, len(rl.Documents)),
		Images:      []indexMedia{},
		Attachments: []indexMedia{},
	}
	for _, doc := range rl.Documents {
		idx.Documents = append(idx.Documents, indexDocument{
			ID:              doc.ID,
			SourceURL:       doc.SourceURL,
			Title:           doc.Title,
			MarkdownPath:    doc.MarkdownPath,
			RawMarkdownPath: doc.RawMarkdownPath,
			JSONPath:        doc.JSONPath,
		})
		for _, asset := range doc.Media {
			entry := indexMedia{
				ID:             asset.ID,
				DocumentID:     doc.ID,
				OriginalURL:    asset.OriginalURL,
				StoragePath:    optional(asset.StoragePath),
				DownloadStatus: asset.Status,
				SizeBytes:      asset.SizeBytes,
				MIMEType:       optional(asset.MIMEType),
			}
			if asset.Method != "" {
				m := asset.Method
				entry.DownloadMethod = &m
			}
			if asset.Kind == crawler.MediaImage {
				idx.Images = append(idx.Images, entry)
			} else {
				idx.Attachments = append(idx.Attachments, entry)
			}
		}
	}
	return idx
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
