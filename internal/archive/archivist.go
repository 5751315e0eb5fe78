// Package archive lays out run artifacts in blob storage and writes the
// per-run manifest, resource index and error log.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// Artifact directories under a run's storage root.
const (
	DirMarkdown    = "markdown"
	DirJSON        = "json"
	DirImages      = "images"
	DirAttachments = "attachments"
	DirLogs        = "logs"
)

// Log file names under DirLogs.
const (
	ManifestFile      = "run_manifest.json"
	ResourceIndexFile = "resource_index.json"
	ErrorLogFile      = "error_log.json"
)

const (
	markdownContentType = "text/markdown; charset=utf-8"
	jsonContentType     = "application/json"
)

// Config controls Archivist behavior.
type Config struct {
	// WriteTimeout bounds every individual object write. Zero disables the bound.
	WriteTimeout time.Duration
}

// Archivist writes artifacts through a BlobStore.
type Archivist struct {
	blobs  crawler.BlobStore
	signer crawler.Presigner
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Archivist. signer may be nil when presigning is unsupported.
func New(blobs crawler.BlobStore, signer crawler.Presigner, clock crawler.Clock, cfg Config, logger *zap.Logger) *Archivist {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archivist{blobs: blobs, signer: signer, clock: clock, cfg: cfg, logger: logger}
}

// Begin opens a Session rooted at "{YYYY-MM-DD}/{run_id}" for a run that
// started at startedAt.
func (a *Archivist) Begin(runID string, startedAt time.Time) *Session {
	return &Session{
		archivist: a,
		runID:     runID,
		root:      crawler.StorageRoot(startedAt, runID),
		taken:     make(map[string]struct{}),
	}
}

// Presign returns a time-limited URL for an archived object along with its expiry.
func (a *Archivist) Presign(ctx context.Context, objectPath string, ttl time.Duration) (string, time.Time, error) {
	if a.signer == nil {
		return "", time.Time{}, fmt.Errorf("presign %s: no signer configured", objectPath)
	}
	u, err := a.signer.SignURL(ctx, objectPath, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign %s: %w", objectPath, err)
	}
	return u, a.clock.Now().Add(ttl).UTC(), nil
}

func (a *Archivist) put(ctx context.Context, objectPath, contentType string, data []byte) error {
	if a.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.WriteTimeout)
		defer cancel()
	}
	if _, err := a.blobs.PutObject(ctx, objectPath, contentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put %s: %w", objectPath, err)
	}
	a.logger.Debug("artifact written", zap.String("path", objectPath), zap.Int("bytes", len(data)))
	return nil
}

func (a *Archivist) putJSON(ctx context.Context, objectPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", objectPath, err)
	}
	return a.put(ctx, objectPath, jsonContentType, data)
}

// Session archives the artifacts of one run. It is safe for concurrent use so
// media downloads for a document can store in parallel.
type Session struct {
	archivist *Archivist
	runID     string
	root      string

	mu    sync.Mutex
	taken map[string]struct{}
}

// Root returns the run's storage prefix.
func (s *Session) Root() string {
	return s.root
}

// Path joins elements under the run's storage root.
func (s *Session) Path(elem ...string) string {
	return path.Join(append([]string{s.root}, elem...)...)
}

// WriteDocument stores the cleaned markdown, the raw markdown when it differs,
// and the structured data when extraction succeeded. It sets the document's
// artifact paths on success.
func (s *Session) WriteDocument(ctx context.Context, doc *crawler.Document) error {
	mdPath := s.Path(DirMarkdown, doc.ID+".md")
	if err := s.archivist.put(ctx, mdPath, markdownContentType, []byte(doc.CleanedMarkdown)); err != nil {
		return err
	}

	var rawPath *string
	if doc.RawMarkdown != doc.CleanedMarkdown {
		p := s.Path(DirMarkdown, doc.ID+".raw.md")
		if err := s.archivist.put(ctx, p, markdownContentType, []byte(doc.RawMarkdown)); err != nil {
			return err
		}
		rawPath = &p
	}

	var jsonPath *string
	if doc.Stage2.Success && doc.StructuredData != nil {
		p := s.Path(DirJSON, doc.ID+".json")
		if err := s.archivist.putJSON(ctx, p, doc.StructuredData); err != nil {
			return err
		}
		jsonPath = &p
	}

	doc.MarkdownPath = mdPath
	doc.RawMarkdownPath = rawPath
	doc.JSONPath = jsonPath
	return nil
}

// PutMedia stores a downloaded asset under images/ or attachments/. A name
// already used in this run gets a "-n" suffix before its extension.
func (s *Session) PutMedia(ctx context.Context, kind crawler.MediaKind, filename, contentType string, data []byte) (string, error) {
	dir := DirAttachments
	if kind == crawler.MediaImage {
		dir = DirImages
	}
	objectPath := s.reserve(dir, filename)
	if err := s.archivist.put(ctx, objectPath, contentType, data); err != nil {
		s.unreserve(objectPath)
		return "", err
	}
	return objectPath, nil
}

func (s *Session) reserve(dir, filename string) string {
	ext := path.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := s.Path(dir, filename)
	for n := 1; ; n++ {
		if _, used := s.taken[candidate]; !used {
			s.taken[candidate] = struct{}{}
			return candidate
		}
		candidate = s.Path(dir, stem+"-"+strconv.Itoa(n)+ext)
	}
}

func (s *Session) unreserve(objectPath string) {
	s.mu.Lock()
	delete(s.taken, objectPath)
	s.mu.Unlock()
}
