package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/metrics"
)

const (
	defaultParallelism = 4
	defaultTimeout     = 30 * time.Second
	defaultMIME        = "application/octet-stream"
	errFallbackOff     = "fallback disabled"
)

// ErrTooLarge marks a resource whose size exceeds the configured cap.
var ErrTooLarge = errors.New("resource exceeds size limit")

// Store persists a downloaded asset and returns its storage path. Implementations
// resolve filename collisions.
type Store interface {
	PutMedia(ctx context.Context, kind crawler.MediaKind, filename, contentType string, data []byte) (string, error)
}

// Options are per-task download settings.
type Options struct {
	FallbackEnabled bool
	MaxBytes        int64
}

// Config holds process-wide download settings.
type Config struct {
	Parallelism int
	Timeout     time.Duration
	UserAgent   string
}

// Acquirer downloads media with a primary engine fetch and a direct fallback.
type Acquirer struct {
	primary crawler.Fetcher
	client  *http.Client
	limiter crawler.RateLimiter
	hasher  crawler.Hasher
	ids     crawler.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// NewAcquirer wires an Acquirer. A nil client uses a client with the configured timeout.
func NewAcquirer(
	primary crawler.Fetcher,
	client *http.Client,
	limiter crawler.RateLimiter,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Acquirer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{
		primary: primary,
		client:  client,
		limiter: limiter,
		hasher:  hasher,
		ids:     ids,
		cfg:     cfg,
		logger:  logger.Named("media"),
	}
}

// Acquire downloads every ref and returns one asset per ref in the same order.
// Failures are reported on the asset, never as an error.
func (a *Acquirer) Acquire(ctx context.Context, store Store, refs []Ref, opts Options) []crawler.MediaAsset {
	assets := make([]crawler.MediaAsset, len(refs))
	var g errgroup.Group
	g.SetLimit(a.cfg.Parallelism)
	for i, ref := range refs {
		g.Go(func() error {
			assets[i] = a.acquireOne(ctx, store, ref, opts)
			metrics.ObserveMedia(string(assets[i].Status), string(assets[i].Method))
			return nil
		})
	}
	_ = g.Wait()
	return assets
}

type download struct {
	body     []byte
	mimeType string
}

func (a *Acquirer) acquireOne(ctx context.Context, store Store, ref Ref, opts Options) crawler.MediaAsset {
	asset := crawler.MediaAsset{Kind: ref.Kind, OriginalURL: ref.URL, Status: crawler.MediaPending}
	if id, err := a.ids.NewID(); err == nil {
		asset.ID = id
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	asset.Method = crawler.MethodPrimary
	got, err := a.fetchPrimary(ctx, ref.URL, opts.MaxBytes)
	if err != nil && !errors.Is(err, ErrTooLarge) {
		primaryErr := err
		if !opts.FallbackEnabled {
			return failed(asset, errFallbackOff)
		}
		a.logger.Debug("primary media fetch failed, trying direct download",
			zap.String("url", ref.URL), zap.Error(primaryErr))
		asset.Method = crawler.MethodFallback
		got, err = a.fetchDirect(ctx, ref.URL, opts.MaxBytes)
		if err != nil && !errors.Is(err, ErrTooLarge) {
			return failed(asset, fmt.Sprintf("primary: %v; fallback: %v", primaryErr, err))
		}
	}
	if errors.Is(err, ErrTooLarge) {
		asset.Status = crawler.MediaSkipped
		asset.Error = err.Error()
		return asset
	}

	digest, err := a.hasher.Hash(got.body)
	if err != nil {
		return failed(asset, fmt.Sprintf("hash: %v", err))
	}
	filename := Filename(ref.URL, got.mimeType, digest)
	stored, err := store.PutMedia(ctx, ref.Kind, filename, got.mimeType, got.body)
	if err != nil {
		return failed(asset, fmt.Sprintf("store: %v", err))
	}
	asset.Status = crawler.MediaSuccess
	asset.StoragePath = stored
	asset.SizeBytes = int64(len(got.body))
	asset.MIMEType = got.mimeType
	asset.SHA256 = digest
	return asset
}

func failed(asset crawler.MediaAsset, msg string) crawler.MediaAsset {
	asset.Status = crawler.MediaFailed
	asset.Error = msg
	return asset
}

func (a *Acquirer) fetchPrimary(ctx context.Context, rawURL string, maxBytes int64) (download, error) {
	if a.primary == nil {
		return download{}, errors.New("no primary fetcher")
	}
	if err := a.wait(ctx, rawURL); err != nil {
		return download{}, err
	}
	req := crawler.FetchRequest{URL: rawURL}
	if maxBytes > 0 {
		// One byte past the cap tells a body at the cap apart from a truncated one.
		req.MaxBodySize = int(maxBytes + 1)
	}
	resp, err := a.primary.Fetch(ctx, req)
	if err != nil {
		return download{}, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return download{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return download{}, errors.New("empty body")
	}
	if maxBytes > 0 && int64(len(resp.Body)) > maxBytes {
		return download{}, fmt.Errorf("%w: body exceeds cap %d", ErrTooLarge, maxBytes)
	}
	return download{body: resp.Body, mimeType: mimeOf(resp.Headers.Get("Content-Type"))}, nil
}

func (a *Acquirer) fetchDirect(ctx context.Context, rawURL string, maxBytes int64) (download, error) {
	if err := a.wait(ctx, rawURL); err != nil {
		return download{}, err
	}
	if size, ok := a.probeSize(ctx, rawURL); ok && maxBytes > 0 && size > maxBytes {
		return download{}, fmt.Errorf("%w: content-length %d, cap %d", ErrTooLarge, size, maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return download{}, fmt.Errorf("build request: %w", err)
	}
	a.decorate(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return download{}, fmt.Errorf("get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return download{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return download{}, fmt.Errorf("%w: content-length %d, cap %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return download{}, fmt.Errorf("read body: %w", err)
	}
	if maxBytes > 0 && int64(buf.Len()) > maxBytes {
		return download{}, fmt.Errorf("%w: body exceeds cap %d", ErrTooLarge, maxBytes)
	}
	if buf.Len() == 0 {
		return download{}, errors.New("empty body")
	}
	return download{body: buf.Bytes(), mimeType: mimeOf(resp.Header.Get("Content-Type"))}, nil
}

// probeSize issues a HEAD request. Servers that reject HEAD are not an error.
func (a *Acquirer) probeSize(ctx context.Context, rawURL string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, false
	}
	a.decorate(req)
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, false
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

func (a *Acquirer) decorate(req *http.Request) {
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}
}

func (a *Acquirer) wait(ctx context.Context, rawURL string) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func mimeOf(contentType string) string {
	if contentType == "" {
		return defaultMIME
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return defaultMIME
	}
	return mediaType
}
