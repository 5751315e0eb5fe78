package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/content"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/extract"
	"github.com/JakeFAU/stagecrawl/internal/media"
	"github.com/JakeFAU/stagecrawl/internal/metrics"
	"github.com/JakeFAU/stagecrawl/internal/progress"
)

const (
	bytesPerMB     = 1 << 20
	releaseTimeout = 5 * time.Second
)

// handleURL processes one URL. Per-URL failures are recorded on state; the
// returned error is reserved for infrastructure failures that end the run.
func (w *Worker) handleURL(ctx context.Context, state *runState, rawURL string) error {
	logger := state.logger.With(zap.String("url", rawURL))
	task := state.task

	claimed := false
	if task.DeduplicationEnabled {
		skip, err := w.deps.Ledger.ShouldSkip(ctx, task.ID, rawURL)
		if err != nil {
			return fmt.Errorf("dedup lookup: %w", err)
		}
		if !skip {
			ok, err := w.deps.Ledger.Claim(ctx, task.ID, rawURL, w.deps.Clock.Now())
			if err != nil {
				return fmt.Errorf("dedup claim: %w", err)
			}
			skip = !ok
			claimed = ok
		}
		if skip {
			state.counters.URLsSkipped++
			logger.Info("url already visited, skipping")
			w.emit(state, progress.Event{Stage: progress.StageURLSkipped, URL: rawURL, Site: siteOf(rawURL), Note: "already visited"})
			return nil
		}
	}

	release := func() error {
		if !claimed {
			return nil
		}
		// A claim left behind would skip the URL forever, so release even after shutdown.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := w.deps.Ledger.Release(rctx, task.ID, rawURL); err != nil {
			return fmt.Errorf("dedup release: %w", err)
		}
		return nil
	}

	resp, err := w.fetchPage(ctx, state.run.ID, rawURL)
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.Join(fmt.Errorf("run interrupted: %w", ctx.Err()), release())
		}
		w.failURL(state, logger, rawURL, err.Error())
		metrics.ObservePage(rawURL, "error", len(resp.Body))
		return release()
	}
	metrics.ObservePage(rawURL, string(progress.ClassifyStatus(resp.StatusCode)), len(resp.Body))
	w.emit(state, progress.Event{
		Stage:       progress.StageFetchDone,
		URL:         rawURL,
		Site:        siteOf(rawURL),
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})

	if task.OnlyAfterDate != nil {
		if modified, ok := lastModified(resp); ok && modified.Before(*task.OnlyAfterDate) {
			state.counters.URLsSkipped++
			logger.Info("page predates only_after_date, skipping", zap.Time("last_modified", modified))
			w.emit(state, progress.Event{Stage: progress.StageURLSkipped, URL: rawURL, Site: siteOf(rawURL), Note: "not modified since only_after_date"})
			return release()
		}
	}

	doc, err := w.buildDocument(ctx, state, logger, rawURL, resp)
	if err != nil {
		w.failURL(state, logger, rawURL, err.Error())
		return release()
	}

	if err := w.deps.Runs.SaveDocument(ctx, doc); err != nil {
		return errors.Join(fmt.Errorf("commit document: %w", err), release())
	}
	if !task.DeduplicationEnabled {
		if _, err := w.deps.Ledger.RecordVisit(ctx, task.ID, rawURL, w.deps.Clock.Now()); err != nil {
			return fmt.Errorf("record visit: %w", err)
		}
	}

	w.tally(state, doc)
	logger.Info("document created",
		zap.String("document_id", doc.ID),
		zap.Float64("reduction_ratio", doc.ReductionRatio),
		zap.Bool("stage2_success", doc.Stage2.Success),
		zap.Int("media", len(doc.Media)),
	)
	w.emit(state, progress.Event{Stage: progress.StageDocumentCreated, URL: rawURL, Site: siteOf(rawURL), Note: doc.ID})
	return nil
}

// buildDocument runs cleaning, extraction, media acquisition and archiving for
// a fetched page. An error means the page could not be archived.
func (w *Worker) buildDocument(
	ctx context.Context,
	state *runState,
	logger *zap.Logger,
	rawURL string,
	resp crawler.FetchResponse,
) (crawler.Document, error) {
	task := state.task
	body := string(resp.Body)

	docID, err := w.deps.IDs.NewID()
	if err != nil {
		return crawler.Document{}, fmt.Errorf("document id: %w", err)
	}

	sel := content.ResolveSelector(task.Crawl, w.deps.Cleaner.Candidates())
	cleaned := w.deps.Cleaner.Clean(body, rawURL, sel, task.Crawl.ContentFilterThreshold)
	if cleaned.Degraded != nil {
		w.emit(state, progress.Event{Stage: progress.StageCleanDegraded, URL: rawURL, Site: siteOf(rawURL), Note: cleaned.Degraded.Error()})
	}
	if d := cleaned.Diagnostic; d != nil {
		logger.Warn("selector removed almost nothing",
			zap.String("selector", d.Selector),
			zap.String("reason", string(d.Reason)),
			zap.Float64("reduction_ratio", d.ReductionRatio),
			zap.Strings("suggestions", suggestionSelectors(d.Suggestions)),
		)
		w.emit(state, progress.Event{
			Stage: progress.StageCleanDiagnostic,
			URL:   rawURL,
			Site:  siteOf(rawURL),
			Note:  "suggested selectors: " + strings.Join(suggestionSelectors(d.Suggestions), ", "),
		})
	}

	structured, stage2 := w.deps.Extractor.Extract(ctx, extract.Request{
		Content:         cleaned.CleanedText,
		RawMarkup:       body,
		Prompt:          state.resolved.Prompt,
		Schema:          state.resolved.Schema,
		Identity:        state.resolved.Identity,
		FallbackEnabled: task.Crawl.Stage2FallbackEnabled,
	})
	if stage2.Enabled {
		note := "success"
		if stage2.Error != nil {
			note = *stage2.Error
		}
		w.emit(state, progress.Event{Stage: progress.StageStage2Done, URL: rawURL, Site: siteOf(rawURL), Note: note})
	}

	var assets []crawler.MediaAsset
	if w.cfg.MediaEnabled && w.deps.Acquirer != nil {
		refs := media.Discover(body, resp.URL, w.cfg.MediaMaxPerPage)
		if len(refs) > 0 {
			assets = w.deps.Acquirer.Acquire(ctx, state.session, refs, media.Options{
				FallbackEnabled: task.FallbackDownloadEnabled,
				MaxBytes:        int64(task.FallbackMaxSizeMB) * bytesPerMB,
			})
			w.emit(state, progress.Event{
				Stage: progress.StageMediaDone,
				URL:   rawURL,
				Site:  siteOf(rawURL),
				Bytes: mediaBytes(assets),
				Note:  fmt.Sprintf("%d assets", len(assets)),
			})
		}
	}

	doc := crawler.Document{
		ID:              docID,
		RunID:           state.run.ID,
		TaskID:          task.ID,
		SourceURL:       rawURL,
		Title:           cleaned.Title,
		RawMarkdown:     cleaned.RawText,
		CleanedMarkdown: cleaned.CleanedText,
		ReductionRatio:  cleaned.ReductionRatio,
		SelectorReason:  string(sel.Reason),
		StructuredData:  structured,
		Stage2:          stage2,
		Media:           assets,
		CreatedAt:       w.deps.Clock.Now(),
	}
	if err := state.session.WriteDocument(ctx, &doc); err != nil {
		return crawler.Document{}, fmt.Errorf("archive document: %w", err)
	}
	return doc, nil
}

// tally folds a committed document into the run counters and error list.
func (w *Worker) tally(state *runState, doc crawler.Document) {
	now := w.deps.Clock.Now()
	state.counters.URLsCrawled++
	state.counters.DocumentsCreated++
	state.documents = append(state.documents, doc)
	metrics.ObserveDocument()

	switch {
	case !doc.Stage2.Enabled:
		metrics.ObserveStage2("disabled")
	case doc.Stage2.Success:
		state.counters.Stage2Succeeded++
		metrics.ObserveStage2("success")
	default:
		state.counters.Stage2Failed++
		msg := "stage 2 failed"
		if doc.Stage2.Error != nil {
			msg = *doc.Stage2.Error
		}
		state.recordError(crawler.StageStage2, doc.SourceURL, msg, now)
		metrics.ObserveStage2("failed")
	}

	for _, asset := range doc.Media {
		if asset.Status == crawler.MediaSuccess {
			continue
		}
		msg := fmt.Sprintf("%s %s: %s", asset.Kind, asset.Status, asset.Error)
		state.recordError(crawler.StageMedia, asset.OriginalURL, msg, now)
	}
}

func (w *Worker) failURL(state *runState, logger *zap.Logger, rawURL, msg string) {
	state.counters.URLsFailed++
	state.recordError(crawler.StageCrawl, rawURL, msg, w.deps.Clock.Now())
	logger.Warn("url failed", zap.String("error", msg))
	w.emit(state, progress.Event{Stage: progress.StageURLFailed, URL: rawURL, Site: siteOf(rawURL), Note: msg})
}

// fetchPage fetches with the probe fetcher, retrying transient failures, and
// promotes to the headless renderer when the detector asks for it.
func (w *Worker) fetchPage(ctx context.Context, runID, rawURL string) (crawler.FetchResponse, error) {
	if w.deps.Probe == nil {
		return crawler.FetchResponse{}, errors.New("no probe fetcher configured")
	}
	req := crawler.FetchRequest{
		RunID:                 runID,
		URL:                   rawURL,
		RespectRobots:         w.cfg.RespectRobots,
		RespectRobotsProvided: true,
	}

	var (
		resp crawler.FetchResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		if w.deps.Limiter != nil {
			if werr := w.deps.Limiter.Wait(ctx, rawURL); werr != nil {
				return crawler.FetchResponse{}, fmt.Errorf("rate limit wait: %w", werr)
			}
		}
		resp, err = w.fetchOnce(ctx, w.deps.Probe, req)
		if err == nil || !w.retry.ShouldRetry(err, attempt) {
			break
		}
		if serr := sleep(ctx, w.retry.Backoff(attempt)); serr != nil {
			return crawler.FetchResponse{}, serr
		}
	}
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}

	if !w.cfg.HeadlessAllowed || w.deps.Headless == nil || w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	headlessReq := req
	headlessReq.UseHeadless = true
	rendered, err := w.fetchOnce(ctx, w.deps.Headless, headlessReq)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

func (w *Worker) fetchOnce(ctx context.Context, f crawler.Fetcher, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

func lastModified(resp crawler.FetchResponse) (time.Time, bool) {
	raw := resp.Headers.Get("Last-Modified")
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func suggestionSelectors(s []content.Suggestion) []string {
	out := make([]string, 0, len(s))
	for _, sug := range s {
		out = append(out, sug.Selector)
	}
	return out
}

func mediaBytes(assets []crawler.MediaAsset) int64 {
	var total int64
	for _, a := range assets {
		total += a.SizeBytes
	}
	return total
}
