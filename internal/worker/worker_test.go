package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/archive"
	"github.com/JakeFAU/stagecrawl/internal/clock/system"
	"github.com/JakeFAU/stagecrawl/internal/content"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/extract"
	"github.com/JakeFAU/stagecrawl/internal/hash/sha256"
	"github.com/JakeFAU/stagecrawl/internal/llm"
	"github.com/JakeFAU/stagecrawl/internal/media"
	"github.com/JakeFAU/stagecrawl/internal/progress"
	queuememory "github.com/JakeFAU/stagecrawl/internal/queue/memory"
	"github.com/JakeFAU/stagecrawl/internal/storage/memory"
	"github.com/JakeFAU/stagecrawl/internal/taskdef"
)

const articlePage = `<html><head><title>Prices</title></head><body>
<nav><a href="/">Home</a> <a href="/about">About</a> <a href="/contact">Contact</a></nav>
<article><h1>Bread prices rise</h1>
<p>The price of a loaf of bread rose by four percent in March according to the survey of bakeries.</p>
<p>Analysts expect further increases as flour costs climb through the spring season.</p>
<img src="/img/chart.png"></article>
<footer>Copyright footer text that should be removed</footer>
</body></html>`

var testSchema = map[string]any{
	"properties": map[string]any{"title": map[string]any{"type": "string"}},
	"required":   []any{"title"},
}

type harness struct {
	runs      *memory.RunStore
	ledger    *memory.Ledger
	blobs     *memory.BlobStore
	fetcher   *fakeFetcher
	headless  *fakeFetcher
	publisher *fakePublisher
	events    *recordingEmitter
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config, backend llm.BackendFunc, env taskdef.EnvironmentDefaults) *harness {
	t.Helper()
	h := &harness{
		runs:      memory.NewRunStore(),
		ledger:    memory.NewLedger(),
		blobs:     memory.NewBlobStore(),
		fetcher:   newFakeFetcher(),
		headless:  newFakeFetcher(),
		publisher: &fakePublisher{},
		events:    &recordingEmitter{},
	}
	clock := system.NewStepped(time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC), time.Millisecond)
	ids := &seqIDs{}
	if env.LLM.Provider == "" {
		env.LLM = crawler.LLMIdentity{Provider: "openai", Model: "gpt-4", Credential: "test-key"}
	}
	cfg.MediaEnabled = true
	cfg.RetryBackoff = time.Millisecond
	h.worker = New(Deps{
		Runs:      h.runs,
		Ledger:    h.ledger,
		Probe:     h.fetcher,
		Headless:  h.headless,
		Detector:  fakeDetector{},
		Cleaner:   content.NewCleaner(),
		Extractor: extract.New(backend, time.Second, nil),
		Acquirer:  media.NewAcquirer(h.fetcher, nil, nil, sha256.New(), ids, media.Config{}, nil),
		Archivist: archive.New(h.blobs, h.blobs, clock, archive.Config{}, nil),
		Resolver:  taskdef.NewResolver(env),
		Publisher: h.publisher,
		Progress:  h.events,
		Clock:     clock,
		IDs:       ids,
	}, cfg, zap.NewNop())
	return h
}

func titleBackend(calls *int, mu *sync.Mutex) llm.BackendFunc {
	return func(_ context.Context, call llm.Call) (string, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		if strings.Contains(call.Content, "Bread prices rise") {
			return `{"title":"Bread prices rise","error":false}`, nil
		}
		return `{"summary":"nothing here"}`, nil
	}
}

func (h *harness) submit(t *testing.T, task crawler.Task, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.runs.SaveTask(ctx, task))
	require.NoError(t, h.runs.CreateRun(ctx, crawler.Run{
		ID: runID, TaskID: task.ID, TaskName: task.Name, Status: crawler.RunStatusPending,
	}))
}

func baseTask(urls ...string) crawler.Task {
	return crawler.Task{
		ID:                   "task-1",
		Name:                 "bread",
		URLs:                 urls,
		Crawl:                crawler.CrawlConfig{Stage2FallbackEnabled: true},
		Prompt:               crawler.PromptSource{Kind: crawler.SourceInline, Text: "Extract the headline."},
		Schema:               crawler.SchemaSource{Kind: crawler.SourceInline, Inline: testSchema},
		DeduplicationEnabled: true,
		// Keeps media downloads on the fake fetcher.
		FallbackDownloadEnabled: false,
		FallbackMaxSizeMB:       10,
	}
}

func TestProcessSuccessAndFailureMix(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{Topic: "runs"}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/news", fakePage{status: 200, body: articlePage})
	h.fetcher.set("https://example.com/img/chart.png", fakePage{status: 200, body: "PNGDATA", contentType: "image/png"})
	h.fetcher.set("https://example.com/broken", fakePage{status: 500, body: "oops"})

	h.submit(t, baseTask("https://example.com/news", "https://example.com/broken"), "run-1")

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)

	require.Equal(t, crawler.RunStatusCompleted, run.Status)
	require.Nil(t, run.ErrorMessage)
	require.Equal(t, 2, run.Counters.URLsTotal)
	require.Equal(t, 1, run.Counters.URLsCrawled)
	require.Equal(t, 1, run.Counters.URLsFailed)
	require.Equal(t, 1, run.Counters.DocumentsCreated)
	require.Equal(t, 1, run.Counters.Stage2Succeeded)
	require.Equal(t, "1 documents", run.Stage2Summary)
	require.Equal(t, "2025-03-05/run-1", run.StorageRoot)
	require.NotNil(t, run.ErrorLogPath)

	stored, err := h.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusCompleted, stored.Status)
	require.Equal(t, "2025-03-05/run-1/logs/run_manifest.json", stored.ManifestPath)

	docs, err := h.runs.ListDocuments(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc := docs[0]
	require.Equal(t, map[string]any{"title": "Bread prices rise"}, doc.StructuredData)
	require.True(t, doc.Stage2.Success)
	require.False(t, doc.Stage2.FallbackUsed)
	require.NotNil(t, doc.JSONPath)
	require.Equal(t, string(content.ReasonHeuristicDefault), doc.SelectorReason)
	require.Len(t, doc.Media, 1)
	require.Equal(t, crawler.MediaSuccess, doc.Media[0].Status)
	require.Equal(t, "2025-03-05/run-1/images/chart.png", doc.Media[0].StoragePath)

	_, _, ok := h.blobs.Object(doc.MarkdownPath)
	require.True(t, ok)

	published := h.publisher.messages()
	require.Len(t, published, 1)
	require.Equal(t, "runs", published[0].topic)
	payload := published[0].payload.(map[string]any)
	require.Equal(t, "run-1", payload["run_id"])
	require.Equal(t, crawler.RunStatusCompleted, payload["status"])

	stages := h.events.stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StageURLFailed)
	require.Contains(t, stages, progress.StageDocumentCreated)
	require.Contains(t, stages, progress.StageMediaDone)
}

func TestProcessDedupSkipsSecondRun(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/news", fakePage{status: 200, body: articlePage})
	task := baseTask("https://example.com/news")

	h.submit(t, task, "run-1")
	first, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, first.Counters.URLsCrawled)

	require.NoError(t, h.runs.CreateRun(context.Background(), crawler.Run{ID: "run-2", TaskID: task.ID, Status: crawler.RunStatusPending}))
	second, err := h.worker.Process(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, 0, second.Counters.URLsCrawled)
	require.Equal(t, 1, second.Counters.URLsSkipped)
	require.Equal(t, crawler.RunStatusCompleted, second.Status)

	entry, err := h.ledger.Get(context.Background(), task.ID, "https://example.com/news")
	require.NoError(t, err)
	require.Equal(t, 1, entry.CrawlCount)
	require.Equal(t, 1, h.fetcher.hits("https://example.com/news"))
}

func TestProcessWithoutDedupRecordsEveryVisit(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/news", fakePage{status: 200, body: articlePage})
	task := baseTask("https://example.com/news")
	task.DeduplicationEnabled = false

	h.submit(t, task, "run-1")
	_, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.NoError(t, h.runs.CreateRun(context.Background(), crawler.Run{ID: "run-2", TaskID: task.ID, Status: crawler.RunStatusPending}))
	second, err := h.worker.Process(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, second.Counters.URLsCrawled)

	entry, err := h.ledger.Get(context.Background(), task.ID, "https://example.com/news")
	require.NoError(t, err)
	require.Equal(t, 2, entry.CrawlCount)
}

func TestProcessReleasesClaimOnFailure(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/down", fakePage{err: errors.New("connection refused")})

	h.submit(t, baseTask("https://example.com/down"), "run-1")
	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, run.Counters.URLsFailed)
	require.True(t, run.Stage2Configured)
	require.Equal(t, "FAILED (0 errors)", run.Stage2Summary)

	skip, err := h.ledger.ShouldSkip(context.Background(), "task-1", "https://example.com/down")
	require.NoError(t, err)
	require.False(t, skip)
}

func TestProcessReleasesClaimWhenShutDownMidFetch(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	ledger := &ctxLedger{Ledger: h.ledger}
	fetcher := &blockingFetcher{started: make(chan struct{})}
	h.worker.deps.Ledger = ledger
	h.worker.deps.Probe = fetcher

	h.submit(t, baseTask("https://example.com/slow"), "run-1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fetcher.started
		cancel()
	}()

	run, err := h.worker.Process(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusFailed, run.Status)
	require.Equal(t, "run interrupted: context canceled", *run.ErrorMessage)

	skip, err := h.ledger.ShouldSkip(context.Background(), "task-1", "https://example.com/slow")
	require.NoError(t, err)
	require.False(t, skip)
}

func TestProcessStage2DisabledWithoutPrompt(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/down", fakePage{err: errors.New("connection refused")})

	task := baseTask("https://example.com/down")
	task.Prompt = crawler.PromptSource{}
	h.submit(t, task, "run-1")
	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.False(t, run.Stage2Configured)
	require.Equal(t, crawler.Stage2Disabled, run.Stage2Summary)
}

func TestProcessStage2FailureStillCreatesDocument(t *testing.T) {
	t.Parallel()

	backend := llm.BackendFunc(func(context.Context, llm.Call) (string, error) {
		return `{"summary":"no title"}`, nil
	})
	h := newHarness(t, Config{}, backend, taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/news", fakePage{status: 200, body: articlePage})

	h.submit(t, baseTask("https://example.com/news"), "run-1")
	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.Counters.DocumentsCreated)
	require.Equal(t, 1, run.Counters.Stage2Failed)
	require.Equal(t, "FAILED (1 errors)", run.Stage2Summary)

	docs, err := h.runs.ListDocuments(context.Background(), "run-1")
	require.NoError(t, err)
	require.Nil(t, docs[0].StructuredData)
	require.Nil(t, docs[0].JSONPath)
	require.True(t, docs[0].Stage2.FallbackUsed)
	require.Equal(t, "missing_required_fields:[title]", *docs[0].Stage2.Error)
}

func TestProcessCancelledBeforeFirstURL(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.submit(t, baseTask("https://example.com/a", "https://example.com/b"), "run-1")
	require.NoError(t, h.runs.RequestCancel(context.Background(), "run-1"))

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusCompleted, run.Status)
	require.Equal(t, ErrorCancelled, *run.ErrorMessage)
	require.Equal(t, 0, run.Counters.URLsCrawled)
	require.Equal(t, 0, h.fetcher.hits("https://example.com/a"))
}

func TestProcessFailsOnUnreadablePrompt(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{TemplatesRoot: t.TempDir()})
	task := baseTask("https://example.com/news")
	task.Prompt = crawler.PromptSource{Kind: crawler.SourceFileRef, Path: "../escape.txt"}
	h.submit(t, task, "run-1")

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusFailed, run.Status)
	require.Contains(t, *run.ErrorMessage, "resolve task sources")
	require.Equal(t, 0, h.fetcher.hits("https://example.com/news"))
	require.Equal(t, progress.StageRunError, h.events.stages()[len(h.events.stages())-1])
}

func TestProcessOnlyAfterDateSkipsStalePages(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/old", fakePage{
		status: 200, body: articlePage,
		headers: http.Header{"Last-Modified": []string{"Mon, 02 Jan 2023 15:04:05 GMT"}},
	})
	task := baseTask("https://example.com/old")
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task.OnlyAfterDate = &after
	h.submit(t, task, "run-1")

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, run.Counters.URLsSkipped)
	require.Equal(t, 0, run.Counters.URLsFailed)
	require.Equal(t, 0, run.Counters.DocumentsCreated)
	require.Nil(t, run.ErrorLogPath)
}

func TestProcessPromotesToHeadless(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{HeadlessAllowed: true}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/spa", fakePage{status: 200, body: `<html><body><div id="root"></div></body></html>`})
	h.headless.set("https://example.com/spa", fakePage{status: 200, body: articlePage})
	h.submit(t, baseTask("https://example.com/spa"), "run-1")

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, run.Counters.Stage2Succeeded)
	require.Equal(t, 1, h.headless.hits("https://example.com/spa"))
}

func TestProcessRetriesTransientFetchErrors(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{MaxRetries: 3}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/flaky", fakePage{status: 200, body: articlePage, failures: 2})
	h.fetcher.set("https://example.com/dead", fakePage{status: 200, body: articlePage, failures: 10})
	h.submit(t, baseTask("https://example.com/flaky", "https://example.com/dead"), "run-1")

	run, err := h.worker.Process(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, run.Counters.URLsCrawled)
	require.Equal(t, 1, run.Counters.URLsFailed)
	require.Equal(t, 3, h.fetcher.hits("https://example.com/flaky"))
	// Initial attempt + 3 retries.
	require.Equal(t, 4, h.fetcher.hits("https://example.com/dead"))
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	h := newHarness(t, Config{}, titleBackend(&calls, &mu), taskdef.EnvironmentDefaults{})
	h.fetcher.set("https://example.com/news", fakePage{status: 200, body: articlePage})
	h.submit(t, baseTask("https://example.com/news"), "run-1")

	queue := queuememory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx, queue)
		close(done)
	}()
	require.NoError(t, queue.Enqueue(ctx, crawler.QueueItem{RunID: "run-1", TaskID: "task-1"}))

	require.Eventually(t, func() bool {
		run, err := h.runs.GetRun(context.Background(), "run-1")
		return err == nil && run.Status == crawler.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(2, 10*time.Millisecond)
	require.True(t, p.ShouldRetry(errors.New("reset"), 0))
	require.True(t, p.ShouldRetry(errors.New("reset"), 1))
	require.False(t, p.ShouldRetry(errors.New("reset"), 2))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(nil, 0))

	for attempt := range 10 {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, maxRetryBackoff)
	}
}

// --- fakes ---

type fakePage struct {
	status      int
	body        string
	contentType string
	headers     http.Header
	err         error
	failures    int
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	count map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]fakePage), count: make(map[string]int)}
}

func (f *fakeFetcher) set(url string, p fakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = p
}

func (f *fakeFetcher) hits(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count[url]
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count[req.URL]++
	p, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	if p.err != nil {
		return crawler.FetchResponse{}, p.err
	}
	if f.count[req.URL] <= p.failures {
		return crawler.FetchResponse{}, errors.New("transient error")
	}
	headers := http.Header{}
	for k, v := range p.headers {
		headers[k] = v
	}
	if p.contentType != "" {
		headers.Set("Content-Type", p.contentType)
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: p.status,
		Headers:    headers,
		Body:       []byte(p.body),
		Duration:   time.Millisecond,
	}, nil
}

type blockingFetcher struct {
	once    sync.Once
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return crawler.FetchResponse{}, ctx.Err()
}

// ctxLedger fails like a database driver once its context is done.
type ctxLedger struct {
	*memory.Ledger
}

func (l *ctxLedger) Release(ctx context.Context, taskID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Ledger.Release(ctx, taskID, url)
}

type fakeDetector struct{}

func (fakeDetector) ShouldPromote(resp crawler.FetchResponse) bool {
	return strings.Contains(string(resp.Body), `id="root"`)
}

type publishedMessage struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publishedMessage
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMessage{topic: topic, payload: payload})
	return "msg", nil
}

func (p *fakePublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.msgs...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}
