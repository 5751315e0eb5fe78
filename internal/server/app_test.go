package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/config"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/dedup"
	memoryStorage "github.com/JakeFAU/stagecrawl/internal/storage/memory"
)

const page = `<html><head><title>Consumer prices</title></head><body>
<nav><a href="/">Home</a></nav>
<article><h1>Consumer prices</h1>
<p>` + "Prices for food and energy rose again this month across every surveyed region. " + `</p>
</article></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
		case "/prices":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(page))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.Concurrency = 1
	cfg.Crawler.MaxRetries = 0
	cfg.RateLimit.Enabled = false
	cfg.Media.Enabled = false
	cfg.Progress.Enabled = false
	return cfg
}

func TestBuildWiresInMemoryDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup.BloomCapacity = 1000
	cfg.Dedup.BloomFPRate = 0.01

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.IsType(t, &memoryStorage.RunStore{}, app.runs)
	require.IsType(t, &dedup.BloomLedger{}, app.ledger)
	require.Len(t, app.workers, 1)
	require.Nil(t, app.pool)
	require.Nil(t, app.renderer)
	require.NotNil(t, app.Logger())
}

func TestBuildRejectsPostgresLedgerWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dedup.Backend = config.DedupPostgres

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "requires database.dsn")
}

func TestRunTaskCompletesAgainstLocalSite(t *testing.T) {
	site := newSite(t)
	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	task := crawler.Task{
		ID:                "task-prices",
		Name:              "prices",
		URLs:              []string{site.URL + "/prices", site.URL + "/missing"},
		FallbackMaxSizeMB: 10,
	}
	run, err := app.RunTask(context.Background(), task)
	require.NoError(t, err)

	require.Equal(t, crawler.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.Counters.URLsTotal)
	require.Equal(t, 1, run.Counters.URLsCrawled)
	require.Equal(t, 1, run.Counters.URLsFailed)
	require.Equal(t, 1, run.Counters.DocumentsCreated)
	require.Equal(t, crawler.Stage2Disabled, run.Stage2Summary)
	require.NotEmpty(t, run.ManifestPath)
	require.NotNil(t, run.ErrorLogPath)

	docs, err := app.runs.ListDocuments(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, docs[0].CleanedMarkdown, "Prices for food")
}
