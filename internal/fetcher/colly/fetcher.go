// Package collyfetcher implements crawler.Fetcher on top of gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies when a request sets no cap of its own. Zero means unlimited.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using a Colly collector per request.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across requests.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.Async(false))
	transport := &robotsRetryTransport{base: newHTTPTransport()}
	base.WithTransport(transport)
	return &Fetcher{cfg: cfg, transport: transport, base: base}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned, not treated as errors.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector := f.collectorFor(req)
	f.configureHooks(collector, req, time.Now(), &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly visit %s: %w", req.URL, err)
		}
		if fetchErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly response %s: %w", req.URL, fetchErr)
		}
		return result, nil
	}
}

func (f *Fetcher) collectorFor(req crawler.FetchRequest) *colly.Collector {
	c := f.base.Clone()
	// The dedup ledger decides what to skip, so colly must not.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if req.RespectRobotsProvided {
		respectRobots = req.RespectRobots
	}
	c.IgnoreRobotsTxt = !respectRobots
	c.SetRequestTimeout(f.cfg.Timeout)
	c.MaxBodySize = f.cfg.MaxBodySize
	if req.MaxBodySize > 0 {
		c.MaxBodySize = req.MaxBodySize
	}
	c.WithTransport(f.transport)
	return c
}

func (f *Fetcher) configureHooks(
	hooks collectorHooks,
	req crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
