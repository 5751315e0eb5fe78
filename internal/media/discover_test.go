package media

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const discoverPage = `<html><body>
<img src="/img/a.png">
<a href="docs/report.PDF#page=2">Report</a>
<img data-src="https://cdn.example.com/lazy.jpg" src="data:image/gif;base64,R0lGOD">
<img src="/img/a.png">
<a href="javascript:void(0)">js</a>
<a href="/about.html">About</a>
<a href="mailto:x@example.com">mail</a>
<a href="../files/data.csv?v=1">CSV</a>
</body></html>`

func TestDiscoverOrderResolutionAndDedup(t *testing.T) {
	t.Parallel()

	refs := Discover(discoverPage, "https://example.com/news/item.html", 0)
	require.Equal(t, []Ref{
		{Kind: crawler.MediaImage, URL: "https://example.com/img/a.png"},
		{Kind: crawler.MediaAttachment, URL: "https://example.com/news/docs/report.PDF"},
		{Kind: crawler.MediaImage, URL: "https://cdn.example.com/lazy.jpg"},
		{Kind: crawler.MediaAttachment, URL: "https://example.com/files/data.csv?v=1"},
	}, refs)
}

func TestDiscoverCap(t *testing.T) {
	t.Parallel()

	refs := Discover(discoverPage, "https://example.com/news/item.html", 2)
	require.Len(t, refs, 2)
	require.Equal(t, "https://example.com/img/a.png", refs[0].URL)
}

func TestDiscoverBadPageURL(t *testing.T) {
	t.Parallel()

	require.Empty(t, Discover(discoverPage, "://bad", 0))
}

func TestFilename(t *testing.T) {
	t.Parallel()

	digest := "0123456789abcdef"
	cases := []struct {
		name, url, mime, want string
	}{
		{"basename kept", "https://example.com/img/logo.png", "image/png", "logo.png"},
		{"extension from mime", "https://example.com/download", "application/pdf", "download.pdf"},
		{"no basename", "https://example.com/", "image/jpeg", "resource_01234567.jpg"},
		{"unsafe characters", "https://example.com/a%20b%3Fc.png", "image/png", "a_b_c.png"},
		{"unknown mime", "https://example.com/", "application/x-unknown-thing", "resource_01234567.bin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Filename(tc.url, tc.mime, digest))
		})
	}
}
