package content

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestResolveSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        crawler.CrawlConfig
		candidates []string
		want       Selection
	}{
		{
			name:       "user selector wins",
			cfg:        crawler.CrawlConfig{ContentSelector: " .story ", CSSSelector: ".legacy"},
			candidates: DefaultCandidates,
			want:       Selection{Selector: ".story", Reason: ReasonUserContentSelector},
		},
		{
			name:       "legacy selector when user selector blank",
			cfg:        crawler.CrawlConfig{ContentSelector: "  ", CSSSelector: ".legacy"},
			candidates: DefaultCandidates,
			want:       Selection{Selector: ".legacy", Reason: ReasonLegacyCSSSelector},
		},
		{
			name:       "heuristic candidates joined",
			candidates: []string{"article", "main"},
			want:       Selection{Selector: "article, main", Reason: ReasonHeuristicDefault},
		},
		{
			name: "none without candidates",
			want: Selection{Reason: ReasonNone},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ResolveSelector(tc.cfg, tc.candidates))
		})
	}
}

func TestDefaultCandidatesOrder(t *testing.T) {
	t.Parallel()

	sel := ResolveSelector(crawler.CrawlConfig{}, DefaultCandidates)
	require.Equal(t,
		`article, main, [role="main"], .article-content, .post-content, .detail-content, .content, #content, `+
			`.main-content, #main-content, .entry-content, #main, .main, .post`,
		sel.Selector,
	)
}
