// Package content resolves content selectors and cleans rendered pages into markdown.
package content

import (
	"strings"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// SelectorReason records why a selector was chosen.
type SelectorReason string

// Selector reasons, in precedence order.
const (
	ReasonUserContentSelector SelectorReason = "user_content_selector"
	ReasonLegacyCSSSelector   SelectorReason = "legacy_css_selector"
	ReasonHeuristicDefault    SelectorReason = "heuristic_default"
	ReasonNone                SelectorReason = "none"
)

// DefaultCandidates are the heuristic main-content selectors, most specific first.
var DefaultCandidates = []string{
	"article",
	"main",
	`[role="main"]`,
	".article-content",
	".post-content",
	".detail-content",
	".content",
	"#content",
	".main-content",
	"#main-content",
	".entry-content",
	"#main",
	".main",
	".post",
}

// Selection is the selector applied to a page. An empty Selector means whole-page processing.
type Selection struct {
	Selector string
	Reason   SelectorReason
}

// ResolveSelector picks the user selector, then the legacy css selector, then the heuristic candidates.
func ResolveSelector(cfg crawler.CrawlConfig, candidates []string) Selection {
	if s := strings.TrimSpace(cfg.ContentSelector); s != "" {
		return Selection{Selector: s, Reason: ReasonUserContentSelector}
	}
	if s := strings.TrimSpace(cfg.CSSSelector); s != "" {
		return Selection{Selector: s, Reason: ReasonLegacyCSSSelector}
	}
	if len(candidates) > 0 {
		return Selection{Selector: strings.Join(candidates, ", "), Reason: ReasonHeuristicDefault}
	}
	return Selection{Reason: ReasonNone}
}
