// Package media finds images and attachments on a page and downloads them,
// falling back to a direct HTTP fetch when the engine fetch fails.
package media

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// AttachmentExtensions are the link targets treated as downloadable attachments.
var AttachmentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".rar": true, ".7z": true,
	".csv": true, ".txt": true,
}

// Ref is a discovered media reference.
type Ref struct {
	Kind crawler.MediaKind
	URL  string
}

// Discover lists media referenced by the page in document order, resolved
// against pageURL and deduplicated. maxPerPage <= 0 means no cap.
func Discover(rawHTML, pageURL string, maxPerPage int) []Ref {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var refs []Ref
	seen := map[string]bool{}
	add := func(kind crawler.MediaKind, raw string) bool {
		resolved, ok := resolve(base, raw)
		if !ok || seen[resolved] {
			return true
		}
		seen[resolved] = true
		refs = append(refs, Ref{Kind: kind, URL: resolved})
		return maxPerPage <= 0 || len(refs) < maxPerPage
	}

	doc.Find("img, a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) == "img" {
			for _, attr := range []string{"src", "data-src"} {
				if v, ok := s.Attr(attr); ok && !add(crawler.MediaImage, v) {
					return false
				}
			}
			return true
		}
		href, _ := s.Attr("href")
		if !isAttachment(base, href) {
			return true
		}
		return add(crawler.MediaAttachment, href)
	})
	return refs
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if raw == "" || strings.HasPrefix(raw, "#") ||
		strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

func isAttachment(base *url.URL, href string) bool {
	resolved, ok := resolve(base, href)
	if !ok {
		return false
	}
	u, err := url.Parse(resolved)
	if err != nil {
		return false
	}
	return AttachmentExtensions[strings.ToLower(path.Ext(u.Path))]
}
