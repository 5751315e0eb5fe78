// Package detector decides when a probe response needs a headless render.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const defaultMinTextRunes = 200

// mountPoints are the root elements client-side frameworks render into.
const mountPoints = `#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [ng-version]`

// Heuristic promotes pages whose visible text is thin while scripts or an
// empty framework mount point suggest the content is rendered client-side.
type Heuristic struct {
	MinTextRunes int
}

// NewHeuristic creates a detector. A non-positive threshold uses the default.
func NewHeuristic(minTextRunes int) *Heuristic {
	if minTextRunes <= 0 {
		minTextRunes = defaultMinTextRunes
	}
	return &Heuristic{MinTextRunes: minTextRunes}
}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	scripts := doc.Find("script")
	scriptBytes := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
		if _, ok := s.Attr("src"); ok {
			scriptBytes += 1024
		}
	})

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	textRunes := utf8.RuneCountInString(strings.Join(strings.Fields(body.Text()), " "))
	if textRunes >= h.MinTextRunes {
		return false
	}

	if doc.Find(mountPoints).Length() > 0 {
		return true
	}
	return scripts.Length() > 0 && scriptBytes >= textRunes
}
