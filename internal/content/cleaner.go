package content

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// DefaultThreshold is tuned for dense scripts such as CJK.
	DefaultThreshold = 0.3
	// DiagnosticRatio is the reduction below which a Diagnostic is attached.
	DiagnosticRatio = 0.05

	boilerplateSelector = "script, style, noscript, nav, header, footer, iframe, form"
	blockSelector       = "p, div, section, li, ul, ol, aside, blockquote, figure, dl, dd, dt, details"
	protectedSelector   = "h1, h2, h3, h4, h5, h6, pre, table"
)

// Suggestion is a heuristic candidate that matched the page.
type Suggestion struct {
	Selector  string `json:"selector"`
	TextRunes int    `json:"text_runes"`
}

// Diagnostic explains a low reduction ratio.
type Diagnostic struct {
	Reason         SelectorReason `json:"reason"`
	Selector       string         `json:"selector"`
	ReductionRatio float64        `json:"reduction_ratio"`
	Suggestions    []Suggestion   `json:"suggestions"`
}

// Result is the outcome of cleaning one page.
type Result struct {
	Title          string
	RawText        string
	CleanedText    string
	ReductionRatio float64
	Diagnostic     *Diagnostic
	// Degraded is set when cleaning failed internally and RawText was passed through.
	Degraded error
	// MainExtractUsed is set when the selector matched nothing and trafilatura supplied the content.
	MainExtractUsed bool
}

// Cleaner strips rendered pages down to their main content.
type Cleaner struct {
	convert    func(string) (string, error)
	threshold  float64
	candidates []string
	logger     *zap.Logger
	mainFn     func(string) (string, string, error)
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithThreshold sets the default pruning threshold.
func WithThreshold(t float64) Option {
	return func(c *Cleaner) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithCandidates replaces the heuristic candidates used for suggestions.
func WithCandidates(candidates []string) Option {
	return func(c *Cleaner) { c.candidates = candidates }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cleaner) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCleaner constructs a Cleaner.
func NewCleaner(opts ...Option) *Cleaner {
	c := &Cleaner{
		convert:    NewConverter().Convert,
		threshold:  DefaultThreshold,
		candidates: DefaultCandidates,
		logger:     zap.NewNop(),
		mainFn:     extractMain,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Candidates returns the heuristic candidates the cleaner suggests from.
func (c *Cleaner) Candidates() []string {
	return c.candidates
}

// Clean never fails: internal errors degrade to passing RawText through with ratio 0.
// A nil threshold uses the cleaner default; 0 keeps every block.
func (c *Cleaner) Clean(rawHTML, pageURL string, sel Selection, threshold *float64) Result {
	limit := c.threshold
	if threshold != nil && *threshold >= 0 && *threshold <= 1 {
		limit = *threshold
	}
	res, err := c.clean(rawHTML, sel, limit)
	if err == nil {
		return res
	}

	c.logger.Warn("content cleaning degraded",
		zap.String("url", pageURL),
		zap.String("selector", sel.Selector),
		zap.Error(err),
	)
	raw := res.RawText
	if raw == "" {
		if md, convErr := c.convert(rawHTML); convErr == nil {
			raw = md
		} else {
			raw = rawHTML
		}
	}
	return Result{
		Title:       res.Title,
		RawText:     raw,
		CleanedText: raw,
		Degraded:    err,
	}
}

func (c *Cleaner) clean(rawHTML string, sel Selection, threshold float64) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	var res Result
	res.Title = pageTitle(doc)

	bodyHTML, err := outerBody(doc)
	if err != nil {
		return res, err
	}
	if res.RawText, err = c.convert(bodyHTML); err != nil {
		return res, fmt.Errorf("convert raw markdown: %w", err)
	}

	doc.Find(boilerplateSelector).Remove()

	var cleanedHTML string
	scope := outermost(doc, sel.Selector)
	switch {
	case scope != nil && scope.Length() > 0:
		prune(scope, threshold)
		cleanedHTML, err = joinOuterHTML(scope)
		if err != nil {
			return res, err
		}
	case sel.Selector != "":
		mainHTML, mainTitle, mainErr := c.mainFn(rawHTML)
		if mainErr != nil {
			c.logger.Debug("main content extraction failed", zap.Error(mainErr))
		}
		if strings.TrimSpace(mainHTML) != "" {
			cleanedHTML = mainHTML
			res.MainExtractUsed = true
		}
		if res.Title == "" {
			res.Title = mainTitle
		}
	}
	if cleanedHTML == "" {
		body := doc.Find("body")
		if body.Length() == 0 {
			body = doc.Selection
		}
		prune(body, threshold)
		if cleanedHTML, err = body.Html(); err != nil {
			return res, fmt.Errorf("render body: %w", err)
		}
	}

	if res.CleanedText, err = c.convert(cleanedHTML); err != nil {
		return res, fmt.Errorf("convert cleaned markdown: %w", err)
	}
	if res.Title == "" {
		if _, mainTitle, mainErr := c.mainFn(rawHTML); mainErr == nil {
			res.Title = mainTitle
		}
	}

	res.ReductionRatio = ReductionRatio(res.RawText, res.CleanedText)
	if res.ReductionRatio < DiagnosticRatio {
		res.Diagnostic = &Diagnostic{
			Reason:         sel.Reason,
			Selector:       sel.Selector,
			ReductionRatio: res.ReductionRatio,
			Suggestions:    c.suggest(rawHTML),
		}
	}
	return res, nil
}

// ReductionRatio is 1 - runes(cleaned)/runes(raw), clamped to [0, 1]. Empty raw yields 0.
func ReductionRatio(raw, cleaned string) float64 {
	rawRunes := utf8.RuneCountInString(raw)
	if rawRunes == 0 {
		return 0
	}
	ratio := 1 - float64(utf8.RuneCountInString(cleaned))/float64(rawRunes)
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}

func (c *Cleaner) suggest(rawHTML string) []Suggestion {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	doc.Find(boilerplateSelector).Remove()
	var out []Suggestion
	for _, candidate := range c.candidates {
		match := doc.Find(candidate).First()
		if match.Length() == 0 {
			continue
		}
		n := utf8.RuneCountInString(collapseSpace(match.Text()))
		if n == 0 {
			continue
		}
		out = append(out, Suggestion{Selector: candidate, TextRunes: n})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TextRunes > out[j].TextRunes })
	return out
}

func pageTitle(doc *goquery.Document) string {
	if t := collapseSpace(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return collapseSpace(doc.Find("h1").First().Text())
}

func outerBody(doc *goquery.Document) (string, error) {
	body := doc.Find("body")
	if body.Length() == 0 {
		h, err := doc.Html()
		if err != nil {
			return "", fmt.Errorf("render document: %w", err)
		}
		return h, nil
	}
	h, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return h, nil
}

// outermost returns matches of selector that are not nested inside another match.
func outermost(doc *goquery.Document, selector string) *goquery.Selection {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	matches := doc.Find(selector)
	return matches.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(selector).Length() == 0
	})
}

func joinOuterHTML(scope *goquery.Selection) (string, error) {
	var b strings.Builder
	var renderErr error
	scope.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			renderErr = fmt.Errorf("render scope: %w", err)
			return false
		}
		b.WriteString(h)
		b.WriteString("\n")
		return true
	})
	return b.String(), renderErr
}

// prune removes low-density blocks inside scope. Blocks are scored deepest first; a block
// survives when it holds a heading, pre, or table, when a descendant block survived, or
// when its density score reaches the threshold.
func prune(scope *goquery.Selection, threshold float64) {
	blocks := scope.Find(blockSelector)
	n := blocks.Length()
	if n == 0 {
		return
	}
	roots := make(map[*html.Node]bool, scope.Length())
	for _, node := range scope.Nodes {
		roots[node] = true
	}
	hasSurvivor := make(map[*html.Node]bool)
	var drop []*goquery.Selection
	for i := n - 1; i >= 0; i-- {
		block := blocks.Eq(i)
		node := block.Get(0)
		keep := hasSurvivor[node] ||
			block.Find(protectedSelector).Length() > 0 ||
			densityScore(block) >= threshold
		if !keep {
			drop = append(drop, block)
			continue
		}
		for p := node.Parent; p != nil && !roots[p]; p = p.Parent {
			hasSurvivor[p] = true
		}
	}
	for _, block := range drop {
		block.Remove()
	}
}

// densityScore is text runes per markup rune weighted by (1 - link density).
func densityScore(block *goquery.Selection) float64 {
	text := collapseSpace(block.Text())
	textRunes := utf8.RuneCountInString(text)
	if textRunes == 0 {
		return 0
	}
	markup, err := goquery.OuterHtml(block)
	markupRunes := utf8.RuneCountInString(markup)
	if err != nil || markupRunes == 0 {
		return 0
	}
	linkRunes := utf8.RuneCountInString(collapseSpace(block.Find("a").Text()))
	linkDensity := float64(linkRunes) / float64(textRunes)
	if linkDensity > 1 {
		linkDensity = 1
	}
	return float64(textRunes) / float64(markupRunes) * (1 - linkDensity)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
