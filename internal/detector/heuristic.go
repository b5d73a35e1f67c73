// Package detector recognizes anti-bot challenge pages.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultKeywords are lowercase phrases shown by common challenge interstitials.
var DefaultKeywords = []string{
	"checking your browser",
	"verify you are human",
	"attention required",
	"access denied",
	"too many requests",
	"unusual traffic",
	"suspicious activity",
	"captcha",
}

// DefaultSelectors match challenge widgets rendered by bot-protection services.
var DefaultSelectors = []string{
	"#challenge-form",
	"#cf-challenge-running",
	".cf-browser-verification",
	"iframe[src*='captcha']",
	"div.g-recaptcha",
	"div.h-captcha",
}

// Heuristic implements scraper.BlockDetector using keyword and selector signals.
type Heuristic struct {
	selectors []string
	keywords  [][]byte
}

// NewHeuristic constructs a detector. Nil slices select the defaults.
func NewHeuristic(selectors, keywords []string) *Heuristic {
	if selectors == nil {
		selectors = DefaultSelectors
	}
	if keywords == nil {
		keywords = DefaultKeywords
	}
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &Heuristic{
		selectors: selectors,
		keywords:  lowerKeywords,
	}
}

// Detect returns the first matching signature.
func (d *Heuristic) Detect(html string) (string, bool) {
	if d == nil || strings.TrimSpace(html) == "" {
		return "", false
	}
	if sel, ok := d.matchSelector(html); ok {
		return sel, true
	}
	return d.matchKeyword(html)
}

func (d *Heuristic) matchSelector(html string) (string, bool) {
	if len(d.selectors) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

func (d *Heuristic) matchKeyword(html string) (string, bool) {
	lower := bytes.ToLower([]byte(html))
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return string(kw), true
		}
	}
	return "", false
}
