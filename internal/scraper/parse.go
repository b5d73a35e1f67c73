package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type showing struct {
	movie    string
	language string
	times    []string
}

func newDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// parseListing reads name/link pairs, resolving links against base and
// dropping repeats while keeping first-seen order.
func parseListing(html, itemSelector string, base *url.URL) ([]ListingEntry, error) {
	doc, err := newDocument(html)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var entries []ListingEntry
	doc.Find(itemSelector).Each(func(_ int, s *goquery.Selection) {
		name := Sanitize(s.Text())
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if name == "" || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		link := resolveLink(base, href)
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		entries = append(entries, ListingEntry{Name: name, URL: link})
	})
	return entries, nil
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func parseMovieDetail(html string, sel Selectors) (category, description string, err error) {
	doc, err := newDocument(html)
	if err != nil {
		return "", "", err
	}
	category = Sanitize(doc.Find(sel.MovieCategory).First().Text())
	description = Sanitize(doc.Find(sel.MovieDescription).First().Text())
	if category == "" && description == "" {
		return "", "", fmt.Errorf("movie detail fields not found")
	}
	return category, description, nil
}

func parseCinemaAddress(html string, sel Selectors) (string, error) {
	doc, err := newDocument(html)
	if err != nil {
		return "", err
	}
	address := Sanitize(doc.Find(sel.CinemaAddress).First().Text())
	if address == "" {
		return "", fmt.Errorf("cinema address not found")
	}
	return address, nil
}

// parseDateTab reads the selected date label and every showing listed under it.
func parseDateTab(html string, sel Selectors) (string, []showing, error) {
	doc, err := newDocument(html)
	if err != nil {
		return "", nil, err
	}
	label := Sanitize(doc.Find(sel.ActiveDateTab).First().Text())
	if label == "" {
		return "", nil, fmt.Errorf("selected date tab not found")
	}

	var showings []showing
	doc.Find(sel.ShowingBlocks).Each(func(_ int, block *goquery.Selection) {
		movie := Sanitize(block.Find(sel.ShowingMovie).First().Text())
		if movie == "" {
			return
		}
		var times []string
		block.Find(sel.ShowingTimes).Each(func(_ int, t *goquery.Selection) {
			times = append(times, ParseClockTimes(t.Text())...)
		})
		showings = append(showings, showing{
			movie:    movie,
			language: Sanitize(block.Find(sel.ShowingVersion).First().Text()),
			times:    times,
		})
	})
	return label, showings, nil
}
