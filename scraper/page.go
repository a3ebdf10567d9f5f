package scraper

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// PageOutcome is the result of harvesting one page. A nil Err means
// success, possibly with no fragments; a non-nil Err means the page
// contributes nothing.
type PageOutcome struct {
	Index     int
	URL       string
	Fragments []*goquery.Selection
	Err       error
}

// OK reports whether the page was harvested.
func (o PageOutcome) OK() bool {
	return o.Err == nil
}

// StatusCode returns the HTTP status of a failed fetch, or 0.
func (o PageOutcome) StatusCode() int {
	return StatusCode(o.Err)
}

// HarvestPage fetches one page and returns its item fragments in document
// order. It never panics or returns an error directly: every fault becomes
// a failed outcome. index is the page's 1-based position.
func (s *Scraper) HarvestPage(ctx context.Context, index int, pageURL string) PageOutcome {
	return s.harvestPage(ctx, s.fetcher, index, pageURL)
}

func (s *Scraper) harvestPage(ctx context.Context, fetcher *Fetcher, index int, pageURL string) (outcome PageOutcome) {
	outcome = PageOutcome{Index: index, URL: pageURL}
	defer func() {
		if r := recover(); r != nil {
			outcome.Fragments = nil
			outcome.Err = fmt.Errorf("%w: %v", ErrPagePanic, r)
		}
	}()

	body, err := fetcher.Fetch(ctx, pageURL, phasePage)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		outcome.Err = fmt.Errorf("parse page %d: %w", index, err)
		return outcome
	}

	// A page without the list container is a legitimate empty page.
	container := doc.Find(s.cfg.ContainerSelector).First()
	if container.Length() == 0 {
		return outcome
	}

	container.Find(s.cfg.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		outcome.Fragments = append(outcome.Fragments, item)
	})
	return outcome
}
