package scraper

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DiscoverPageCount reads the declared page total from the landing page's
// "Page X of Y" indicator. Every failure is a *DiscoveryError.
func (s *Scraper) DiscoverPageCount(ctx context.Context) (int, error) {
	landing := s.cfg.BaseURL

	body, err := s.fetcher.Fetch(ctx, landing, phaseDiscovery)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.Kind == FetchHTTP {
			return 0, &DiscoveryError{Kind: DiscoveryHTTP, URL: landing, StatusCode: fetchErr.StatusCode, Err: err}
		}
		return 0, &DiscoveryError{Kind: DiscoveryTransport, URL: landing, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, &DiscoveryError{Kind: DiscoveryStructureChanged, URL: landing, Err: err}
	}

	indicator := doc.Find(s.cfg.PagerSelector).First()
	if indicator.Length() == 0 {
		return 0, &DiscoveryError{Kind: DiscoveryStructureChanged, URL: landing}
	}

	text := strings.TrimSpace(indicator.Text())
	count, ok := parsePageCount(text)
	if !ok {
		return 0, &DiscoveryError{Kind: DiscoveryUnparseable, URL: landing, Text: text}
	}
	return count, nil
}

// parsePageCount returns the last integer token of text, which must be
// positive.
func parsePageCount(text string) (int, bool) {
	fields := strings.Fields(text)
	for i := len(fields) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			continue
		}
		return n, n > 0
	}
	return 0, false
}
