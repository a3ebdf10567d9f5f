package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Aggregate is the flattened output of one harvest fan-out.
type Aggregate struct {
	// Fragments are in page-index order, then document order within a page.
	Fragments []*goquery.Selection
	// Outcomes holds one entry per page, indexed by page position.
	Outcomes []PageOutcome
}

// Failures returns the failed outcomes in page order.
func (a *Aggregate) Failures() []PageOutcome {
	var out []PageOutcome
	for _, o := range a.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// AggregatePages harvests pages 1..pageCount built from the configured
// page URL pattern.
func (s *Scraper) AggregatePages(ctx context.Context, pageCount, concurrency int) (*Aggregate, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("page count must be positive, got %d", pageCount)
	}
	urls, err := s.cfg.PageURLs(pageCount)
	if err != nil {
		return nil, err
	}
	return s.Aggregate(ctx, urls, concurrency)
}

// Aggregate harvests every URL concurrently with at most concurrency
// fetches in flight and waits for all of them. Failed pages are logged and
// contribute nothing; they never cancel sibling pages.
func (s *Scraper) Aggregate(ctx context.Context, urls []string, concurrency int) (*Aggregate, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	return s.aggregate(ctx, s.log, urls, concurrency), nil
}

func (s *Scraper) aggregate(ctx context.Context, log *slog.Logger, urls []string, concurrency int) *Aggregate {
	fetcher := s.fetcher.WithCap(int64(concurrency))
	outcomes := make([]PageOutcome, len(urls))

	var wg sync.WaitGroup
	for i, pageURL := range urls {
		wg.Add(1)
		go func(i int, pageURL string) {
			defer wg.Done()
			outcomes[i] = s.harvestPage(ctx, fetcher, i+1, pageURL)
		}(i, pageURL)
	}
	wg.Wait()

	agg := &Aggregate{Outcomes: outcomes}
	for _, o := range outcomes {
		if !o.OK() {
			category := errorTypeLabel(o.Err)
			s.Metrics.IncPage("failure")
			s.Metrics.IncError(category)
			log.Error("page harvest failed",
				slog.Int("page", o.Index),
				slog.String("url", o.URL),
				slog.Int("status", o.StatusCode()),
				slog.String("category", category),
				slog.Any("error", o.Err),
			)
			continue
		}
		if len(o.Fragments) == 0 {
			s.Metrics.IncPage("empty")
			log.Debug("page has no items", slog.Int("page", o.Index), slog.String("url", o.URL))
			continue
		}
		s.Metrics.IncPage("success")
		s.Metrics.AddItems(len(o.Fragments))
		agg.Fragments = append(agg.Fragments, o.Fragments...)
	}
	return agg
}
