package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-harvest-books/config"
	"github.com/aluiziolira/go-harvest-books/models"
	"github.com/aluiziolira/go-harvest-books/parser"
	"github.com/aluiziolira/go-harvest-books/pipeline"
)

// Scraper discovers, fetches and aggregates catalog pages.
type Scraper struct {
	cfg     *config.Config
	getter  Getter
	fetcher *Fetcher
	log     *slog.Logger
	Metrics *Metrics
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithLogger sets the logger that receives run and page events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scraper) {
		if log != nil {
			s.log = log
		}
	}
}

// WithGetter replaces the colly-backed HTTP capability.
func WithGetter(g Getter) Option {
	return func(s *Scraper) {
		s.getter = g
	}
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scraper) {
		s.Metrics = m
	}
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config, opts ...Option) (*Scraper, error) {
	s := &Scraper{
		cfg:     cfg,
		log:     slog.Default(),
		Metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.getter == nil {
		getter, err := NewCollyGetter(cfg)
		if err != nil {
			return nil, err
		}
		s.getter = getter
	}
	s.fetcher = NewFetcher(s.getter, cfg.RequestsPerSecond, s.Metrics)
	return s, nil
}

// Run plans the page list, harvests it and streams extracted records into
// p in page order. Only a fatal discovery error aborts the run.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	log := s.log.With(slog.String("run_id", runID))
	start := time.Now()
	requests := 0

	urls, discovered, err := s.planPages(ctx, log)
	if discovered {
		requests++
	}
	if err != nil {
		return nil, err
	}

	log.Info("harvest started",
		slog.Int("pages", len(urls)),
		slog.Int("concurrency", s.cfg.Concurrency),
	)

	agg := s.aggregate(ctx, log, urls, s.cfg.Concurrency)
	requests += len(urls)

	for _, fragment := range agg.Fragments {
		if err := p.Process(parser.Extract(fragment)); err != nil {
			return nil, fmt.Errorf("process record: %w", err)
		}
	}

	result := &models.ScraperResult{
		RunID:        runID,
		StartTime:    start,
		EndTime:      time.Now(),
		PageCount:    len(urls),
		Fragments:    len(agg.Fragments),
		ErrorsByType: make(map[string]int),
		RequestCount: requests,
	}
	for _, o := range agg.Outcomes {
		if o.OK() {
			result.PagesOK++
			continue
		}
		category := errorTypeLabel(o.Err)
		result.ErrorsByType[category]++
		result.Failures = append(result.Failures, models.PageFailure{
			Page:       o.Index,
			URL:        o.URL,
			StatusCode: o.StatusCode(),
			Category:   category,
			Reason:     o.Err.Error(),
		})
	}
	if processed, ok := p.GetMetrics()["processed_records"].(int64); ok {
		result.TotalCount = int(processed)
	}

	log.Info("harvest finished",
		slog.Int("pages_ok", result.PagesOK),
		slog.Int("pages_failed", result.ErrorCount()),
		slog.Int("fragments", result.Fragments),
		slog.Duration("elapsed", result.EndTime.Sub(start)),
	)
	return result, nil
}

// planPages returns the URLs to harvest and whether a discovery request
// was issued.
func (s *Scraper) planPages(ctx context.Context, log *slog.Logger) ([]string, bool, error) {
	if s.cfg.PageCountSource == config.PageCountFixed {
		urls, err := s.cfg.FixedURLs()
		return urls, false, err
	}

	count, err := s.DiscoverPageCount(ctx)
	if err != nil {
		if !s.cfg.DiscoveryFallback {
			return nil, true, fmt.Errorf("discover page count: %w", err)
		}
		log.Warn("page discovery failed, falling back to fixed page list",
			slog.Int("fixed_pages", s.cfg.FixedPages),
			slog.Int("urls", len(s.cfg.URLs)),
			slog.Any("error", err),
		)
		urls, err := s.cfg.FixedURLs()
		return urls, true, err
	}

	log.Info("discovered page count", slog.Int("pages", count))
	urls, err := s.cfg.PageURLs(count)
	return urls, true, err
}
