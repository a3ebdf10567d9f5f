package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-harvest-books/config"
)

// Request phases used as metric labels.
const (
	phaseDiscovery = "discovery"
	phasePage      = "page"
)

// Response is the raw result of one GET.
type Response struct {
	StatusCode int
	Body       []byte
}

// Getter performs a single HTTP GET. Implementations must be safe for
// concurrent use.
type Getter interface {
	Get(ctx context.Context, rawURL string) (*Response, error)
}

// CollyGetter issues requests through a shared colly collector.
type CollyGetter struct {
	collector *colly.Collector
}

// NewCollyGetter builds the collector used for every fetch of a run.
func NewCollyGetter(cfg *config.Config) (*CollyGetter, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.Concurrency,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &CollyGetter{collector: collector}, nil
}

// WithTransport swaps the HTTP transport shared by all fetches.
func (g *CollyGetter) WithTransport(rt http.RoundTripper) {
	g.collector.WithTransport(rt)
}

// Get clones the collector so callbacks stay local to this request while
// the HTTP client and its connection pool are shared.
func (g *CollyGetter) Get(ctx context.Context, rawURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := g.collector.Clone()
	var resp *Response
	c.OnResponse(func(r *colly.Response) {
		resp = &Response{StatusCode: r.StatusCode, Body: r.Body}
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no response received")
	}
	return resp, nil
}

// Fetcher turns Getter results into document bodies or FetchErrors.
type Fetcher struct {
	getter  Getter
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	metrics *Metrics
}

// NewFetcher wraps getter. A positive rps paces request starts.
func NewFetcher(getter Getter, rps float64, metrics *Metrics) *Fetcher {
	f := &Fetcher{getter: getter, metrics: metrics}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return f
}

// WithCap returns a fetcher sharing the same getter that admits at most n
// concurrent fetches.
func (f *Fetcher) WithCap(n int64) *Fetcher {
	clone := *f
	clone.slots = semaphore.NewWeighted(n)
	return &clone
}

// Fetch issues exactly one GET. The concurrency slot, when capped, is held
// only for the network call.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, phase string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: FetchTransport, URL: rawURL, Err: err}
		}
	}
	if f.slots != nil {
		if err := f.slots.Acquire(ctx, 1); err != nil {
			return nil, &FetchError{Kind: FetchTransport, URL: rawURL, Err: err}
		}
		defer f.slots.Release(1)
	}

	f.metrics.AddInFlight(1)
	defer f.metrics.AddInFlight(-1)
	f.metrics.IncRequest(phase)

	start := time.Now()
	resp, err := f.getter.Get(ctx, rawURL)
	f.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, URL: rawURL, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &FetchError{Kind: FetchHTTP, URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}
