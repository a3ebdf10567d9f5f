package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-harvest-books/config"
	"github.com/aluiziolira/go-harvest-books/models"
	"github.com/aluiziolira/go-harvest-books/parser"
	"github.com/aluiziolira/go-harvest-books/pipeline"
)

const testBaseURL = "http://example.test/catalogue/index.html"

func testPageURL(page int) string {
	return fmt.Sprintf("http://example.test/catalogue/page-%d.html", page)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.Concurrency = 3
	cfg.Timeout = 2 * time.Second
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pageGetter serves canned responses and records the peak number of
// concurrent Get calls.
type pageGetter struct {
	pages  map[string]string
	status map[string]int
	errs   map[string]error
	delay  time.Duration
	panics map[string]bool

	inFlight    int64
	maxInFlight int64

	mu    sync.Mutex
	calls map[string]int
}

func newPageGetter() *pageGetter {
	return &pageGetter{
		pages:  make(map[string]string),
		status: make(map[string]int),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (g *pageGetter) Get(_ context.Context, rawURL string) (*Response, error) {
	current := atomic.AddInt64(&g.inFlight, 1)
	defer atomic.AddInt64(&g.inFlight, -1)
	for {
		peak := atomic.LoadInt64(&g.maxInFlight)
		if current <= peak || atomic.CompareAndSwapInt64(&g.maxInFlight, peak, current) {
			break
		}
	}

	g.mu.Lock()
	g.calls[rawURL]++
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.panics[rawURL] {
		panic("boom")
	}
	if err := g.errs[rawURL]; err != nil {
		return nil, err
	}
	if code, ok := g.status[rawURL]; ok {
		return &Response{StatusCode: code}, nil
	}
	body, ok := g.pages[rawURL]
	if !ok {
		return &Response{StatusCode: http.StatusNotFound}, nil
	}
	return &Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (g *pageGetter) callCount(rawURL string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[rawURL]
}

func (g *pageGetter) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

// serveCatalog registers a landing page plus pages 1..total with perPage
// items each.
func (g *pageGetter) serveCatalog(total, perPage int) {
	g.pages[testBaseURL] = buildCatalogPage(1, total, perPage)
	for page := 1; page <= total; page++ {
		g.pages[testPageURL(page)] = buildCatalogPage(page, total, perPage)
	}
}

func newTestScraper(t *testing.T, cfg *config.Config, getter Getter) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg, WithGetter(getter), WithLogger(discardLogger()))
	require.NoError(t, err)
	return s
}

func fragmentNames(agg *Aggregate) []string {
	names := make([]string, 0, len(agg.Fragments))
	for _, fragment := range agg.Fragments {
		names = append(names, parser.Extract(fragment).Name)
	}
	return names
}

func expectedNames(pages []int, perPage int) []string {
	var names []string
	for _, page := range pages {
		for i := 1; i <= perPage; i++ {
			names = append(names, bookName(page, i))
		}
	}
	return names
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "context timeout", err: &FetchError{Kind: FetchTransport, Err: context.DeadlineExceeded}, expected: "timeout"},
		{name: "canceled", err: &FetchError{Kind: FetchTransport, Err: context.Canceled}, expected: "canceled"},
		{name: "net timeout", err: &FetchError{Kind: FetchTransport, Err: &net.DNSError{IsTimeout: true}}, expected: "timeout"},
		{name: "connection", err: &FetchError{Kind: FetchTransport, Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}, expected: "connection"},
		{name: "forbidden", err: &FetchError{Kind: FetchHTTP, StatusCode: http.StatusForbidden}, expected: "forbidden"},
		{name: "not found", err: &FetchError{Kind: FetchHTTP, StatusCode: http.StatusNotFound}, expected: "not_found"},
		{name: "rate limited", err: &FetchError{Kind: FetchHTTP, StatusCode: http.StatusTooManyRequests}, expected: "rate_limited"},
		{name: "server error", err: &FetchError{Kind: FetchHTTP, StatusCode: http.StatusBadGateway}, expected: "server_error"},
		{name: "panic", err: fmt.Errorf("%w: oops", ErrPagePanic), expected: "panic"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, errorTypeLabel(tt.err))
		})
	}
}

func TestParsePageCount(t *testing.T) {
	tests := []struct {
		text   string
		want   int
		wantOK bool
	}{
		{text: "Page 1 of 50", want: 50, wantOK: true},
		{text: "\n    Page 2 of 7\n  ", want: 7, wantOK: true},
		{text: "Page 1 of 50 pages", want: 50, wantOK: true},
		{text: "Page one of fifty", wantOK: false},
		{text: "Page 1 of 0", wantOK: false},
		{text: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := parsePageCount(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDiscoverPageCount(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(4, 2)

	s := newTestScraper(t, testConfig(), getter)
	count, err := s.DiscoverPageCount(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, 1, getter.totalCalls())
}

func TestDiscoverPageCountFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(g *pageGetter)
		kind   DiscoveryKind
		status int
		is     error
	}{
		{
			name:   "http status",
			setup:  func(g *pageGetter) { g.status[testBaseURL] = http.StatusServiceUnavailable },
			kind:   DiscoveryHTTP,
			status: http.StatusServiceUnavailable,
		},
		{
			name:  "transport",
			setup: func(g *pageGetter) { g.errs[testBaseURL] = errors.New("connection reset") },
			kind:  DiscoveryTransport,
		},
		{
			name:  "missing indicator",
			setup: func(g *pageGetter) { g.pages[testBaseURL] = "<html><body><p>redesigned</p></body></html>" },
			kind:  DiscoveryStructureChanged,
			is:    ErrStructureChanged,
		},
		{
			name:  "unparseable indicator",
			setup: func(g *pageGetter) { g.pages[testBaseURL] = `<ul class="pager"><li class="current">Page one of many</li></ul>` },
			kind:  DiscoveryUnparseable,
			is:    ErrUnparseable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getter := newPageGetter()
			tt.setup(getter)

			s := newTestScraper(t, testConfig(), getter)
			_, err := s.DiscoverPageCount(context.Background())

			var discoveryErr *DiscoveryError
			require.ErrorAs(t, err, &discoveryErr)
			assert.Equal(t, tt.kind, discoveryErr.Kind)
			assert.Equal(t, tt.status, StatusCode(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestAggregateCompleteInPageOrder(t *testing.T) {
	const perPage = 5
	for _, pages := range []int{1, 3, 7} {
		for _, concurrency := range []int{1, 2, 10} {
			t.Run(fmt.Sprintf("pages=%d/cap=%d", pages, concurrency), func(t *testing.T) {
				getter := newPageGetter()
				getter.serveCatalog(pages, perPage)
				getter.delay = time.Millisecond

				s := newTestScraper(t, testConfig(), getter)
				agg, err := s.AggregatePages(context.Background(), pages, concurrency)
				require.NoError(t, err)

				order := make([]int, pages)
				for i := range order {
					order[i] = i + 1
				}
				assert.Equal(t, expectedNames(order, perPage), fragmentNames(agg))
				assert.Len(t, agg.Outcomes, pages)
				assert.Empty(t, agg.Failures())
				for page := 1; page <= pages; page++ {
					assert.Equal(t, 1, getter.callCount(testPageURL(page)), "page %d fetched once", page)
				}
			})
		}
	}
}

func TestAggregateIsolatesFailedPage(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(4, 3)
	getter.status[testPageURL(2)] = http.StatusInternalServerError

	s := newTestScraper(t, testConfig(), getter)
	agg, err := s.AggregatePages(context.Background(), 4, 2)
	require.NoError(t, err)

	assert.Equal(t, expectedNames([]int{1, 3, 4}, 3), fragmentNames(agg))

	failures := agg.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Index)
	assert.Equal(t, testPageURL(2), failures[0].URL)
	assert.Equal(t, http.StatusInternalServerError, failures[0].StatusCode())
	assert.Empty(t, failures[0].Fragments)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.PagesTotal.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics.PagesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics.ErrorsTotal.WithLabelValues("server_error")))
}

func TestAggregateRespectsConcurrencyCap(t *testing.T) {
	for _, concurrency := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("cap=%d", concurrency), func(t *testing.T) {
			getter := newPageGetter()
			getter.serveCatalog(12, 1)
			getter.delay = 10 * time.Millisecond

			s := newTestScraper(t, testConfig(), getter)
			agg, err := s.AggregatePages(context.Background(), 12, concurrency)
			require.NoError(t, err)

			assert.Len(t, agg.Fragments, 12)
			peak := atomic.LoadInt64(&getter.maxInFlight)
			assert.LessOrEqual(t, peak, int64(concurrency))
			assert.Equal(t, 0.0, testutil.ToFloat64(s.Metrics.InFlight))
		})
	}
}

func TestAggregateRejectsBadArguments(t *testing.T) {
	s := newTestScraper(t, testConfig(), newPageGetter())

	_, err := s.AggregatePages(context.Background(), 0, 3)
	assert.Error(t, err)

	_, err = s.Aggregate(context.Background(), []string{testPageURL(1)}, 0)
	assert.Error(t, err)
}

func TestHarvestPageEmptyContainer(t *testing.T) {
	getter := newPageGetter()
	getter.pages[testPageURL(9)] = "<html><body><div class=\"page_inner\"></div></body></html>"

	s := newTestScraper(t, testConfig(), getter)
	outcome := s.HarvestPage(context.Background(), 9, testPageURL(9))

	assert.True(t, outcome.OK())
	assert.Empty(t, outcome.Fragments)
	assert.Equal(t, 9, outcome.Index)
}

func TestHarvestPageRecoversPanic(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(3, 2)
	getter.panics[testPageURL(2)] = true

	s := newTestScraper(t, testConfig(), getter)
	agg, err := s.AggregatePages(context.Background(), 3, 3)
	require.NoError(t, err)

	assert.Equal(t, expectedNames([]int{1, 3}, 2), fragmentNames(agg))
	failures := agg.Failures()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ErrPagePanic)
}

func TestHarvestPageTransportFailure(t *testing.T) {
	getter := newPageGetter()
	getter.errs[testPageURL(1)] = errors.New("connection reset by peer")

	s := newTestScraper(t, testConfig(), getter)
	outcome := s.HarvestPage(context.Background(), 1, testPageURL(1))

	var fetchErr *FetchError
	require.ErrorAs(t, outcome.Err, &fetchErr)
	assert.Equal(t, FetchTransport, fetchErr.Kind)
	assert.Equal(t, testPageURL(1), fetchErr.URL)
	assert.Equal(t, 0, outcome.StatusCode())
}

func TestFetcherRateLimit(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(1, 1)

	fetcher := NewFetcher(getter, 1000, nil)
	body, err := fetcher.Fetch(context.Background(), testPageURL(1), phasePage)
	require.NoError(t, err)
	assert.Contains(t, string(body), bookName(1, 1))
}

type recordingWriter struct {
	mu      sync.Mutex
	records []models.Record
}

func (rw *recordingWriter) Write(records []models.Record) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.records = append(rw.records, records...)
	return nil
}

func (rw *recordingWriter) Close() error    { return nil }
func (rw *recordingWriter) Validate() error { return nil }

func newTestPipeline(t *testing.T, writer pipeline.OutputWriter) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.NewPipeline(writer, "test.csv", nil)
	require.NoError(t, err)
	return p
}

func TestRunDiscoveryFailureIsFatal(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(3, 2)
	getter.status[testBaseURL] = http.StatusForbidden

	s := newTestScraper(t, testConfig(), getter)
	result, err := s.Run(context.Background(), newTestPipeline(t, &recordingWriter{}))

	require.Error(t, err)
	assert.Nil(t, result)
	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
	assert.Equal(t, DiscoveryHTTP, discoveryErr.Kind)
	assert.Equal(t, 1, getter.totalCalls(), "no page fetch may follow a failed discovery")
}

func TestRunDiscoveryFallback(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(2, 2)
	getter.status[testBaseURL] = http.StatusBadGateway

	cfg := testConfig()
	cfg.DiscoveryFallback = true
	cfg.FixedPages = 2

	s := newTestScraper(t, cfg, getter)
	writer := &recordingWriter{}
	p := newTestPipeline(t, writer)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, 2, result.PageCount)
	assert.Equal(t, 4, result.TotalCount)
	assert.Len(t, writer.records, 4)
}

func TestRunFixedURLList(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(3, 1)

	cfg := testConfig()
	cfg.PageCountSource = config.PageCountFixed
	cfg.URLs = []string{testPageURL(3), testPageURL(1)}

	s := newTestScraper(t, cfg, getter)
	writer := &recordingWriter{}
	p := newTestPipeline(t, writer)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, 0, getter.callCount(testBaseURL), "fixed mode skips discovery")
	require.Len(t, writer.records, 2)
	assert.Equal(t, bookName(3, 1), writer.records[0].Name)
	assert.Equal(t, bookName(1, 1), writer.records[1].Name)
	assert.Equal(t, 2, result.RequestCount)
}

func TestRunReportsPartialFailure(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(3, 2)
	getter.status[testPageURL(3)] = http.StatusNotFound

	s := newTestScraper(t, testConfig(), getter)
	writer := &recordingWriter{}
	p := newTestPipeline(t, writer)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 3, result.PageCount)
	assert.Equal(t, 2, result.PagesOK)
	assert.Equal(t, 4, result.TotalCount)
	assert.Equal(t, 4, result.RequestCount)
	require.Equal(t, 1, result.ErrorCount())
	assert.Equal(t, []string{testPageURL(3)}, result.FailedURLs())
	assert.Equal(t, models.PageFailure{
		Page:       3,
		URL:        testPageURL(3),
		StatusCode: http.StatusNotFound,
		Category:   "not_found",
		Reason:     fmt.Sprintf("fetch %s: http status 404", testPageURL(3)),
	}, result.Failures[0])
	assert.Equal(t, 1, result.ErrorsByType["not_found"])
	assert.Equal(t, expectedNames([]int{1, 2}, 2), recordNames(writer.records))
}

func recordNames(records []models.Record) []string {
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	return names
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testBaseURL, htmlResponder(buildCatalogPage(1, 3, 20)))
	transport.RegisterResponder("GET", testPageURL(1), htmlResponder(buildCatalogPage(1, 3, 20)))
	transport.RegisterResponder("GET", testPageURL(2), httpmock.NewStringResponder(http.StatusTooManyRequests, ""))
	transport.RegisterResponder("GET", testPageURL(3), htmlResponder(buildCatalogPage(3, 3, 20)))

	getter, err := NewCollyGetter(cfg)
	require.NoError(t, err)
	getter.WithTransport(transport)

	s := newTestScraper(t, cfg, getter)
	writer := &recordingWriter{}
	p := newTestPipeline(t, writer)

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, 40, len(writer.records), "failed=%v", result.FailedURLs())
	assert.Equal(t, 1, result.ErrorsByType["rate_limited"])
	assert.Equal(t, 4, transport.GetTotalCallCount())

	first := writer.records[0]
	assert.Equal(t, bookName(1, 1), first.Name)
	assert.Equal(t, 2, first.Rating)
	assert.Equal(t, 1.01, first.Price)
	assert.Equal(t, bookName(3, 1), writer.records[20].Name)
}

func TestCollyGetterTransportError(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testPageURL(1), httpmock.NewErrorResponder(errors.New("connection reset")))

	getter, err := NewCollyGetter(cfg)
	require.NoError(t, err)
	getter.WithTransport(transport)

	fetcher := NewFetcher(getter, 0, nil)
	_, err = fetcher.Fetch(context.Background(), testPageURL(1), phasePage)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, FetchTransport, fetchErr.Kind)
}

func TestCollyGetterHTTPStatus(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testPageURL(1), httpmock.NewStringResponder(http.StatusForbidden, "denied"))

	getter, err := NewCollyGetter(cfg)
	require.NoError(t, err)
	getter.WithTransport(transport)

	fetcher := NewFetcher(getter, 0, nil)
	_, err = fetcher.Fetch(context.Background(), testPageURL(1), phasePage)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, FetchHTTP, fetchErr.Kind)
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	assert.Equal(t, testPageURL(1), fetchErr.URL)
}

func bookName(page, item int) string {
	return fmt.Sprintf("Book %d-%d", page, item)
}

func buildCatalogPage(page, total, perPage int) string {
	var builder strings.Builder
	builder.WriteString("<html><body><div class=\"row\"><div class=\"col-sm-8 col-md-9\"><section><ol class=\"row\">")

	for i := 1; i <= perPage; i++ {
		name := bookName(page, i)
		slug := strings.ReplaceAll(strings.ToLower(name), " ", "-")
		builder.WriteString("<li><article class=\"product_pod\">")
		fmt.Fprintf(&builder, "<div class=\"image_container\"><a href=\"../%s/index.html\"><img src=\"thumb.jpg\" alt=\"%s\"></a></div>", slug, name)
		builder.WriteString("<p class=\"star-rating Two\"><i class=\"icon-star\"></i></p>")
		fmt.Fprintf(&builder, "<h3><a href=\"../%s/index.html\" title=\"%s\">%s</a></h3>", slug, name, name)
		fmt.Fprintf(&builder, "<div class=\"product_price\"><p class=\"price_color\">&pound;%0.2f</p></div>", float64(page)+float64(i)/100)
		builder.WriteString("</article></li>")
	}

	builder.WriteString("</ol>")
	fmt.Fprintf(&builder, "<ul class=\"pager\"><li class=\"current\">\n    Page %d of %d\n  </li></ul>", page, total)
	builder.WriteString("</section></div></div></body></html>")
	return builder.String()
}

func TestAggregateCanceledContext(t *testing.T) {
	getter := newPageGetter()
	getter.serveCatalog(3, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScraper(t, testConfig(), getter)
	agg, err := s.AggregatePages(ctx, 3, 2)
	require.NoError(t, err)

	assert.Empty(t, agg.Fragments)
	require.Len(t, agg.Failures(), 3)
	for _, failure := range agg.Failures() {
		assert.ErrorIs(t, failure.Err, context.Canceled)
		assert.Equal(t, "canceled", errorTypeLabel(failure.Err))
	}
	assert.Equal(t, 0, getter.totalCalls())
}
