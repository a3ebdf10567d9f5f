package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Page count sources.
const (
	PageCountDiscovered = "discovered"
	PageCountFixed      = "fixed"
)

// Config holds harvester configuration.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	PageURLPattern    string        `yaml:"page_url_pattern"`
	PageCountSource   string        `yaml:"page_count_source"`
	FixedPages        int           `yaml:"fixed_pages"`
	URLs              []string      `yaml:"urls"`
	DiscoveryFallback bool          `yaml:"discovery_fallback"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	ContainerSelector string        `yaml:"container_selector"`
	ItemSelector      string        `yaml:"item_selector"`
	PagerSelector     string        `yaml:"pager_selector"`
	OutputFile        string        `yaml:"output_file"`
	OutputFormat      string        `yaml:"output_format"` // csv, json, dual, xlsx or sqlite
	Delimiter         string        `yaml:"delimiter"`
	Dedupe            bool          `yaml:"dedupe"`
	DedupeMaxSize     int           `yaml:"dedupe_max_size"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	Verbose           bool          `yaml:"verbose"`
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://books.toscrape.com/catalogue/category/books/nonfiction_13/index.html",
		PageURLPattern:    "page-%d.html",
		PageCountSource:   PageCountDiscovered,
		FixedPages:        7,
		Concurrency:       3,
		Timeout:           10 * time.Second,
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		ContainerSelector: "div.col-sm-8.col-md-9",
		ItemSelector:      "article.product_pod",
		PagerSelector:     "li.current",
		OutputFile:        "output/books.csv",
		OutputFormat:      "csv",
		Delimiter:         ",",
		DedupeMaxSize:     100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	switch c.PageCountSource {
	case PageCountDiscovered:
	case PageCountFixed:
		if len(c.URLs) == 0 && c.FixedPages <= 0 {
			return fmt.Errorf("fixed pages must be positive when no URL list is given")
		}
	default:
		return fmt.Errorf("page count source must be %s or %s", PageCountDiscovered, PageCountFixed)
	}
	if c.PageCountSource == PageCountDiscovered && len(c.URLs) > 0 && !c.DiscoveryFallback {
		return fmt.Errorf("an explicit URL list requires page count source %s or discovery fallback", PageCountFixed)
	}
	if c.DiscoveryFallback && len(c.URLs) == 0 && c.FixedPages <= 0 {
		return fmt.Errorf("discovery fallback needs fixed pages or a URL list")
	}
	if !strings.Contains(c.PageURLPattern, "%d") && (c.PageCountSource == PageCountDiscovered || len(c.URLs) == 0) {
		return fmt.Errorf("page URL pattern must contain %%d")
	}
	for _, raw := range c.URLs {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("invalid page URL %q: %w", raw, err)
		}
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ContainerSelector == "" || c.ItemSelector == "" || c.PagerSelector == "" {
		return fmt.Errorf("selectors cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "xlsx", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, xlsx, or sqlite")
	}
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return fmt.Errorf("delimiter must be a single character")
	}
	if c.Dedupe && c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// DelimiterRune returns the configured field delimiter.
func (c *Config) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	if r == utf8.RuneError {
		return ','
	}
	return r
}

// PageURLs builds the URLs of pages 1..n from PageURLPattern resolved
// against BaseURL.
func (c *Config) PageURLs(n int) ([]string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	out := make([]string, 0, n)
	for page := 1; page <= n; page++ {
		ref, err := url.Parse(fmt.Sprintf(c.PageURLPattern, page))
		if err != nil {
			return nil, fmt.Errorf("page %d url: %w", page, err)
		}
		out = append(out, base.ResolveReference(ref).String())
	}
	return out, nil
}

// FixedURLs returns the static page list: the explicit URLs when given,
// otherwise pages 1..FixedPages.
func (c *Config) FixedURLs() ([]string, error) {
	if len(c.URLs) > 0 {
		out := make([]string, len(c.URLs))
		copy(out, c.URLs)
		return out, nil
	}
	return c.PageURLs(c.FixedPages)
}
