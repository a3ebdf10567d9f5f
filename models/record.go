// Package models defines data structures for the harvester.
package models

import "time"

// Record is the fixed-shape row extracted from one catalog item.
type Record struct {
	Name   string  `csv:"name" json:"name"`
	Rating int     `csv:"rating" json:"rating"`
	Price  float64 `csv:"price" json:"price"`
	// Link is the item's detail href. It feeds dedupe and JSON output only.
	Link string `csv:"-" json:"link,omitempty"`
}

// PageFailure describes one page that contributed no records.
type PageFailure struct {
	Page       int    `json:"page"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Category   string `json:"category"`
	Reason     string `json:"reason"`
}

// ScraperResult holds the overall result of a harvest run.
type ScraperResult struct {
	RunID        string
	StartTime    time.Time
	EndTime      time.Time
	PageCount    int
	PagesOK      int
	Fragments    int
	TotalCount   int
	Failures     []PageFailure
	ErrorsByType map[string]int
	RequestCount int
}

// ErrorCount reports how many pages failed.
func (r *ScraperResult) ErrorCount() int {
	return len(r.Failures)
}

// FailedURLs lists the URLs of failed pages in page order.
func (r *ScraperResult) FailedURLs() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.URL)
	}
	return out
}
