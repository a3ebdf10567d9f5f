// Package parser turns catalog item fragments into records.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-harvest-books/models"
)

const (
	ratingSelector = "p.star-rating"
	priceSelector  = "p.price_color"
)

var (
	ratings = map[string]int{
		"One":   1,
		"Two":   2,
		"Three": 3,
		"Four":  4,
		"Five":  5,
	}

	// Matches the amount only, so any currency glyph or mis-decoded
	// byte sequence in front of it is ignored.
	decimalPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
)

// Extract builds a record from one item fragment.
//
// The fragment must already match the catalog item shape: at least two
// anchors (thumbnail first, titled link second), a star-rating marker and a
// price marker. Missing parts degrade to zero values rather than failing.
func Extract(item *goquery.Selection) models.Record {
	anchor := item.Find("a").Eq(1)
	ratingClass, _ := item.Find(ratingSelector).First().Attr("class")

	return models.Record{
		Name:   strings.TrimSpace(anchor.Text()),
		Rating: RatingFromClass(ratingClass),
		Price:  NormalizePrice(item.Find(priceSelector).First().Text()),
		Link:   strings.TrimSpace(anchor.AttrOr("href", "")),
	}
}

// ValidateRecord ensures the extractor captured a usable name.
func ValidateRecord(r models.Record) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("record missing name")
	}
	if r.Rating < 0 || r.Rating > 5 {
		return fmt.Errorf("record %q rating %d out of range", r.Name, r.Rating)
	}
	return nil
}

// NormalizePrice extracts the decimal amount from price text, whatever
// currency symbol precedes it. Text without a number yields 0.
func NormalizePrice(price string) float64 {
	match := decimalPattern.FindString(price)
	if match == "" {
		return 0
	}
	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return value
}

// RatingFromClass reads the ordinal word out of a class attribute such as
// "star-rating Three".
func RatingFromClass(class string) int {
	for _, token := range strings.Fields(class) {
		if n, ok := ratings[token]; ok {
			return n
		}
	}
	return 0
}

// RatingToNumeric converts the textual rating to a numeric scale.
func RatingToNumeric(rating string) int {
	return ratings[strings.TrimSpace(rating)]
}

// FormatPrice renders a price with two decimals.
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
