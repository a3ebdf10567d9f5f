package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrStructureChanged means the landing page has no page indicator.
	ErrStructureChanged = errors.New("page indicator not found")
	// ErrUnparseable means the page indicator holds no positive page count.
	ErrUnparseable = errors.New("page count not parseable")
	// ErrPagePanic marks a page whose harvest step panicked.
	ErrPagePanic = errors.New("page harvest panicked")
)

// FetchKind distinguishes HTTP status failures from transport failures.
type FetchKind int

const (
	FetchHTTP FetchKind = iota + 1
	FetchTransport
)

// FetchError is a failed document fetch. StatusCode is set for FetchHTTP.
type FetchError struct {
	Kind       FetchKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTP {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DiscoveryKind enumerates why the page count could not be discovered.
type DiscoveryKind int

const (
	DiscoveryHTTP DiscoveryKind = iota + 1
	DiscoveryTransport
	DiscoveryStructureChanged
	DiscoveryUnparseable
)

// DiscoveryError aborts a run before any page is fetched.
type DiscoveryError struct {
	Kind       DiscoveryKind
	URL        string
	StatusCode int
	Text       string
	Err        error
}

func (e *DiscoveryError) Error() string {
	switch e.Kind {
	case DiscoveryHTTP:
		return fmt.Sprintf("discover pages at %s: http status %d", e.URL, e.StatusCode)
	case DiscoveryStructureChanged:
		return fmt.Sprintf("discover pages at %s: %v", e.URL, ErrStructureChanged)
	case DiscoveryUnparseable:
		return fmt.Sprintf("discover pages at %s: %v from %q", e.URL, ErrUnparseable, e.Text)
	default:
		return fmt.Sprintf("discover pages at %s: %v", e.URL, e.Err)
	}
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is lets callers match the structural kinds with errors.Is.
func (e *DiscoveryError) Is(target error) bool {
	switch target {
	case ErrStructureChanged:
		return e.Kind == DiscoveryStructureChanged
	case ErrUnparseable:
		return e.Kind == DiscoveryUnparseable
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode
	}
	var discoveryErr *DiscoveryError
	if errors.As(err, &discoveryErr) {
		return discoveryErr.StatusCode
	}
	return 0
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, ErrPagePanic) {
		return "panic"
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind == FetchHTTP {
		switch code := fetchErr.StatusCode; {
		case code == http.StatusForbidden:
			return "forbidden"
		case code == http.StatusNotFound:
			return "not_found"
		case code == http.StatusTooManyRequests:
			return "rate_limited"
		case code >= http.StatusInternalServerError:
			return "server_error"
		default:
			return "http_status"
		}
	}

	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "connection"
	}
	return "other"
}
