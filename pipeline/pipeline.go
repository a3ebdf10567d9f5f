package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-harvest-books/config"
	"github.com/aluiziolira/go-harvest-books/models"
	"github.com/aluiziolira/go-harvest-books/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")

	errDiscarded = errors.New("output discarded")
)

// WriteError reports a dataset that could not be written. The records
// are still held by the pipeline.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write dataset %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []models.Record) error
	Close() error
	Validate() error
}

// discarder is implemented by writers that can drop staged output.
type discarder interface {
	Discard() error
}

// Pipeline validates and optionally de-duplicates records, keeps them in
// arrival order and writes the whole dataset once on Close.
type Pipeline struct {
	writer OutputWriter
	path   string

	records []models.Record
	seen    *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex
	closed bool
	err    error
}

// NewPipeline builds a pipeline writing to writer. path is only used to
// label write errors.
func NewPipeline(writer OutputWriter, path string, cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{
		writer:  writer,
		path:    path,
		metrics: newMetrics(),
	}
	if cfg != nil && cfg.Dedupe {
		seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		p.seen = seen
	}
	return p, nil
}

// Process appends records to the dataset in the order given.
func (p *Pipeline) Process(records ...models.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	for _, record := range records {
		if prepared, ok := p.prepare(record); ok {
			p.records = append(p.records, prepared)
		}
	}
	return nil
}

// Records returns a copy of the accepted records.
func (p *Pipeline) Records() []models.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Record, len(p.records))
	copy(out, p.records)
	return out
}

// Close writes the dataset and releases the writer on every path. A
// failure is returned as *WriteError; the in-memory records survive it.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.err
	}
	p.closed = true

	writeErr := p.writer.Write(p.records)
	closeErr := p.writer.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		p.err = &WriteError{Path: p.path, Err: err}
		slog.Error("dataset write failed",
			slog.String("path", p.path),
			slog.Int("records", len(p.records)),
			slog.Any("error", err),
		)
		return p.err
	}
	p.metrics.setWritten(int64(len(p.records)))
	return nil
}

// Abort releases the writer without writing the dataset. Writers that
// stage their output leave the target path untouched.
func (p *Pipeline) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.err
	}
	p.closed = true
	if d, ok := p.writer.(discarder); ok {
		return d.Discard()
	}
	return p.writer.Close()
}

// Err returns the write error, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func (p *Pipeline) prepare(record models.Record) (models.Record, bool) {
	if err := parser.ValidateRecord(record); err != nil {
		p.metrics.addValidation("invalid_record")
		slog.Debug("dropping record", slog.Any("error", err))
		return record, false
	}

	if p.seen != nil {
		key := dedupeKey(record)
		if p.seen.Contains(key) {
			p.metrics.addValidation("duplicate_link")
			return record, false
		}
		p.seen.Add(key, struct{}{})
	}

	p.metrics.incrementProcessed()
	return record, true
}

func dedupeKey(r models.Record) string {
	if r.Link != "" {
		return r.Link
	}
	return r.Name + "|" + strconv.FormatFloat(r.Price, 'f', -1, 64)
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	written    int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) setWritten(n int64) {
	m.mu.Lock()
	m.written = n
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"written_records":   m.written,
		"validation_errors": copyValidation,
	}
}
