package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/aluiziolira/go-harvest-books/models"
	"github.com/aluiziolira/go-harvest-books/parser"
)

// DefaultFields is the header row of tabular outputs.
var DefaultFields = []string{"name", "rating", "price"}

func recordRow(r models.Record) []string {
	return []string{r.Name, strconv.Itoa(r.Rating), parser.FormatPrice(r.Price)}
}

// CSVWriter writes records to a delimited text file.
type CSVWriter struct {
	staged *stagedFile
	writer *csv.Writer
	mu     sync.Mutex
	failed error
}

// NewCSVWriter stages a CSV file and writes the header row. Rows become
// visible at filename only once Close succeeds.
func NewCSVWriter(filename string, delimiter rune) (*CSVWriter, error) {
	staged, err := createStaged(filename)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(staged.file)
	writer.Comma = delimiter
	if err := writer.Write(DefaultFields); err != nil {
		staged.discard()
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	return &CSVWriter{
		staged: staged,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, record := range records {
		if err := cw.writer.Write(recordRow(record)); err != nil {
			cw.failed = fmt.Errorf("write csv record: %w", err)
			return cw.failed
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.failed = fmt.Errorf("flush csv records: %w", err)
		return cw.failed
	}
	return nil
}

// Close commits the file, or discards it after a failed Write.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.failed != nil {
		return cw.staged.discard()
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.staged.discard()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.staged.commit()
}

// Validate ensures the committed file has content.
func (cw *CSVWriter) Validate() error {
	return validateOutput(cw.staged.path, "csv")
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	staged  *stagedFile
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
	failed  error
}

// NewJSONWriter stages the JSON Lines file.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	staged, err := createStaged(filename)
	if err != nil {
		return nil, err
	}

	buffer := bufio.NewWriter(staged.file)
	return &JSONWriter{
		staged:  staged,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []models.Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range records {
		if err := jw.encoder.Encode(record); err != nil {
			jw.failed = fmt.Errorf("encode json record: %w", err)
			return jw.failed
		}
	}

	if err := jw.writer.Flush(); err != nil {
		jw.failed = fmt.Errorf("flush json writer: %w", err)
		return jw.failed
	}

	return nil
}

// Close commits the file, or discards it after a failed Write.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.failed != nil {
		return jw.staged.discard()
	}
	if err := jw.writer.Flush(); err != nil {
		jw.staged.discard()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.staged.commit()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	return validateOutput(jw.staged.path, "json")
}

// Discard drops the staged file without committing it.
func (cw *CSVWriter) Discard() error {
	cw.mu.Lock()
	cw.failed = errDiscarded
	cw.mu.Unlock()
	return cw.Close()
}

// Discard drops the staged file without committing it.
func (jw *JSONWriter) Discard() error {
	jw.mu.Lock()
	jw.failed = errDiscarded
	jw.mu.Unlock()
	return jw.Close()
}
