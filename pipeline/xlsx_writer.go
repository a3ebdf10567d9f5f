package pipeline

import (
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/go-harvest-books/models"
)

const xlsxSheet = "Records"

// XLSXWriter writes records to a single-sheet workbook.
type XLSXWriter struct {
	staged *stagedFile
	book   *excelize.File
	next   int
	mu     sync.Mutex
	failed error
}

// NewXLSXWriter stages the workbook and writes the header row.
func NewXLSXWriter(filename string) (*XLSXWriter, error) {
	staged, err := createStaged(filename)
	if err != nil {
		return nil, err
	}

	book := excelize.NewFile()
	if err := book.SetSheetName("Sheet1", xlsxSheet); err != nil {
		staged.discard()
		return nil, fmt.Errorf("name xlsx sheet: %w", err)
	}

	xw := &XLSXWriter{staged: staged, book: book, next: 1}
	header := make([]interface{}, len(DefaultFields))
	for i, field := range DefaultFields {
		header[i] = field
	}
	if err := xw.appendRow(header); err != nil {
		staged.discard()
		return nil, fmt.Errorf("write xlsx header: %w", err)
	}
	return xw, nil
}

func (xw *XLSXWriter) appendRow(values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, xw.next)
	if err != nil {
		return err
	}
	if err := xw.book.SetSheetRow(xlsxSheet, cell, &values); err != nil {
		return err
	}
	xw.next++
	return nil
}

// Write appends records as typed cells.
func (xw *XLSXWriter) Write(records []models.Record) error {
	xw.mu.Lock()
	defer xw.mu.Unlock()

	for _, r := range records {
		if err := xw.appendRow([]interface{}{r.Name, r.Rating, r.Price}); err != nil {
			xw.failed = fmt.Errorf("write xlsx row %d: %w", xw.next, err)
			return xw.failed
		}
	}
	return nil
}

// Close serialises the workbook and commits it.
func (xw *XLSXWriter) Close() error {
	xw.mu.Lock()
	defer xw.mu.Unlock()

	defer xw.book.Close()
	if xw.failed != nil {
		return xw.staged.discard()
	}
	if err := xw.book.Write(xw.staged.file); err != nil {
		xw.staged.discard()
		return fmt.Errorf("serialise xlsx: %w", err)
	}
	return xw.staged.commit()
}

// Validate ensures the workbook was written.
func (xw *XLSXWriter) Validate() error {
	return validateOutput(xw.staged.path, "xlsx")
}

// Discard drops the staged workbook.
func (xw *XLSXWriter) Discard() error {
	xw.mu.Lock()
	xw.failed = errDiscarded
	xw.mu.Unlock()
	return xw.Close()
}
