package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/go-harvest-books/models"
)

const recordsSchema = `CREATE TABLE records (
	position INTEGER PRIMARY KEY,
	name     TEXT    NOT NULL,
	rating   INTEGER NOT NULL,
	price    REAL    NOT NULL,
	link     TEXT
)`

// SQLiteWriter writes records into a "records" table of a fresh database.
type SQLiteWriter struct {
	staged *stagedFile
	db     *sql.DB
	next   int
	mu     sync.Mutex
	failed error
}

// NewSQLiteWriter creates the database in a staged file.
func NewSQLiteWriter(filename string) (*SQLiteWriter, error) {
	staged, err := createStaged(filename)
	if err != nil {
		return nil, err
	}
	// The driver opens the path itself.
	if err := staged.closeFile(); err != nil {
		staged.discard()
		return nil, fmt.Errorf("close staged sqlite file: %w", err)
	}

	db, err := sql.Open("sqlite", staged.tempPath())
	if err != nil {
		staged.discard()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		staged.discard()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &SQLiteWriter{staged: staged, db: db, next: 1}, nil
}

// Write inserts records in one transaction, keeping their order in the
// position column.
func (sw *SQLiteWriter) Write(records []models.Record) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if err := sw.insert(context.Background(), records); err != nil {
		sw.failed = err
		return err
	}
	return nil
}

func (sw *SQLiteWriter) insert(ctx context.Context, records []models.Record) error {
	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (position, name, rating, price, link) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	next := sw.next
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, next, r.Name, r.Rating, r.Price, r.Link); err != nil {
			return fmt.Errorf("insert record %d: %w", next, err)
		}
		next++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	sw.next = next
	return nil
}

// Close closes the database and commits the file.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	closeErr := sw.db.Close()
	if sw.failed != nil {
		return sw.staged.discard()
	}
	if closeErr != nil {
		sw.staged.discard()
		return fmt.Errorf("close sqlite: %w", closeErr)
	}
	return sw.staged.commit()
}

// Validate ensures the database file was written.
func (sw *SQLiteWriter) Validate() error {
	return validateOutput(sw.staged.path, "sqlite")
}

// Discard closes the database and removes the staged file.
func (sw *SQLiteWriter) Discard() error {
	sw.mu.Lock()
	sw.failed = errDiscarded
	sw.mu.Unlock()
	return sw.Close()
}
