package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/revision"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const upsertRevision = `
	INSERT INTO revisions (doc_id, rev_id, base_rev_id, delta_data, checksum, origin, state)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (doc_id, rev_id) DO UPDATE SET
		base_rev_id = EXCLUDED.base_rev_id,
		delta_data = EXCLUDED.delta_data,
		checksum = EXCLUDED.checksum,
		origin = EXCLUDED.origin,
		state = EXCLUDED.state
`

const selectRevision = `
	SELECT doc_id, rev_id, base_rev_id, delta_data, checksum, origin, state
	FROM revisions
`

func (s *PostgresStore) InsertRecords(ctx context.Context, records []revision.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := insertRecords(ctx, tx, records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit revisions: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []revision.Record) error {
	stmt, err := tx.PrepareContext(ctx, upsertRevision)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.DocID, r.RevID, r.BaseRevID, r.DeltaData,
			r.Checksum, int16(r.Origin), int16(r.State))
		if err != nil {
			return fmt.Errorf("failed to insert revision %d: %w", r.RevID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ReadRevision(ctx context.Context, docID string, revID int64) (revision.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRevision+` WHERE doc_id = $1 AND rev_id = $2`, docID, revID)
	r, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return revision.Record{}, ErrRevisionNotFound
		}
		return revision.Record{}, fmt.Errorf("failed to read revision: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ReadRange(ctx context.Context, docID string, start, end int64) ([]revision.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRevision+` WHERE doc_id = $1 AND rev_id BETWEEN $2 AND $3 ORDER BY rev_id`,
		docID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read revisions: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ReadAll(ctx context.Context, docID string) ([]revision.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRevision+` WHERE doc_id = $1 ORDER BY rev_id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to read revisions: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) DeleteRange(ctx context.Context, docID string, start, end int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM revisions WHERE doc_id = $1 AND rev_id BETWEEN $2 AND $3`, docID, start, end)
	if err != nil {
		return fmt.Errorf("failed to delete revisions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceRange(ctx context.Context, docID string, start, end int64, records []revision.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM revisions WHERE doc_id = $1 AND rev_id BETWEEN $2 AND $3`, docID, start, end)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete revisions: %w", err)
	}
	if err := insertRecords(ctx, tx, records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replacement: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (revision.Record, error) {
	var r revision.Record
	var origin, state int16
	err := row.Scan(&r.DocID, &r.RevID, &r.BaseRevID, &r.DeltaData, &r.Checksum, &origin, &state)
	if err != nil {
		return revision.Record{}, err
	}
	r.Origin = revision.Origin(origin)
	r.State = revision.State(state)
	r.Persist = true
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]revision.Record, error) {
	defer rows.Close()

	var records []revision.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, revID int64, content delta.Delta) error {
	now := time.Now()
	query := `
		INSERT INTO documents (id, content, rev_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			rev_id = EXCLUDED.rev_id,
			updated_at = EXCLUDED.updated_at
		WHERE documents.rev_id <= EXCLUDED.rev_id
	`
	if _, err := s.db.ExecContext(ctx, query, docID, string(content.Bytes()), revID, now); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, docID string) (*Document, error) {
	query := `
		SELECT id, content, rev_id, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, docID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM revisions WHERE doc_id = $1`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete revisions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete document: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		_ = tx.Rollback()
		return ErrDocumentNotFound
	}
	return tx.Commit()
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]*Document, error) {
	query := `
		SELECT id, content, rev_id, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var documents []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		documents = append(documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return documents, nil
}

func scanDocument(row rowScanner) (*Document, error) {
	doc := &Document{}
	var content string
	if err := row.Scan(&doc.ID, &content, &doc.RevID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := delta.FromBytes([]byte(content))
	if err != nil {
		return nil, err
	}
	doc.Content = d
	return doc, nil
}

// Compile-time check to ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)
