package db

import (
	"context"
	"time"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/revision"

	"github.com/pkg/errors"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Document is a persisted snapshot of a document's content.
type Document struct {
	ID        string      `json:"id"`
	Content   delta.Delta `json:"content"`
	RevID     int64       `json:"rev_id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// DurableStore is the disk tier of the revision cache: rows keyed by
// (doc_id, rev_id) with range scans by rev_id.
type DurableStore interface {
	// InsertRecords inserts or updates the records by (doc_id, rev_id).
	InsertRecords(ctx context.Context, records []revision.Record) error
	// ReadRevision returns ErrRevisionNotFound when the row is missing.
	ReadRevision(ctx context.Context, docID string, revID int64) (revision.Record, error)
	// ReadRange returns the rows with start <= rev_id <= end, ordered by rev_id.
	ReadRange(ctx context.Context, docID string, start, end int64) ([]revision.Record, error)
	// ReadAll returns every row of docID ordered by rev_id.
	ReadAll(ctx context.Context, docID string) ([]revision.Record, error)
	// DeleteRange removes the rows with start <= rev_id <= end.
	DeleteRange(ctx context.Context, docID string, start, end int64) error
	// ReplaceRange deletes [start, end] and inserts records atomically.
	ReplaceRange(ctx context.Context, docID string, start, end int64, records []revision.Record) error
	Close() error
}

// SnapshotStore persists materialized document content.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, docID string, revID int64, content delta.Delta) error
	// LoadSnapshot returns ErrDocumentNotFound when no snapshot exists.
	LoadSnapshot(ctx context.Context, docID string) (*Document, error)
	// DeleteDocument removes the snapshot and every revision of docID.
	DeleteDocument(ctx context.Context, docID string) error
	ListDocuments(ctx context.Context) ([]*Document, error)
}

// Store is what the server needs from persistence.
type Store interface {
	DurableStore
	SnapshotStore
}
