package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/revision"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	revisionsBucket = []byte("revisions")
	documentsBucket = []byte("documents")
)

// diskRecord is the msgpack layout of a revision row.
type diskRecord struct {
	DocID     string `msgpack:"d"`
	RevID     int64  `msgpack:"r"`
	BaseRevID int64  `msgpack:"b"`
	DeltaData []byte `msgpack:"p"`
	Checksum  string `msgpack:"c"`
	Origin    uint8  `msgpack:"o"`
	State     uint8  `msgpack:"s"`
}

type diskDocument struct {
	ID        string    `msgpack:"id"`
	Content   []byte    `msgpack:"content"`
	RevID     int64     `msgpack:"rev_id"`
	CreatedAt time.Time `msgpack:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// BoltStore implements Store on an embedded bbolt file. Each document owns
// a nested bucket of revisions keyed by big-endian rev_id, so cursor order
// is rev_id order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(revisionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func revKey(revID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(revID))
	return key
}

func encodeRecord(r revision.Record) ([]byte, error) {
	return msgpack.Marshal(diskRecord{
		DocID:     r.DocID,
		RevID:     r.RevID,
		BaseRevID: r.BaseRevID,
		DeltaData: r.DeltaData,
		Checksum:  r.Checksum,
		Origin:    uint8(r.Origin),
		State:     uint8(r.State),
	})
}

func decodeRecord(v []byte) (revision.Record, error) {
	var dr diskRecord
	if err := msgpack.Unmarshal(append([]byte(nil), v...), &dr); err != nil {
		return revision.Record{}, fmt.Errorf("decode revision: %w", err)
	}
	return revision.Record{
		Revision: revision.Revision{
			DocID:     dr.DocID,
			BaseRevID: dr.BaseRevID,
			RevID:     dr.RevID,
			DeltaData: dr.DeltaData,
			Checksum:  dr.Checksum,
			Origin:    revision.Origin(dr.Origin),
		},
		State:   revision.State(dr.State),
		Persist: true,
	}, nil
}

func putRecords(tx *bolt.Tx, docID string, records []revision.Record) error {
	if len(records) == 0 {
		return nil
	}
	b, err := tx.Bucket(revisionsBucket).CreateBucketIfNotExists([]byte(docID))
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.DocID != docID {
			return fmt.Errorf("revision of %q written to %q", r.DocID, docID)
		}
		v, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if err := b.Put(revKey(r.RevID), v); err != nil {
			return err
		}
	}
	return nil
}

func deleteRange(tx *bolt.Tx, docID string, start, end int64) error {
	b := tx.Bucket(revisionsBucket).Bucket([]byte(docID))
	if b == nil || start > end {
		return nil
	}
	var keys [][]byte
	c := b.Cursor()
	max := revKey(end)
	for k, _ := c.Seek(revKey(start)); k != nil && bytes.Compare(k, max) <= 0; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) InsertRecords(_ context.Context, records []revision.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byDoc := make(map[string][]revision.Record)
		for _, r := range records {
			byDoc[r.DocID] = append(byDoc[r.DocID], r)
		}
		for docID, recs := range byDoc {
			if err := putRecords(tx, docID, recs); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ReadRevision(_ context.Context, docID string, revID int64) (revision.Record, error) {
	var rec revision.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(revisionsBucket).Bucket([]byte(docID))
		if b == nil {
			return ErrRevisionNotFound
		}
		v := b.Get(revKey(revID))
		if v == nil {
			return ErrRevisionNotFound
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

func (s *BoltStore) ReadRange(_ context.Context, docID string, start, end int64) ([]revision.Record, error) {
	var records []revision.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(revisionsBucket).Bucket([]byte(docID))
		if b == nil || start > end {
			return nil
		}
		c := b.Cursor()
		max := revKey(end)
		for k, v := c.Seek(revKey(start)); k != nil && bytes.Compare(k, max) <= 0; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) ReadAll(ctx context.Context, docID string) ([]revision.Record, error) {
	return s.ReadRange(ctx, docID, 0, 1<<62)
}

func (s *BoltStore) DeleteRange(_ context.Context, docID string, start, end int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteRange(tx, docID, start, end)
	})
}

func (s *BoltStore) ReplaceRange(_ context.Context, docID string, start, end int64, records []revision.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteRange(tx, docID, start, end); err != nil {
			return err
		}
		return putRecords(tx, docID, records)
	})
}

func (s *BoltStore) SaveSnapshot(_ context.Context, docID string, revID int64, content delta.Delta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		now := time.Now().UTC()
		doc := diskDocument{ID: docID, CreatedAt: now}
		if v := b.Get([]byte(docID)); v != nil {
			if err := msgpack.Unmarshal(append([]byte(nil), v...), &doc); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			if doc.RevID > revID {
				return nil
			}
		}
		doc.Content = content.Bytes()
		doc.RevID = revID
		doc.UpdatedAt = now
		v, err := msgpack.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(docID), v)
	})
}

func decodeDocument(v []byte) (*Document, error) {
	var dd diskDocument
	if err := msgpack.Unmarshal(append([]byte(nil), v...), &dd); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	content, err := delta.FromBytes(dd.Content)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:        dd.ID,
		Content:   content,
		RevID:     dd.RevID,
		CreatedAt: dd.CreatedAt,
		UpdatedAt: dd.UpdatedAt,
	}, nil
}

func (s *BoltStore) LoadSnapshot(_ context.Context, docID string) (*Document, error) {
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(docID))
		if v == nil {
			return ErrDocumentNotFound
		}
		var err error
		doc, err = decodeDocument(v)
		return err
	})
	return doc, err
}

func (s *BoltStore) DeleteDocument(_ context.Context, docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		if docs.Get([]byte(docID)) == nil {
			return ErrDocumentNotFound
		}
		if err := docs.Delete([]byte(docID)); err != nil {
			return err
		}
		revs := tx.Bucket(revisionsBucket)
		if revs.Bucket([]byte(docID)) != nil {
			return revs.DeleteBucket([]byte(docID))
		}
		return nil
	})
}

func (s *BoltStore) ListDocuments(_ context.Context) ([]*Document, error) {
	var docs []*Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(_, v []byte) error {
			doc, err := decodeDocument(v)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

var _ Store = (*BoltStore)(nil)
