package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/revision"
)

// MemoryStore keeps everything in process memory. It backs tests and
// deployments that do not need durability.
type MemoryStore struct {
	mu        sync.RWMutex
	revisions map[string]map[int64]revision.Record
	documents map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revisions: make(map[string]map[int64]revision.Record),
		documents: make(map[string]*Document),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) put(r revision.Record) {
	revs, ok := s.revisions[r.DocID]
	if !ok {
		revs = make(map[int64]revision.Record)
		s.revisions[r.DocID] = revs
	}
	r.Persist = true
	r.DeltaData = append([]byte(nil), r.DeltaData...)
	revs[r.RevID] = r
}

func (s *MemoryStore) InsertRecords(_ context.Context, records []revision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.put(r)
	}
	return nil
}

func (s *MemoryStore) ReadRevision(_ context.Context, docID string, revID int64) (revision.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.revisions[docID][revID]
	if !ok {
		return revision.Record{}, ErrRevisionNotFound
	}
	return r, nil
}

func (s *MemoryStore) ReadRange(_ context.Context, docID string, start, end int64) ([]revision.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []revision.Record
	for id, r := range s.revisions[docID] {
		if id >= start && id <= end {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RevID < records[j].RevID })
	return records, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, docID string) ([]revision.Record, error) {
	return s.ReadRange(ctx, docID, 0, 1<<62)
}

func (s *MemoryStore) deleteRange(docID string, start, end int64) {
	for id := range s.revisions[docID] {
		if id >= start && id <= end {
			delete(s.revisions[docID], id)
		}
	}
}

func (s *MemoryStore) DeleteRange(_ context.Context, docID string, start, end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRange(docID, start, end)
	return nil
}

func (s *MemoryStore) ReplaceRange(_ context.Context, docID string, start, end int64, records []revision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRange(docID, start, end)
	for _, r := range records {
		s.put(r)
	}
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, docID string, revID int64, content delta.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	doc, ok := s.documents[docID]
	if !ok {
		doc = &Document{ID: docID, CreatedAt: now}
		s.documents[docID] = doc
	} else if doc.RevID > revID {
		return nil
	}
	doc.Content = content
	doc.RevID = revID
	doc.UpdatedAt = now
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, docID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[docID]; !ok {
		return ErrDocumentNotFound
	}
	delete(s.documents, docID)
	delete(s.revisions, docID)
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]*Document, 0, len(s.documents))
	for _, doc := range s.documents {
		cp := *doc
		docs = append(docs, &cp)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
	return docs, nil
}

var _ Store = (*MemoryStore)(nil)
