package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/revision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(docID string, base, rev int64, text string, state revision.State) revision.Record {
	d := delta.NewBuilder().Retain(int(base), nil).Insert(text, nil).Build()
	return revision.Record{
		Revision: revision.New(docID, base, rev, d, revision.OriginLocal),
		State:    state,
		Persist:  true,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	out := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bs,
	}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		ps, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { ps.Close() })
		out["postgres"] = ps
	}
	return out
}

func TestStoreRevisions(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docID := "doc-revs-" + name
			defer s.DeleteRange(ctx, docID, 0, 100)

			recs := []revision.Record{
				record(docID, 0, 1, "a", revision.StateAcknowledged),
				record(docID, 1, 2, "b", revision.StateAcknowledged),
				record(docID, 2, 3, "c", revision.StatePending),
			}
			require.NoError(t, s.InsertRecords(ctx, recs))

			got, err := s.ReadRevision(ctx, docID, 2)
			require.NoError(t, err)
			assert.Equal(t, recs[1].Checksum, got.Checksum)
			assert.Equal(t, revision.StateAcknowledged, got.State)
			assert.True(t, got.Persist)

			_, err = s.ReadRevision(ctx, docID, 9)
			assert.ErrorIs(t, err, ErrRevisionNotFound)

			rng, err := s.ReadRange(ctx, docID, 2, 3)
			require.NoError(t, err)
			require.Len(t, rng, 2)
			assert.Equal(t, int64(2), rng[0].RevID)
			assert.Equal(t, int64(3), rng[1].RevID)

			// upsert flips state
			acked := recs[2]
			acked.State = revision.StateAcknowledged
			require.NoError(t, s.InsertRecords(ctx, []revision.Record{acked}))
			got, err = s.ReadRevision(ctx, docID, 3)
			require.NoError(t, err)
			assert.Equal(t, revision.StateAcknowledged, got.State)

			all, err := s.ReadAll(ctx, docID)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStoreReplaceRange(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docID := "doc-replace-" + name
			defer s.DeleteRange(ctx, docID, 0, 100)

			var recs []revision.Record
			for i := int64(0); i < 4; i++ {
				recs = append(recs, record(docID, i, i+1, "x", revision.StatePending))
			}
			require.NoError(t, s.InsertRecords(ctx, recs))

			revs := []revision.Revision{recs[1].Revision, recs[2].Revision, recs[3].Revision}
			merged, err := revision.Merge(revs)
			require.NoError(t, err)
			require.NoError(t, s.ReplaceRange(ctx, docID, 2, 4, []revision.Record{
				{Revision: merged, State: revision.StatePending, Persist: true},
			}))

			all, err := s.ReadAll(ctx, docID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(1), all[1].BaseRevID)
			assert.Equal(t, int64(4), all[1].RevID)

			require.NoError(t, s.DeleteRange(ctx, docID, 0, 4))
			all, err = s.ReadAll(ctx, docID)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestStoreSnapshots(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docID := "doc-snap-" + name

			_, err := s.LoadSnapshot(ctx, docID)
			assert.ErrorIs(t, err, ErrDocumentNotFound)

			require.NoError(t, s.SaveSnapshot(ctx, docID, 4, delta.FromText("hello")))
			require.NoError(t, s.InsertRecords(ctx, []revision.Record{record(docID, 4, 5, "!", revision.StateAcknowledged)}))

			// an older snapshot never overwrites a newer one
			require.NoError(t, s.SaveSnapshot(ctx, docID, 2, delta.FromText("he")))

			doc, err := s.LoadSnapshot(ctx, docID)
			require.NoError(t, err)
			assert.Equal(t, int64(4), doc.RevID)
			assert.Equal(t, "hello", doc.Content.PlainText())

			docs, err := s.ListDocuments(ctx)
			require.NoError(t, err)
			var ids []string
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Contains(t, ids, docID)

			require.NoError(t, s.DeleteDocument(ctx, docID))
			_, err = s.LoadSnapshot(ctx, docID)
			assert.ErrorIs(t, err, ErrDocumentNotFound)
			all, err := s.ReadAll(ctx, docID)
			require.NoError(t, err)
			assert.Empty(t, all)

			assert.ErrorIs(t, s.DeleteDocument(ctx, docID), ErrDocumentNotFound)
		})
	}
}
