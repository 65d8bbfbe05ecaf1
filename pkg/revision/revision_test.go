package revision

import (
	"encoding/json"
	"testing"

	"collab-sync/pkg/delta"
	"collab-sync/pkg/document"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertRev(t *testing.T, docLen, index int, text string, base int64) Revision {
	d, err := delta.InsertAt(docLen, index, text, nil)
	require.NoError(t, err)
	return New("doc", base, base+1, d, OriginLocal)
}

func TestVerify(t *testing.T) {
	r := insertRev(t, 0, 0, "hi", 0)
	require.NoError(t, r.Verify())
	require.NoError(t, r.Validate())

	r.DeltaData = []byte(`[{"insert":"ho"}]`)
	assert.True(t, errors.Is(r.Verify(), ErrChecksumMismatch))
}

func TestValidate(t *testing.T) {
	r := insertRev(t, 0, 0, "hi", 3)
	r.RevID = 3
	assert.True(t, errors.Is(r.Validate(), ErrInvalid))

	r = insertRev(t, 0, 0, "hi", 0)
	r.DocID = ""
	assert.True(t, errors.Is(r.Validate(), ErrInvalid))

	r = Revision{DocID: "doc", BaseRevID: 0, RevID: 1, DeltaData: []byte("nope")}
	r.Checksum = ChecksumOf(r.DeltaData)
	assert.True(t, errors.Is(r.Validate(), delta.ErrMalformed))
}

func TestWireFields(t *testing.T) {
	r := insertRev(t, 0, 0, "a", 0).WithOrigin(OriginRemote)
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, k := range []string{"doc_id", "base_rev_id", "rev_id", "delta_data", "checksum", "origin"} {
		assert.Contains(t, fields, k)
	}
	assert.Equal(t, "remote", fields["origin"])

	var back Revision
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)
}

func TestRange(t *testing.T) {
	rng := NewRange("doc", 6, 7)
	assert.Equal(t, int64(2), rng.Len())
	assert.True(t, rng.Contains(7))
	assert.False(t, rng.Contains(8))
	assert.Equal(t, int64(0), NewRange("doc", 5, 4).Len())
}

func TestCovers(t *testing.T) {
	a := insertRev(t, 0, 0, "a", 5)
	b := insertRev(t, 1, 1, "b", 6)
	rng := NewRange("doc", 6, 7)
	assert.True(t, Covers([]Revision{a, b}, rng))
	assert.False(t, Covers([]Revision{a}, rng))
	assert.False(t, Covers([]Revision{b}, rng))

	merged, err := Merge([]Revision{a, b})
	require.NoError(t, err)
	assert.True(t, Covers([]Revision{merged}, rng))
}

func TestMergeEquivalence(t *testing.T) {
	var revs []Revision
	doc, err := document.FromDelta(delta.Delta{})
	require.NoError(t, err)
	for i, s := range []string{"h", "e", "l", "l", "o"} {
		r := insertRev(t, i, i, s, int64(i))
		revs = append(revs, r)
		d, err := r.Delta()
		require.NoError(t, err)
		require.NoError(t, doc.Apply(d))
	}

	merged, err := Merge(revs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), merged.BaseRevID)
	assert.Equal(t, int64(5), merged.RevID)
	assert.Equal(t, int64(5), merged.Span())

	compacted, err := document.FromDelta(delta.Delta{})
	require.NoError(t, err)
	d, err := merged.Delta()
	require.NoError(t, err)
	require.NoError(t, compacted.ApplyAt(d, merged.RevID))
	assert.Equal(t, doc.PlainText(), compacted.PlainText())
	assert.Equal(t, "hello", compacted.PlainText())
}

func TestMergeRejectsGaps(t *testing.T) {
	a := insertRev(t, 0, 0, "a", 0)
	c := insertRev(t, 1, 1, "c", 2)
	_, err := Merge([]Revision{a, c})
	assert.True(t, errors.Is(err, ErrInvalid))
}
