package document

import (
	"math"
	"testing"

	"collab-sync/pkg/delta"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyIncrementsRevision(t *testing.T) {
	doc, err := FromDelta(delta.FromText("hello"))
	require.NoError(t, err)
	before := doc.Checksum()

	d, err := delta.InsertAt(doc.Len(), 5, " world", nil)
	require.NoError(t, err)
	require.NoError(t, doc.Apply(d))

	assert.Equal(t, int64(1), doc.CurrentRevID())
	assert.Equal(t, "hello world", doc.PlainText())
	assert.NotEqual(t, before, doc.Checksum())
	assert.Equal(t, Checksum("hello world"), doc.Checksum())
}

func TestApplyRejectsStaleDelta(t *testing.T) {
	doc, err := New(delta.FromText("abc"), 4)
	require.NoError(t, err)

	d, err := delta.InsertAt(5, 0, "x", nil)
	require.NoError(t, err)
	err = doc.Apply(d)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "abc", doc.PlainText())
	assert.Equal(t, int64(4), doc.CurrentRevID())
}

func TestApplyAt(t *testing.T) {
	doc, err := New(delta.FromText("ab"), 2)
	require.NoError(t, err)
	d, err := delta.DeleteRange(2, delta.Interval{Start: 0, End: 1})
	require.NoError(t, err)

	assert.True(t, errors.Is(doc.ApplyAt(d, 2), ErrConflict))
	require.NoError(t, doc.ApplyAt(d, 7))
	assert.Equal(t, int64(7), doc.CurrentRevID())
	assert.Equal(t, "b", doc.PlainText())
}

func TestNewRejectsChangeDelta(t *testing.T) {
	_, err := FromDelta(delta.NewBuilder().Retain(2, nil).Build())
	assert.True(t, errors.Is(err, delta.ErrMalformed))
}

func TestReset(t *testing.T) {
	doc, err := FromDelta(delta.FromText("old"))
	require.NoError(t, err)
	require.NoError(t, doc.Reset(delta.FromText("new text"), 12))
	assert.Equal(t, "new text", doc.PlainText())
	assert.Equal(t, int64(12), doc.CurrentRevID())
}

func TestApplyAtRejectsNonDocumentResult(t *testing.T) {
	doc, err := New(delta.FromText("hello"), 3)
	require.NoError(t, err)

	// unchecked lengths wrap around to a base length of 5
	d := delta.NewBuilder().Retain(math.MaxInt, nil).Delete(math.MaxInt).Retain(7, nil).Build()
	require.Equal(t, 5, d.BaseLen())

	err = doc.ApplyAt(d, 4)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "hello", doc.PlainText())
	assert.Equal(t, int64(3), doc.CurrentRevID())
}
