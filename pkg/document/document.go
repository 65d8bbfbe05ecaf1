// Package document holds the materialized content of one document together
// with its revision counter. It is a plain state container: callers resolve
// conflicts before applying.
package document

import (
	"crypto/md5"
	"encoding/hex"

	"collab-sync/pkg/delta"

	"github.com/pkg/errors"
)

// ErrConflict is returned when a delta was computed against a different
// content length than the document holds.
var ErrConflict = errors.New("delta does not apply to current document")

// Document is not safe for concurrent use; its owner serializes access.
type Document struct {
	content delta.Delta
	revID   int64
}

// FromDelta creates a document at revision 0 holding initial.
func FromDelta(initial delta.Delta) (*Document, error) {
	return New(initial, 0)
}

// New creates a document holding initial at revID.
func New(initial delta.Delta, revID int64) (*Document, error) {
	if !initial.IsDocument() {
		return nil, errors.Wrap(delta.ErrMalformed, "initial content must only insert")
	}
	return &Document{content: initial, revID: revID}, nil
}

// Apply composes d onto the content and increments the revision.
func (d *Document) Apply(change delta.Delta) error {
	return d.ApplyAt(change, d.revID+1)
}

// ApplyAt composes change onto the content and moves the revision to revID,
// which must be ahead of the current one.
func (d *Document) ApplyAt(change delta.Delta, revID int64) error {
	if revID <= d.revID {
		return errors.Wrapf(ErrConflict, "revision %d is not after %d", revID, d.revID)
	}
	if change.BaseLen() != d.content.TargetLen() {
		return errors.Wrapf(ErrConflict, "delta base length %d, document length %d",
			change.BaseLen(), d.content.TargetLen())
	}
	next, err := d.content.Compose(change)
	if err != nil {
		return errors.Wrap(ErrConflict, err.Error())
	}
	if !next.IsDocument() {
		return errors.Wrap(ErrConflict, "result is not insert-only")
	}
	d.content = next
	d.revID = revID
	return nil
}

// Reset replaces the content and revision wholesale.
func (d *Document) Reset(content delta.Delta, revID int64) error {
	if !content.IsDocument() {
		return errors.Wrap(delta.ErrMalformed, "reset content must only insert")
	}
	d.content = content
	d.revID = revID
	return nil
}

// CurrentDelta returns the content as an insert-only delta.
func (d *Document) CurrentDelta() delta.Delta {
	return d.content
}

// CurrentRevID returns the revision of the content.
func (d *Document) CurrentRevID() int64 {
	return d.revID
}

// Len returns the content length in UTF-16 code units.
func (d *Document) Len() int {
	return d.content.TargetLen()
}

// PlainText returns the content without formatting.
func (d *Document) PlainText() string {
	return d.content.PlainText()
}

// Checksum is the md5 of the plain text, used to detect divergence between
// replicas.
func (d *Document) Checksum() string {
	return Checksum(d.PlainText())
}

// Checksum hashes text the same way Document.Checksum does.
func Checksum(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
