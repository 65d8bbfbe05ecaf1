// Package revision defines the unit of exchange between replicas: one
// atomic delta with its ordering and integrity metadata.
package revision

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"

	"collab-sync/pkg/delta"

	"github.com/pkg/errors"
)

var (
	// ErrChecksumMismatch is returned when a revision's payload does not hash
	// to its checksum, or a replica's content disagrees with its peer's.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInvalid is returned for revisions whose metadata cannot be right.
	ErrInvalid = errors.New("invalid revision")
)

// Origin tells whether a revision was produced by this replica.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(text []byte) error {
	switch string(text) {
	case "local":
		*o = OriginLocal
	case "remote":
		*o = OriginRemote
	default:
		return errors.Wrapf(ErrInvalid, "unknown origin %q", text)
	}
	return nil
}

// State tracks whether the peer has confirmed a revision.
type State uint8

const (
	StatePending State = iota
	StateAcknowledged
)

func (s State) String() string {
	if s == StateAcknowledged {
		return "acknowledged"
	}
	return "pending"
}

// Revision is one atomic edit. RevID == BaseRevID+1 for a revision that
// applies directly on BaseRevID; compacted revisions span more ids.
type Revision struct {
	DocID     string `json:"doc_id"`
	BaseRevID int64  `json:"base_rev_id"`
	RevID     int64  `json:"rev_id"`
	DeltaData []byte `json:"delta_data"`
	Checksum  string `json:"checksum"`
	Origin    Origin `json:"origin"`
}

// New serializes d and stamps it with its checksum.
func New(docID string, baseRevID, revID int64, d delta.Delta, origin Origin) Revision {
	data := d.Bytes()
	return Revision{
		DocID:     docID,
		BaseRevID: baseRevID,
		RevID:     revID,
		DeltaData: data,
		Checksum:  ChecksumOf(data),
		Origin:    origin,
	}
}

// ChecksumOf returns the md5 hex digest of data.
func ChecksumOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Delta decodes the payload.
func (r Revision) Delta() (delta.Delta, error) {
	d, err := delta.FromBytes(r.DeltaData)
	if err != nil {
		return delta.Delta{}, errors.Wrapf(err, "revision %s@%d", r.DocID, r.RevID)
	}
	return d, nil
}

// Verify checks the payload against the checksum.
func (r Revision) Verify() error {
	if got := ChecksumOf(r.DeltaData); got != r.Checksum {
		return errors.Wrapf(ErrChecksumMismatch, "revision %s@%d: have %s, computed %s",
			r.DocID, r.RevID, r.Checksum, got)
	}
	return nil
}

// Validate rejects revisions received from a peer that cannot be applied.
func (r Revision) Validate() error {
	if r.DocID == "" {
		return errors.Wrap(ErrInvalid, "missing doc id")
	}
	if r.BaseRevID < 0 || r.RevID <= r.BaseRevID {
		return errors.Wrapf(ErrInvalid, "revision %d on base %d", r.RevID, r.BaseRevID)
	}
	if err := r.Verify(); err != nil {
		return err
	}
	if _, err := r.Delta(); err != nil {
		return err
	}
	return nil
}

// Span is the number of revision ids the revision covers.
func (r Revision) Span() int64 {
	return r.RevID - r.BaseRevID
}

// WithOrigin returns a copy tagged with origin.
func (r Revision) WithOrigin(origin Origin) Revision {
	r.Origin = origin
	return r
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%d(base %d, %s)", r.DocID, r.RevID, r.BaseRevID, r.Origin)
}

// Record is a revision as kept by a cache.
type Record struct {
	Revision
	State   State
	Persist bool
}

// Range is an inclusive span of revision ids.
type Range struct {
	DocID string `json:"doc_id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// NewRange returns [start, end] for docID.
func NewRange(docID string, start, end int64) Range {
	return Range{DocID: docID, Start: start, End: end}
}

// Len returns the number of ids in the range.
func (r Range) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Contains reports whether revID lies in the range.
func (r Range) Contains(revID int64) bool {
	return revID >= r.Start && revID <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%d..%d]", r.DocID, r.Start, r.End)
}

// Sort orders revisions by RevID.
func Sort(revs []Revision) {
	sort.Slice(revs, func(i, j int) bool { return revs[i].RevID < revs[j].RevID })
}

// Covers reports whether the sorted revisions chain from rng.Start-1 to
// rng.End without gaps or overlaps.
func Covers(revs []Revision, rng Range) bool {
	if rng.Len() == 0 {
		return len(revs) == 0
	}
	prev := rng.Start - 1
	for _, r := range revs {
		if r.BaseRevID != prev {
			return false
		}
		prev = r.RevID
	}
	return prev == rng.End
}

// Merge composes consecutive revisions into one spanning from the first
// base to the last id.
func Merge(revs []Revision) (Revision, error) {
	if len(revs) == 0 {
		return Revision{}, errors.Wrap(ErrInvalid, "nothing to merge")
	}
	first := revs[0]
	merged, err := first.Delta()
	if err != nil {
		return Revision{}, err
	}
	for i, r := range revs[1:] {
		if r.BaseRevID != revs[i].RevID {
			return Revision{}, errors.Wrapf(ErrInvalid, "revision %d does not follow %d", r.RevID, revs[i].RevID)
		}
		d, err := r.Delta()
		if err != nil {
			return Revision{}, err
		}
		if merged, err = merged.Compose(d); err != nil {
			return Revision{}, errors.Wrapf(err, "merge revision %d", r.RevID)
		}
	}
	last := revs[len(revs)-1]
	return New(first.DocID, first.BaseRevID, last.RevID, merged, first.Origin), nil
}
