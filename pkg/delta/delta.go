// Package delta implements rich-text deltas and their operational
// transformation algebra: compose, transform and invert.
//
// All lengths are measured in UTF-16 code units so that positions line up
// with editor cursors.
package delta

import (
	"math"
	"strings"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// MaxLength bounds the base and target length of a decoded delta, so that
// no sum of operation lengths can overflow.
const MaxLength = 1 << 30

// Delta is an immutable, normalized sequence of operations. The zero value is
// the empty delta.
type Delta struct {
	ops       []Operation
	baseLen   int
	targetLen int
}

// Builder accumulates operations into a normalized Delta: zero-length
// operations are dropped, neighbours of the same kind and attributes are
// merged, and an insert that follows a delete is moved in front of it.
type Builder struct {
	ops       []Operation
	baseLen   int
	targetLen int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Retain appends a retain of n code units.
func (b *Builder) Retain(n int, attrs Attributes) *Builder {
	if n > 0 {
		b.push(Operation{Kind: KindRetain, N: n, Attributes: attrs.clone()})
	}
	return b
}

// Insert appends an insert of text.
func (b *Builder) Insert(text string, attrs Attributes) *Builder {
	if text != "" {
		b.push(Operation{Kind: KindInsert, N: utf16Len(text), Text: text, Attributes: attrs.clone()})
	}
	return b
}

// Delete appends a delete of n code units.
func (b *Builder) Delete(n int) *Builder {
	if n > 0 {
		b.push(Operation{Kind: KindDelete, N: n})
	}
	return b
}

// Add appends op, recomputing the length of inserts.
func (b *Builder) Add(op Operation) *Builder {
	switch op.Kind {
	case KindInsert:
		return b.Insert(op.Text, op.Attributes)
	case KindDelete:
		return b.Delete(op.N)
	default:
		return b.Retain(op.N, op.Attributes)
	}
}

// Build returns the accumulated delta. The builder must not be reused.
func (b *Builder) Build() Delta {
	return Delta{ops: b.ops, baseLen: b.baseLen, targetLen: b.targetLen}
}

func (b *Builder) push(op Operation) {
	if op.N <= 0 {
		return
	}
	switch op.Kind {
	case KindRetain:
		b.baseLen += op.N
		b.targetLen += op.N
	case KindInsert:
		b.targetLen += op.N
	case KindDelete:
		b.baseLen += op.N
	}
	if len(op.Attributes) == 0 {
		op.Attributes = nil
	}

	idx := len(b.ops)
	if idx > 0 {
		last := &b.ops[idx-1]
		if op.Kind == KindDelete && last.Kind == KindDelete {
			last.N += op.N
			return
		}
		if last.Kind == KindDelete && op.Kind == KindInsert {
			idx--
			if idx == 0 {
				b.ops = append([]Operation{op}, b.ops...)
				return
			}
			last = &b.ops[idx-1]
		}
		if last.Kind == op.Kind && last.Attributes.Equal(op.Attributes) {
			switch op.Kind {
			case KindInsert:
				last.Text += op.Text
				last.N += op.N
				return
			case KindRetain:
				last.N += op.N
				return
			}
		}
	}
	if idx == len(b.ops) {
		b.ops = append(b.ops, op)
		return
	}
	b.ops = append(b.ops, Operation{})
	copy(b.ops[idx+1:], b.ops[idx:])
	b.ops[idx] = op
}

// New builds a normalized delta from ops.
func New(ops ...Operation) Delta {
	b := NewBuilder()
	for _, op := range ops {
		b.Add(op)
	}
	return b.Build()
}

// FromText returns the document delta holding text.
func FromText(text string) Delta {
	return NewBuilder().Insert(text, nil).Build()
}

// Ops returns a copy of the operations.
func (d Delta) Ops() []Operation {
	out := make([]Operation, len(d.ops))
	copy(out, d.ops)
	return out
}

// BaseLen is the length of the text the delta applies to.
func (d Delta) BaseLen() int { return d.baseLen }

// TargetLen is the length of the text the delta produces.
func (d Delta) TargetLen() int { return d.targetLen }

// IsEmpty reports whether the delta has no operations.
func (d Delta) IsEmpty() bool { return len(d.ops) == 0 }

// IsNoop reports whether applying the delta leaves any text unchanged.
func (d Delta) IsNoop() bool {
	for _, op := range d.ops {
		if op.Kind != KindRetain || len(op.Attributes) > 0 {
			return false
		}
	}
	return true
}

// IsDocument reports whether the delta only inserts, i.e. it describes
// content rather than a change.
func (d Delta) IsDocument() bool {
	for _, op := range d.ops {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

// Equal reports whether two deltas hold the same operations.
func (d Delta) Equal(other Delta) bool {
	if len(d.ops) != len(other.ops) {
		return false
	}
	for i, op := range d.ops {
		o := other.ops[i]
		if op.Kind != o.Kind || op.N != o.N || op.Text != o.Text || !op.Attributes.Equal(o.Attributes) {
			return false
		}
	}
	return true
}

func (d Delta) String() string {
	parts := make([]string, len(d.ops))
	for i, op := range d.ops {
		parts[i] = op.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// PlainText concatenates the inserted text, ignoring retains and deletes.
func (d Delta) PlainText() string {
	var sb strings.Builder
	for _, op := range d.ops {
		if op.Kind == KindInsert {
			sb.WriteString(op.Text)
		}
	}
	return sb.String()
}

// Compose returns the delta equivalent to applying d and then other.
func (d Delta) Compose(other Delta) (Delta, error) {
	if d.targetLen != other.baseLen {
		return Delta{}, errors.Wrapf(ErrIncompatibleLength,
			"compose: target length %d, next base length %d", d.targetLen, other.baseLen)
	}
	a, b := newIterator(d.ops), newIterator(other.ops)
	out := NewBuilder()
	for a.hasNext() || b.hasNext() {
		if b.peekKind() == KindInsert {
			out.push(b.next(math.MaxInt))
			continue
		}
		if a.peekKind() == KindDelete {
			out.push(a.next(math.MaxInt))
			continue
		}
		n := min(a.peekLen(), b.peekLen())
		aop, bop := a.next(n), b.next(n)
		switch bop.Kind {
		case KindRetain:
			if aop.Kind == KindRetain {
				out.push(Operation{Kind: KindRetain, N: n, Attributes: composeAttributes(aop.Attributes, bop.Attributes, true)})
			} else {
				out.push(Operation{Kind: KindInsert, N: n, Text: aop.Text, Attributes: composeAttributes(aop.Attributes, bop.Attributes, false)})
			}
		case KindDelete:
			if aop.Kind == KindRetain {
				out.push(Operation{Kind: KindDelete, N: n})
			}
		}
	}
	if err := firstErr(a.err, b.err); err != nil {
		return Delta{}, errors.Wrap(err, "compose")
	}
	return out.Build(), nil
}

// Transform rebases two concurrent deltas against each other. aPrime is d
// rebased to apply after other and bPrime is other rebased to apply after d,
// so that d.Compose(bPrime) equals other.Compose(aPrime).
//
// Inserts at the same position keep d's text first, and d wins attribute
// conflicts on retained text.
func (d Delta) Transform(other Delta) (aPrime, bPrime Delta, err error) {
	if d.baseLen != other.baseLen {
		return Delta{}, Delta{}, errors.Wrapf(ErrIncompatibleLength,
			"transform: base lengths %d and %d", d.baseLen, other.baseLen)
	}
	a, b := newIterator(d.ops), newIterator(other.ops)
	ap, bp := NewBuilder(), NewBuilder()
	for a.hasNext() || b.hasNext() {
		if a.peekKind() == KindInsert {
			op := a.next(math.MaxInt)
			ap.push(op)
			bp.Retain(op.N, nil)
			continue
		}
		if b.peekKind() == KindInsert {
			op := b.next(math.MaxInt)
			ap.Retain(op.N, nil)
			bp.push(op)
			continue
		}
		n := min(a.peekLen(), b.peekLen())
		aop, bop := a.next(n), b.next(n)
		switch {
		case aop.Kind == KindDelete && bop.Kind == KindDelete:
		case aop.Kind == KindDelete:
			ap.Delete(n)
		case bop.Kind == KindDelete:
			bp.Delete(n)
		default:
			ap.Retain(n, transformAttributes(bop.Attributes, aop.Attributes, false))
			bp.Retain(n, transformAttributes(aop.Attributes, bop.Attributes, true))
		}
	}
	if err := firstErr(a.err, b.err); err != nil {
		return Delta{}, Delta{}, errors.Wrap(err, "transform")
	}
	return ap.Build(), bp.Build(), nil
}

// Invert returns the delta that undoes d once d has been applied to the
// document delta base.
func (d Delta) Invert(base Delta) (Delta, error) {
	if !base.IsDocument() {
		return Delta{}, errors.Wrap(ErrMalformed, "invert: base is not a document delta")
	}
	if base.targetLen != d.baseLen {
		return Delta{}, errors.Wrapf(ErrIncompatibleLength,
			"invert: document length %d, delta base length %d", base.targetLen, d.baseLen)
	}
	out := NewBuilder()
	idx := 0
	for _, op := range d.ops {
		if op.Kind == KindInsert {
			out.Delete(op.N)
			continue
		}
		if op.Kind == KindRetain && len(op.Attributes) == 0 {
			out.Retain(op.N, nil)
			idx += op.N
			continue
		}
		slice, err := base.Slice(idx, idx+op.N)
		if err != nil {
			return Delta{}, errors.Wrap(err, "invert")
		}
		for _, bop := range slice.ops {
			if op.Kind == KindDelete {
				out.push(bop)
			} else {
				out.Retain(bop.N, invertAttributes(op.Attributes, bop.Attributes))
			}
		}
		idx += op.N
	}
	return out.Build(), nil
}

// Slice returns the operations covering [start, end), measured in operation
// lengths. On a document delta this is the content between the positions.
func (d Delta) Slice(start, end int) (Delta, error) {
	total := 0
	for _, op := range d.ops {
		total += op.N
	}
	if start < 0 || end > total || start > end {
		return Delta{}, errors.Wrapf(ErrOutOfBound, "slice [%d, %d) of %d", start, end, total)
	}
	it := newIterator(d.ops)
	out := NewBuilder()
	pos := 0
	for pos < end && it.hasNext() {
		var op Operation
		if pos < start {
			op = it.next(start - pos)
		} else {
			op = it.next(end - pos)
			out.push(op)
		}
		pos += op.N
	}
	if it.err != nil {
		return Delta{}, errors.Wrap(it.err, "slice")
	}
	return out.Build(), nil
}

// Apply runs the delta over text and returns the result.
func (d Delta) Apply(text string) (string, error) {
	units := utf16.Encode([]rune(text))
	if len(units) < d.baseLen {
		return "", errors.Wrapf(ErrOutOfBound, "apply: text length %d, base length %d", len(units), d.baseLen)
	}
	if len(units) > d.baseLen {
		return "", errors.Wrapf(ErrIncompatibleLength, "apply: text length %d, base length %d", len(units), d.baseLen)
	}
	out := make([]uint16, 0, d.targetLen)
	pos := 0
	for _, op := range d.ops {
		switch op.Kind {
		case KindRetain:
			if splitsPair(units, pos+op.N) {
				return "", errors.Wrapf(ErrInvalidBoundary, "apply: retain ends at %d", pos+op.N)
			}
			out = append(out, units[pos:pos+op.N]...)
			pos += op.N
		case KindInsert:
			out = append(out, utf16.Encode([]rune(op.Text))...)
		case KindDelete:
			if splitsPair(units, pos+op.N) {
				return "", errors.Wrapf(ErrInvalidBoundary, "apply: delete ends at %d", pos+op.N)
			}
			pos += op.N
		}
	}
	return string(utf16.Decode(out)), nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
