package delta

import (
	"fmt"
	"math"
)

// Kind identifies the variant of an Operation.
type Kind uint8

const (
	KindRetain Kind = iota
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operation is a single step of a Delta. N is the length in UTF-16 code
// units for every kind; for inserts it is the length of Text.
type Operation struct {
	Kind       Kind
	N          int
	Text       string
	Attributes Attributes
}

// Len returns the length of the operation in UTF-16 code units.
func (o Operation) Len() int {
	return o.N
}

func (o Operation) String() string {
	switch o.Kind {
	case KindInsert:
		return fmt.Sprintf("insert(%q%s)", o.Text, attrSuffix(o.Attributes))
	case KindRetain:
		return fmt.Sprintf("retain(%d%s)", o.N, attrSuffix(o.Attributes))
	default:
		return fmt.Sprintf("delete(%d)", o.N)
	}
}

func attrSuffix(a Attributes) string {
	if len(a) == 0 {
		return ""
	}
	return fmt.Sprintf(", %v", map[string]interface{}(a))
}

// iterator walks the operations of a delta and hands out pieces of at most
// the requested length. Past the end it yields an unbounded retain.
type iterator struct {
	ops    []Operation
	index  int
	offset int
	err    error
}

func newIterator(ops []Operation) *iterator {
	return &iterator{ops: ops}
}

func (it *iterator) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *iterator) peekLen() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.index].N - it.offset
}

func (it *iterator) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.index].Kind
}

func (it *iterator) next(n int) Operation {
	if !it.hasNext() {
		return Operation{Kind: KindRetain, N: n}
	}
	op := it.ops[it.index]
	offset := it.offset
	remaining := op.N - offset
	if n >= remaining {
		n = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += n
	}

	switch op.Kind {
	case KindDelete:
		return Operation{Kind: KindDelete, N: n}
	case KindRetain:
		return Operation{Kind: KindRetain, N: n, Attributes: op.Attributes}
	}
	if offset == 0 && n == op.N {
		return op
	}
	text, ok := utf16Slice(op.Text, offset, offset+n)
	if !ok && it.err == nil {
		it.err = ErrInvalidBoundary
	}
	return Operation{Kind: KindInsert, N: n, Text: text, Attributes: op.Attributes}
}
