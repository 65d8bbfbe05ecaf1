package delta

import "github.com/pkg/errors"

// Interval is a half-open range [Start, End) of UTF-16 positions.
type Interval struct {
	Start int
	End   int
}

// Len returns the number of code units covered.
func (i Interval) Len() int {
	return i.End - i.Start
}

func (i Interval) check(docLen int) error {
	if i.Start < 0 || i.End > docLen || i.Start > i.End {
		return errors.Wrapf(ErrOutOfBound, "interval [%d, %d) of %d", i.Start, i.End, docLen)
	}
	return nil
}

// InsertAt builds the delta inserting text at index in a document of docLen.
func InsertAt(docLen, index int, text string, attrs Attributes) (Delta, error) {
	if index < 0 || index > docLen {
		return Delta{}, errors.Wrapf(ErrOutOfBound, "insert at %d of %d", index, docLen)
	}
	return NewBuilder().
		Retain(index, nil).
		Insert(text, attrs).
		Retain(docLen-index, nil).
		Build(), nil
}

// DeleteRange builds the delta removing iv from a document of docLen.
func DeleteRange(docLen int, iv Interval) (Delta, error) {
	if err := iv.check(docLen); err != nil {
		return Delta{}, err
	}
	return NewBuilder().
		Retain(iv.Start, nil).
		Delete(iv.Len()).
		Retain(docLen-iv.End, nil).
		Build(), nil
}

// Replace builds the delta replacing iv with text.
func Replace(docLen int, iv Interval, text string, attrs Attributes) (Delta, error) {
	if err := iv.check(docLen); err != nil {
		return Delta{}, err
	}
	return NewBuilder().
		Retain(iv.Start, nil).
		Delete(iv.Len()).
		Insert(text, attrs).
		Retain(docLen-iv.End, nil).
		Build(), nil
}

// Format builds the delta applying attrs over iv.
func Format(docLen int, iv Interval, attrs Attributes) (Delta, error) {
	if err := iv.check(docLen); err != nil {
		return Delta{}, err
	}
	return NewBuilder().
		Retain(iv.Start, nil).
		Retain(iv.Len(), attrs).
		Retain(docLen-iv.End, nil).
		Build(), nil
}
