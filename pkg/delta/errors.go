package delta

import "github.com/pkg/errors"

var (
	// ErrIncompatibleLength is returned when the lengths of two deltas do not
	// line up for compose or transform, or when an applied text is too long.
	ErrIncompatibleLength = errors.New("incompatible delta length")
	// ErrOutOfBound is returned when a delta walks past the end of a text.
	ErrOutOfBound = errors.New("delta out of bound")
	// ErrInvalidBoundary is returned when an operation boundary would split a
	// UTF-16 surrogate pair.
	ErrInvalidBoundary = errors.New("operation boundary splits a surrogate pair")
	// ErrMalformed is returned for deltas that cannot be decoded.
	ErrMalformed = errors.New("malformed delta")
)
