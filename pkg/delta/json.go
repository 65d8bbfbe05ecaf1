package delta

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type jsonOp struct {
	Insert     *string    `json:"insert,omitempty"`
	Retain     *int       `json:"retain,omitempty"`
	Delete     *int       `json:"delete,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// MarshalJSON encodes the operation in the Quill delta shape.
func (o Operation) MarshalJSON() ([]byte, error) {
	var j jsonOp
	switch o.Kind {
	case KindInsert:
		text := o.Text
		j.Insert = &text
		j.Attributes = o.Attributes
	case KindRetain:
		n := o.N
		j.Retain = &n
		j.Attributes = o.Attributes
	case KindDelete:
		n := o.N
		j.Delete = &n
	}
	return json.Marshal(j)
}

// MarshalJSON encodes the delta as an array of operations.
func (d Delta) MarshalJSON() ([]byte, error) {
	if d.ops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.ops)
}

// UnmarshalJSON decodes and normalizes a delta. Operations must set exactly
// one of insert, retain or delete and lengths must be positive. Attribute
// values must be scalars. Neither the base nor the target length may exceed
// MaxLength.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var raw []jsonOp
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	b := NewBuilder()
	var baseLen, targetLen int
	grow := func(i int, total *int, n int) error {
		if n > MaxLength-*total {
			return errors.Wrapf(ErrMalformed, "op %d: length exceeds %d", i, MaxLength)
		}
		*total += n
		return nil
	}
	for i, j := range raw {
		set := 0
		for _, ok := range []bool{j.Insert != nil, j.Retain != nil, j.Delete != nil} {
			if ok {
				set++
			}
		}
		if set != 1 {
			return errors.Wrapf(ErrMalformed, "op %d: exactly one of insert, retain, delete is required", i)
		}
		if err := validateAttributes(j.Attributes); err != nil {
			return errors.Wrapf(err, "op %d", i)
		}
		switch {
		case j.Insert != nil:
			if *j.Insert == "" {
				return errors.Wrapf(ErrMalformed, "op %d: empty insert", i)
			}
			if err := grow(i, &targetLen, utf16Len(*j.Insert)); err != nil {
				return err
			}
			b.Insert(*j.Insert, j.Attributes)
		case j.Retain != nil:
			if *j.Retain <= 0 {
				return errors.Wrapf(ErrMalformed, "op %d: retain length %d", i, *j.Retain)
			}
			if err := firstErr(grow(i, &baseLen, *j.Retain), grow(i, &targetLen, *j.Retain)); err != nil {
				return err
			}
			b.Retain(*j.Retain, j.Attributes)
		default:
			if *j.Delete <= 0 {
				return errors.Wrapf(ErrMalformed, "op %d: delete length %d", i, *j.Delete)
			}
			if err := grow(i, &baseLen, *j.Delete); err != nil {
				return err
			}
			b.Delete(*j.Delete)
		}
	}
	*d = b.Build()
	return nil
}

func validateAttributes(a Attributes) error {
	for k, v := range a {
		switch v.(type) {
		case nil, string, bool, float64:
		default:
			return errors.Wrapf(ErrMalformed, "attribute %q is not a scalar", k)
		}
	}
	return nil
}

// Bytes returns the JSON encoding of the delta.
func (d Delta) Bytes() []byte {
	data, _ := d.MarshalJSON()
	return data
}

// FromBytes decodes a delta produced by Bytes.
func FromBytes(data []byte) (Delta, error) {
	var d Delta
	if err := d.UnmarshalJSON(data); err != nil {
		return Delta{}, err
	}
	return d, nil
}
