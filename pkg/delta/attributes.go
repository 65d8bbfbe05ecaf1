package delta

import (
	"reflect"
	"sort"
)

// Attributes holds formatting for an insert or retain. Values are scalars
// (string, bool, float64); a nil value removes the attribute on compose.
type Attributes map[string]interface{}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a Attributes) clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same keys and values. Nil and
// empty sets are equal.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

// composeAttributes merges b over a. When keepNull is false, removals are
// dropped from the result instead of being carried forward.
func composeAttributes(a, b Attributes, keepNull bool) Attributes {
	out := make(Attributes, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; !ok {
			out[k] = v
		}
	}
	if !keepNull {
		for k, v := range out {
			if v == nil {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transformAttributes rebases b against a concurrent a. With priority, a
// wins every key they share.
func transformAttributes(a, b Attributes, priority bool) Attributes {
	if len(a) == 0 || !priority {
		return b.clone()
	}
	out := make(Attributes, len(b))
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// invertAttributes returns the attributes that undo attr over base.
func invertAttributes(attr, base Attributes) Attributes {
	out := make(Attributes)
	for k, v := range base {
		if w, ok := attr[k]; ok && !reflect.DeepEqual(v, w) {
			out[k] = v
		}
	}
	for k, v := range attr {
		if _, ok := base[k]; !ok && v != nil {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
