// Package params models strategy parameter sets as typed key/value maps.
package params

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the scalar type of a parameter value.
type Kind string

const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindString Kind = "string"
)

// Value is a single parameter value: int, float, bool or enum string.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the value's type. The zero Value has an empty kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v was never assigned.
func (v Value) IsZero() bool { return v.kind == "" }

// IsNumeric reports whether v is an int or a float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsFloat converts numeric and bool values to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsInt converts numeric values to int64, rounding floats.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(math.Round(v.f)), true
	}
	return 0, false
}

// AsBool returns the bool payload; numeric values are true when non-zero.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInt:
		return v.i != 0, true
	case KindFloat:
		return v.f != 0, true
	}
	return false, false
}

// AsString renders the value as text.
func (v Value) AsString() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', 12, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return v.s
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	return v.fragment() == o.fragment()
}

func (v Value) String() string { return v.AsString() }

// fragment is a kind-tagged canonical token used for de-duplication.
func (v Value) fragment() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "b:1"
		}
		return "b:0"
	case KindInt:
		return "i:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		return "f:" + strconv.FormatFloat(v.f, 'g', 12, 64)
	}
	return "s:" + v.s
}

// MarshalJSON writes the value as a plain JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("params: non-finite float %v", v.f)
		}
		out := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(out, ".eE") {
			out += ".0"
		}
		return []byte(out), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	}
	return []byte("null"), nil
}

// UnmarshalJSON reads a JSON scalar. Numbers without a fraction or exponent
// become ints, all other numbers become floats.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	}
	text := string(data)
	if !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			*v = Int(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("params: unsupported value %s", text)
	}
	*v = Float(f)
	return nil
}

// Set is a ParameterSet: parameter name to scalar value.
type Set map[string]Value

// Clone returns a shallow copy; values are immutable so this is a full copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new set with overlay keys replacing base keys.
func (s Set) Merge(overlay Set) Set {
	out := s.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Hash is the sha256 of the canonical JSON encoding (sorted keys).
func (s Set) Hash() string {
	blob, err := json.Marshal(s)
	if err != nil {
		// only non-finite floats fail; fall back to the fragment form
		var b strings.Builder
		for _, k := range s.Keys() {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(s[k].fragment())
			b.WriteByte(';')
		}
		blob = []byte(b.String())
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both sets hold the same keys and values.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Float reads a numeric parameter with a default.
func (s Set) Float(key string, def float64) float64 {
	if v, ok := s[key]; ok {
		if f, ok := v.AsFloat(); ok {
			return f
		}
	}
	return def
}

// Int reads an integer parameter with a default.
func (s Set) Int(key string, def int) int {
	if v, ok := s[key]; ok {
		if i, ok := v.AsInt(); ok {
			return int(i)
		}
	}
	return def
}

// Bool reads a boolean parameter with a default.
func (s Set) Bool(key string, def bool) bool {
	if v, ok := s[key]; ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return def
}

// Text reads a string parameter with a default.
func (s Set) Text(key string, def string) string {
	if v, ok := s[key]; ok && v.kind == KindString {
		return v.s
	}
	return def
}

// Distance is the mean per-key distance over the union of keys. Bools and
// strings contribute 0 or 1; numbers contribute |a-b|/(|a|+|b|+1e-6) capped at 1.
// Keys missing on one side count as a full mismatch. Keys are summed in sorted
// order so the result is bit-for-bit stable.
func Distance(a, b Set) float64 {
	keys := a.Merge(b).Keys()
	if len(keys) == 0 {
		return 0
	}

	score := 0.0
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok {
			score++
			continue
		}
		score += valueDistance(av, bv)
	}
	return score / float64(len(keys))
}

func valueDistance(a, b Value) float64 {
	if a.kind == KindBool || b.kind == KindBool {
		ab, _ := a.AsBool()
		bb, _ := b.AsBool()
		if ab == bb {
			return 0
		}
		return 1
	}
	if a.IsNumeric() && b.IsNumeric() {
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return math.Min(1, math.Abs(af-bf)/(math.Abs(af)+math.Abs(bf)+1e-6))
	}
	if a.AsString() == b.AsString() {
		return 0
	}
	return 1
}
