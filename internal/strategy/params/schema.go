package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Spec describes one tunable parameter.
type Spec struct {
	Name string   `json:"name"`
	Kind Kind     `json:"kind"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Enum []string `json:"enum,omitempty"`
}

// Schema is the set of parameters a strategy declares.
type Schema []Spec

// Lookup returns the spec for name.
func (s Schema) Lookup(name string) (Spec, bool) {
	for _, spec := range s {
		if spec.Name == name {
			return spec, true
		}
	}
	return Spec{}, false
}

// Coerce converts raw to the declared kind of name and checks bounds.
// Parameters absent from a non-empty schema are rejected.
func (s Schema) Coerce(name string, raw Value) (Value, error) {
	spec, ok := s.Lookup(name)
	if !ok {
		if len(s) == 0 {
			return raw, nil
		}
		return Value{}, fmt.Errorf("unknown parameter %q", name)
	}
	v, err := coerce(raw, spec.Kind)
	if err != nil {
		return Value{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	if err := spec.check(v); err != nil {
		return Value{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Normalize coerces every key of set, returning a new set.
func (s Schema) Normalize(set Set) (Set, error) {
	out := make(Set, len(set))
	for _, k := range set.Keys() {
		v, err := s.Coerce(k, set[k])
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (spec Spec) check(v Value) error {
	if v.IsNumeric() {
		f, _ := v.AsFloat()
		if spec.Min != nil && f < *spec.Min {
			return fmt.Errorf("value %v below minimum %v", f, *spec.Min)
		}
		if spec.Max != nil && f > *spec.Max {
			return fmt.Errorf("value %v above maximum %v", f, *spec.Max)
		}
	}
	if v.kind == KindString && len(spec.Enum) > 0 {
		for _, allowed := range spec.Enum {
			if allowed == v.s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in %v", v.s, spec.Enum)
	}
	return nil
}

func coerce(raw Value, kind Kind) (Value, error) {
	switch kind {
	case KindInt:
		if raw.IsNumeric() {
			i, _ := raw.AsInt()
			return Int(i), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw.AsString()), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("invalid int value %q", raw.AsString())
		}
		return Int(int64(math.Round(f))), nil
	case KindFloat:
		if raw.IsNumeric() {
			f, _ := raw.AsFloat()
			return Float(f), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw.AsString()), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("invalid float value %q", raw.AsString())
		}
		return Float(f), nil
	case KindBool:
		if raw.kind == KindBool {
			return raw, nil
		}
		switch strings.ToLower(strings.TrimSpace(raw.AsString())) {
		case "1", "true", "yes", "y", "on":
			return Bool(true), nil
		}
		return Bool(false), nil
	case KindString:
		return String(raw.AsString()), nil
	}
	if raw.IsZero() {
		return Value{}, fmt.Errorf("empty value")
	}
	return raw, nil
}

// F is a helper for building bounds in schema literals.
func F(v float64) *float64 { return &v }
