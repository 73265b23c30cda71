// Package mapping turns arbitrary nested JSON into domain objects using
// declarative, path-based rules.
//
// A Mapping is keyed by dotted target paths ("sender.userId"); each Rule says
// where the value comes from in the source document and how to post-process
// it. Paths use gjson syntax, targets are written with sjson, so the output is
// always a JSON document that can be decoded into a struct.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidJSON is returned when the source document does not parse.
var ErrInvalidJSON = errors.New("mapping: invalid JSON source")

// Mapping is a named set of rules keyed by dotted target path.
type Mapping map[string]Rule

// Rule describes how one target field is produced.
//
// Exactly one of Path, Get or Compute selects the raw value:
//   - Path resolves a dotted path in the source
//   - Get resolves the value with code but keeps the rest of the pipeline
//   - Compute produces the final value directly from the whole source
//
// A resolved value that does not exist skips the field. When Items is set and
// the value is an array, every element is mapped with Items first. Transform
// then post-processes the (possibly item-mapped) value.
type Rule struct {
	Path      string
	Get       func(src gjson.Result) gjson.Result
	Compute   func(src gjson.Result) (any, error)
	Items     Mapping
	Transform func(v gjson.Result) (any, error)
}

// P is the plain dotted-path rule.
func P(path string) Rule { return Rule{Path: path} }

// Fn builds a rule from a function over the whole source.
func Fn(f func(src gjson.Result) any) Rule {
	return Rule{Compute: func(src gjson.Result) (any, error) { return f(src), nil }}
}

// T is a path rule with a transform.
func T(path string, transform func(gjson.Result) (any, error)) Rule {
	return Rule{Path: path, Transform: transform}
}

func (r Rule) resolve(src gjson.Result) gjson.Result {
	if r.Get != nil {
		return r.Get(src)
	}
	return src.Get(r.Path)
}

// eval returns the value to write, or ok=false when the field is skipped.
func (r Rule) eval(src gjson.Result) (value any, ok bool, err error) {
	if r.Compute != nil {
		v, err := r.Compute(src)
		if err != nil || v == nil {
			return nil, false, err
		}
		return v, true, nil
	}

	res := r.resolve(src)
	if !res.Exists() {
		return nil, false, nil
	}

	if r.Items != nil && res.IsArray() {
		raw, err := mapItems(res, r.Items)
		if err != nil {
			return nil, false, err
		}
		res = gjson.ParseBytes(raw)
	}

	if r.Transform != nil {
		v, err := r.Transform(res)
		if err != nil || v == nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return json.RawMessage(res.Raw), true, nil
}

func mapItems(arr gjson.Result, m Mapping) ([]byte, error) {
	out := []byte("[]")
	var err error
	arr.ForEach(func(_, item gjson.Result) bool {
		var b []byte
		if b, err = Apply(item, m); err != nil {
			return false
		}
		out, err = sjson.SetRawBytes(out, "-1", b)
		return err == nil
	})
	return out, err
}

// Apply evaluates every rule in m against src and returns the resulting JSON
// object. Fields are written in sorted key order.
func Apply(src gjson.Result, m Mapping) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{}")
	for _, key := range keys {
		v, ok, err := m[key].eval(src)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", key, err)
		}
		if !ok {
			continue
		}
		if raw, isRaw := v.(json.RawMessage); isRaw {
			out, err = sjson.SetRawBytes(out, key, raw)
		} else {
			out, err = sjson.SetBytes(out, key, v)
		}
		if err != nil {
			return nil, fmt.Errorf("mapping %q: %w", key, err)
		}
	}
	return out, nil
}

// ApplyBytes validates data and applies m to it.
func ApplyBytes(data []byte, m Mapping) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return Apply(gjson.ParseBytes(data), m)
}

// Decode applies m to data and unmarshals the result into dst.
func Decode(data []byte, m Mapping, dst any) error {
	out, err := ApplyBytes(data, m)
	if err != nil {
		return err
	}
	return json.Unmarshal(out, dst)
}

// ToMap applies m to src and returns the result as a generic nested map.
func ToMap(src gjson.Result, m Mapping) (map[string]any, error) {
	out, err := Apply(src, m)
	if err != nil {
		return nil, err
	}
	var res map[string]any
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// --- Transforms ---

// Int converts numbers and numeric strings to int64.
func Int(v gjson.Result) (any, error) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", v.Str)
		}
		return n, nil
	case gjson.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("not an integer: %s", v.Raw)
	}
}

// String renders scalars as strings; numbers keep their literal form.
func String(v gjson.Result) (any, error) {
	switch v.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number:
		return v.Raw, nil
	default:
		return v.String(), nil
	}
}

// Lenient wraps tr so a value it rejects skips the field instead of failing
// the whole mapping.
func Lenient(tr func(gjson.Result) (any, error)) func(gjson.Result) (any, error) {
	return func(v gjson.Result) (any, error) {
		out, err := tr(v)
		if err != nil {
			return nil, nil
		}
		return out, nil
	}
}

// UnixSeconds converts epoch seconds to a UTC time.
func UnixSeconds(v gjson.Result) (any, error) {
	n, err := Int(v)
	if err != nil || n == nil {
		return nil, err
	}
	return time.Unix(n.(int64), 0).UTC(), nil
}
