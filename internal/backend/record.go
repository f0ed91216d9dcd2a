package backend

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value looks up a dotted path such as "sender.id".
func (r Record) Value(path string) (any, bool) {
	var cur any = map[string]any(r)
	for part := range strings.SplitSeq(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// String returns the first key holding a non-empty string or number.
func (r Record) String(keys ...string) string {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

// Strings returns the first key holding a non-empty list of strings. A single
// string value is returned as a one-element list.
func (r Record) Strings(keys ...string) []string {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		switch x := v.(type) {
		case []any:
			var out []string
			for _, e := range x {
				if s := scalarString(e); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		default:
			if s := scalarString(v); s != "" {
				return []string{s}
			}
		}
	}
	return nil
}

// Record returns the first key holding an object.
func (r Record) Record(keys ...string) Record {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		if m, ok := asMap(v); ok {
			return m
		}
	}
	return nil
}

// Records returns the first key holding a list of objects. Non-object
// elements are skipped.
func (r Record) Records(keys ...string) []Record {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]Record, 0, len(list))
		for _, e := range list {
			if m, ok := asMap(e); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// Int returns the first key holding a number or numeric string.
func (r Record) Int(keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		switch x := v.(type) {
		case float64:
			return int64(x), true
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Bool returns the first key holding a boolean.
func (r Record) Bool(keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			continue
		}
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func asMap(v any) (Record, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	}
	return nil, false
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
