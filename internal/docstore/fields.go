package docstore

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// String returns a string field or "".
func String(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns a bool field or false.
func Bool(f Fields, key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Int returns a numeric field as int64 or 0.
func Int(f Fields, key string) int64 {
	n, _ := toInt64(f[key])
	return n
}

// Time returns a time field or the zero time.
func Time(f Fields, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Strings returns a string slice field or nil.
func Strings(f Fields, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Path joins collection and document segments into a collection path.
func Path(segments ...string) string {
	return strings.Join(segments, "/")
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty collection path", ErrInvalidArgument)
	}
	segs := strings.Split(path, "/")
	if len(segs)%2 == 0 {
		return fmt.Errorf("%w: %q is a document path", ErrInvalidArgument, path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidArgument, path)
		}
	}
	return nil
}

func validateID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: bad document id %q", ErrInvalidArgument, id)
	}
	return nil
}

// normalize converts plain Go values to the canonical representation.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = normalize(v)
	}
	return out
}

// resolveCreate turns transforms in a new document into concrete values.
func resolveCreate(data Fields, now time.Time) Fields {
	return applyPatch(Fields{}, data, now)
}

// applyPatch merges patch into a copy of base, resolving transforms.
func applyPatch(base, patch Fields, now time.Time) Fields {
	out := copyFields(base)
	for k, v := range patch {
		switch t := v.(type) {
		case serverTimestamp:
			out[k] = now
		case increment:
			cur, _ := toInt64(out[k])
			out[k] = cur + t.delta
		default:
			out[k] = normalize(v)
		}
	}
	return out
}

func hasTransform(patch Fields) bool {
	for _, v := range patch {
		switch v.(type) {
		case serverTimestamp, increment:
			return true
		}
	}
	return false
}

// Matches reports whether the document satisfies every filter.
func Matches(f Fields, filters []Filter) bool {
	for _, flt := range filters {
		if !matchOne(f, flt) {
			return false
		}
	}
	return true
}

func matchOne(f Fields, flt Filter) bool {
	v, ok := f[flt.Field]
	switch flt.Op {
	case OpEqual:
		return ok && equal(v, flt.Value) || !ok && flt.Value == nil
	case OpNotEqual:
		return !ok && flt.Value != nil || ok && !equal(v, flt.Value)
	case OpArrayContains:
		switch arr := v.(type) {
		case []string:
			for _, e := range arr {
				if equal(e, flt.Value) {
					return true
				}
			}
		case []any:
			for _, e := range arr {
				if equal(e, flt.Value) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			return ai == bi
		}
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) int {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	if xf, ok := toFloat(a); ok {
		if yf, ok := toFloat(b); ok {
			switch {
			case xf < yf:
				return -1
			case xf > yf:
				return 1
			default:
				return 0
			}
		}
	}
	// Missing values sort first.
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// sortDocs orders docs by the given orders, then by id.
func sortDocs(docs []Doc, orders []Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			c := compare(docs[i].Fields[o.Field], docs[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
}

// selectDocs applies filters, ordering and limit in memory.
func selectDocs(docs []Doc, q Query) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if Matches(d.Fields, q.Filters) {
			out = append(out, d)
		}
	}
	sortDocs(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
