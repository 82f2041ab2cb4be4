package events

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Mapper is the generic map-conversion capability probed by Sanitize before
// reflection is attempted. Domain types that already know their wire shape
// implement it to bypass struct reflection.
type Mapper interface {
	ToMap() map[string]any
}

// Sanitize converts an arbitrary value into one the JSON encoder is
// guaranteed to accept: nil, bool, string, float64/int64, []any or
// map[string]any, recursively. It is total (never panics, never returns an
// unencodable value) and idempotent: sanitizing already-sanitized output is
// the identity up to JSON equivalence.
//
// Conversion capabilities are probed in a fixed order: json.Marshaler,
// encoding.TextMarshaler, Mapper, then reflection over maps, slices and
// structs, and finally a best-effort string form.
func Sanitize(v any) (out any) {
	defer func() {
		// Misbehaving MarshalJSON/String implementations (typed nil
		// receivers and the like) must not escape as panics.
		if recover() != nil {
			out = fmt.Sprintf("%T", v)
		}
	}()
	return sanitizeValue(v)
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return sanitizeValue(float64(t))
	case float64:
		// NaN and infinities are rejected by encoding/json.
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Sprint(t)
		}
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.Seconds()
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return string(t)
		}
		return decoded
	case Envelope:
		return sanitizeMap(map[string]any(t))
	case map[string]any:
		return sanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Sanitize(item)
		}
		return out
	case error:
		return t.Error()
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
		return nil
	}

	if m, ok := v.(json.Marshaler); ok {
		if data, err := m.MarshalJSON(); err == nil {
			var decoded any
			if err := json.Unmarshal(data, &decoded); err == nil {
				return Sanitize(decoded)
			}
		}
		return fmt.Sprint(v)
	}
	if m, ok := v.(encoding.TextMarshaler); ok {
		if text, err := m.MarshalText(); err == nil {
			return string(text)
		}
		return fmt.Sprint(v)
	}
	if m, ok := v.(Mapper); ok {
		return sanitizeMap(m.ToMap())
	}

	return sanitizeReflect(rv)
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = Sanitize(val)
	}
	return out
}

func sanitizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Sanitize(rv.Elem().Interface())

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = Sanitize(iter.Value().Interface())
		}
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = Sanitize(rv.Index(i).Interface())
		}
		return out

	case reflect.Struct:
		return sanitizeStruct(rv)

	// Named enum types land here: the primitive value wins over the name.
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return Sanitize(rv.Float())
	case reflect.Bool:
		return rv.Bool()

	default:
		// Chans, funcs, unsafe pointers: best-effort string form, never raise.
		return fmt.Sprint(rv.Interface())
	}
}

// sanitizeStruct walks exported fields honoring json tags, so that plain
// record types serialize the same way encoding/json would render them.
func sanitizeStruct(rv reflect.Value) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty := jsonFieldName(field)
		if name == "-" {
			continue
		}
		value := rv.Field(i)
		if omitEmpty && value.IsZero() {
			continue
		}
		out[name] = Sanitize(value.Interface())
	}
	return out
}

func jsonFieldName(field reflect.StructField) (name string, omitEmpty bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	name = tag
	if idx := indexComma(tag); idx >= 0 {
		name = tag[:idx]
		omitEmpty = containsOption(tag[idx+1:], "omitempty")
	}
	if name == "" {
		name = field.Name
	}
	return name, omitEmpty
}

func indexComma(s string) int {
	for i := range len(s) {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}

func containsOption(opts, want string) bool {
	for opts != "" {
		var opt string
		if idx := indexComma(opts); idx >= 0 {
			opt, opts = opts[:idx], opts[idx+1:]
		} else {
			opt, opts = opts, ""
		}
		if opt == want {
			return true
		}
	}
	return false
}
