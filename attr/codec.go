package attr

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DumpField converts a typed value to its wire form. A nil or empty value
// without a configured default yields nil, meaning the attribute is omitted.
func DumpField(v any, f Field) (any, error) {
	if v == nil {
		v = f.defaultValue()
	}
	if isBlank(v) {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch f.Kind {
	case String:
		out, err = toString(v)
	case Integer:
		out, err = toInt64(v)
	case Float:
		out, err = toFloat64(v)
	case Set:
		out, err = dumpSet(v)
	case Datetime:
		out, err = dumpTime(v)
	case Serialized:
		out, err = dumpSerialized(v, f.Serializer)
	default:
		return nil, &ConfigurationError{Field: f.Name, Err: ErrUnknownKind}
	}
	if err != nil {
		return nil, fmt.Errorf("dump %s field %q: %w", f.Kind, f.Name, err)
	}
	return out, nil
}

// UndumpField converts a wire value back to its typed form.
func UndumpField(raw any, f Field) (any, error) {
	if raw == nil {
		raw = f.defaultValue()
	}
	if isBlank(raw) {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch f.Kind {
	case String:
		out, err = toString(raw)
	case Integer:
		out, err = toInt64(raw)
	case Float:
		out, err = toFloat64(raw)
	case Set:
		out = undumpSet(raw)
	case Datetime:
		out, err = undumpTime(raw)
	case Serialized:
		out, err = undumpSerialized(raw, f.Serializer)
	default:
		return nil, &ConfigurationError{Field: f.Name, Err: ErrUnknownKind}
	}
	if err != nil {
		return nil, fmt.Errorf("undump %s field %q: %w", f.Kind, f.Name, err)
	}
	return out, nil
}

// Dump converts the declared attributes of values to a wire record.
// Undeclared keys are never persisted.
func Dump(values map[string]any, s *Schema) (map[string]any, error) {
	out := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		v, err := DumpField(values[f.Name], f)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[f.Name] = v
		}
	}
	return out, nil
}

// Undump converts a wire record to typed attributes. Keys that are not declared
// in s are carried over untouched.
func Undump(raw map[string]any, s *Schema) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, f := range s.fields {
		v, err := UndumpField(raw[f.Name], f)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[f.Name] = v
		}
	}
	for k, v := range raw {
		if !s.Has(k) {
			out[k] = v
		}
	}
	return out, nil
}

// EpochSeconds converts t to the numeric wire form of a datetime.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromEpochSeconds is the inverse of EpochSeconds at microsecond precision.
func FromEpochSeconds(f float64) time.Time {
	sec := math.Floor(f)
	usec := math.Round((f - sec) * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}

// FormatNumber renders a wire number the way it is keyed in index records.
func FormatNumber(v any) (string, bool) {
	switch n := v.(type) {
	case int64:
		return strconv.FormatInt(n, 10), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case time.Time:
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	if n, ok := asInt64(v); ok {
		return strconv.FormatInt(n, 10), nil
	}
	if f, ok := asFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return fmt.Sprint(v), nil
}

func toInt64(v any) (int64, error) {
	if n, ok := asInt64(v); ok {
		return n, nil
	}
	if f, ok := asFloat64(v); ok {
		return int64(math.Trunc(f)), nil
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrUnsupportedValue, s)
		}
		return int64(math.Trunc(f)), nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrUnsupportedValue, v)
}

func toFloat64(v any) (float64, error) {
	if f, ok := asFloat64(v); ok {
		return f, nil
	}
	if n, ok := asInt64(v); ok {
		return float64(n), nil
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrUnsupportedValue, s)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrUnsupportedValue, v)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// dumpSet emits a sorted, duplicate-free []string or []float64.
func dumpSet(v any) (any, error) {
	var members []any
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			members = append(members, s)
		}
	case []float64:
		for _, f := range x {
			members = append(members, f)
		}
	case []int64:
		for _, n := range x {
			members = append(members, n)
		}
	case []int:
		for _, n := range x {
			members = append(members, n)
		}
	case []any:
		members = x
	default:
		members = []any{v}
	}

	strs := map[string]struct{}{}
	nums := map[float64]struct{}{}
	for _, m := range members {
		if s, ok := m.(string); ok {
			strs[s] = struct{}{}
			continue
		}
		f, err := toFloat64(m)
		if err != nil {
			return nil, fmt.Errorf("%w: set member of type %T", ErrUnsupportedValue, m)
		}
		nums[f] = struct{}{}
	}
	switch {
	case len(strs) > 0 && len(nums) > 0:
		return nil, fmt.Errorf("%w: set mixes strings and numbers", ErrUnsupportedValue)
	case len(strs) > 0:
		out := make([]string, 0, len(strs))
		for s := range strs {
			out = append(out, s)
		}
		sort.Strings(out)
		return out, nil
	case len(nums) > 0:
		out := make([]float64, 0, len(nums))
		for f := range nums {
			out = append(out, f)
		}
		sort.Float64s(out)
		return out, nil
	}
	return nil, nil
}

func undumpSet(raw any) any {
	switch x := raw.(type) {
	case []string, []float64, []int64, []int, []any:
		return x
	case string:
		return []string{x}
	}
	if f, err := toFloat64(raw); err == nil {
		return []float64{f}
	}
	return []any{raw}
}

func dumpTime(v any) (float64, error) {
	switch t := v.(type) {
	case time.Time:
		return EpochSeconds(t), nil
	case *time.Time:
		return EpochSeconds(*t), nil
	}
	return toFloat64(v)
}

func undumpTime(raw any) (time.Time, error) {
	switch t := raw.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		return *t, nil
	}
	f, err := toFloat64(raw)
	if err != nil {
		return time.Time{}, err
	}
	return FromEpochSeconds(f), nil
}

func dumpSerialized(v any, s Serializer) (string, error) {
	if s != nil {
		return s.Dump(v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func undumpSerialized(raw any, s Serializer) (any, error) {
	str, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	if s != nil {
		return s.Load(str)
	}
	var out any
	if err := yaml.Unmarshal([]byte(str), &out); err != nil {
		return nil, err
	}
	return out, nil
}
