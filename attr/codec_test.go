package attr_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/docmap/attr"
)

type upperSerializer struct{}

func (upperSerializer) Dump(v any) (string, error) { return strings.ToUpper(v.(string)), nil }
func (upperSerializer) Load(s string) (any, error) { return strings.ToLower(s), nil }

func TestRoundTrip(t *testing.T) {
	when := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)

	tests := []struct {
		name  string
		field attr.Field
		value any
	}{
		{"string", attr.Field{Name: "name", Kind: attr.String}, "Josh"},
		{"integer", attr.Field{Name: "age", Kind: attr.Integer}, int64(42)},
		{"negative integer", attr.Field{Name: "age", Kind: attr.Integer}, int64(-7)},
		{"float", attr.Field{Name: "score", Kind: attr.Float}, 3.25},
		{"datetime", attr.Field{Name: "born", Kind: attr.Datetime}, when},
		{"string set", attr.Field{Name: "tags", Kind: attr.Set}, []string{"a", "b", "c"}},
		{"number set", attr.Field{Name: "lucky", Kind: attr.Set}, []float64{1, 2.5, 7}},
		{"serialized map", attr.Field{Name: "prefs", Kind: attr.Serialized}, map[string]any{"theme": "dark", "size": 3}},
		{"serialized list", attr.Field{Name: "prefs", Kind: attr.Serialized}, []any{"x", 1}},
		{"custom serializer", attr.Field{Name: "code", Kind: attr.Serialized, Serializer: upperSerializer{}}, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := attr.DumpField(tt.value, tt.field)
			require.NoError(t, err)
			require.NotNil(t, wire)

			back, err := attr.UndumpField(wire, tt.field)
			require.NoError(t, err)

			if want, ok := tt.value.(time.Time); ok {
				got, ok := back.(time.Time)
				require.True(t, ok, "expected time.Time, got %T", back)
				assert.True(t, want.Equal(got), "expected %v, got %v", want, got)
				return
			}
			assert.Equal(t, tt.value, back)
		})
	}
}

func TestDumpField_WireForms(t *testing.T) {
	when := time.Unix(1700000000, 500000000)

	wire, err := attr.DumpField(when, attr.Field{Name: "at", Kind: attr.Datetime})
	require.NoError(t, err)
	assert.Equal(t, 1700000000.5, wire)

	wire, err = attr.DumpField(9.99, attr.Field{Name: "n", Kind: attr.Integer})
	require.NoError(t, err)
	assert.Equal(t, int64(9), wire)

	wire, err = attr.DumpField("-3.7", attr.Field{Name: "n", Kind: attr.Integer})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), wire)

	wire, err = attr.DumpField(12, attr.Field{Name: "s", Kind: attr.String})
	require.NoError(t, err)
	assert.Equal(t, "12", wire)

	wire, err = attr.DumpField([]string{"b", "a", "b"}, attr.Field{Name: "tags", Kind: attr.Set})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, wire)

	wire, err = attr.DumpField(map[string]any{"a": 1}, attr.Field{Name: "blob", Kind: attr.Serialized})
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", wire)
}

func TestDumpField_Emptiness(t *testing.T) {
	fields := []attr.Field{
		{Name: "s", Kind: attr.String},
		{Name: "n", Kind: attr.Integer},
		{Name: "tags", Kind: attr.Set},
		{Name: "blob", Kind: attr.Serialized},
	}
	for _, f := range fields {
		for _, v := range []any{nil, "", []string{}, []any{}, map[string]any{}} {
			wire, err := attr.DumpField(v, f)
			require.NoError(t, err)
			assert.Nil(t, wire, "field %s value %#v", f.Name, v)
		}
	}
}

func TestDefaults(t *testing.T) {
	f := attr.Field{Name: "tags", Kind: attr.Set, Default: []string{"new"}}

	wire, err := attr.DumpField(nil, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, wire)

	typed, err := attr.UndumpField(nil, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, typed)

	calls := 0
	lazy := attr.Field{Name: "n", Kind: attr.Integer, DefaultFunc: func() any { calls++; return 5 }}
	typed, err = attr.UndumpField(nil, lazy)
	require.NoError(t, err)
	assert.Equal(t, int64(5), typed)
	assert.Equal(t, 1, calls)

	typed, err = attr.UndumpField(nil, attr.Field{Name: "prefs", Kind: attr.Serialized, Default: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, typed)
}

func TestUndumpField_Coercions(t *testing.T) {
	typed, err := attr.UndumpField("x", attr.Field{Name: "tags", Kind: attr.Set})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, typed)

	typed, err = attr.UndumpField(int64(4), attr.Field{Name: "tags", Kind: attr.Set})
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, typed)

	typed, err = attr.UndumpField(int64(3), attr.Field{Name: "f", Kind: attr.Float})
	require.NoError(t, err)
	assert.Equal(t, 3.0, typed)

	typed, err = attr.UndumpField(1700000000.25, attr.Field{Name: "at", Kind: attr.Datetime})
	require.NoError(t, err)
	at := typed.(time.Time)
	assert.Equal(t, time.UTC, at.Location())
	assert.Equal(t, int64(1700000000), at.Unix())
	assert.Equal(t, 250000000, at.Nanosecond())
}

func TestUnknownKind(t *testing.T) {
	f := attr.Field{Name: "weird", Kind: attr.Kind(99)}

	_, err := attr.DumpField("x", f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, attr.ErrUnknownKind))

	var cfgErr *attr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "weird", cfgErr.Field)

	_, err = attr.NewSchema(f)
	assert.ErrorIs(t, err, attr.ErrUnknownKind)
}

func TestUnsupportedValue(t *testing.T) {
	_, err := attr.DumpField(struct{}{}, attr.Field{Name: "n", Kind: attr.Integer})
	assert.ErrorIs(t, err, attr.ErrUnsupportedValue)

	_, err = attr.DumpField([]any{"a", 1}, attr.Field{Name: "tags", Kind: attr.Set})
	assert.ErrorIs(t, err, attr.ErrUnsupportedValue)
}

func TestDumpAndUndumpRecord(t *testing.T) {
	s, err := attr.NewSchema(
		attr.Field{Name: "id", Kind: attr.String},
		attr.Field{Name: "age", Kind: attr.Integer},
		attr.Field{Name: "tags", Kind: attr.Set},
	)
	require.NoError(t, err)

	wire, err := attr.Dump(map[string]any{"id": "u1", "age": 30, "tags": []string{}, "scratch": "memory only"}, s)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "u1", "age": int64(30)}, wire)

	typed, err := attr.Undump(map[string]any{"id": "u1", "age": 30.9, "legacy": "kept"}, s)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "u1", "age": int64(30), "legacy": "kept"}, typed)
}

func TestNewSchema_Duplicate(t *testing.T) {
	_, err := attr.NewSchema(
		attr.Field{Name: "id", Kind: attr.String},
		attr.Field{Name: "id", Kind: attr.Integer},
	)
	var cfgErr *attr.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
