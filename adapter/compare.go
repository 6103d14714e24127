package adapter

import (
	"strings"
)

// Compare orders two wire scalars. Numbers compare numerically and strings
// lexically; ok is false when the values are not comparable.
func Compare(a, b any) (cmp int, ok bool) {
	if af, aok := number(a); aok {
		bf, bok := number(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// Matches reports whether v satisfies c.
func (c RangeCondition) Matches(v any) bool {
	if v == nil {
		return false
	}
	if c.Op == OpBeginsWith {
		s, ok := v.(string)
		prefix, pok := c.Value.(string)
		return ok && pok && strings.HasPrefix(s, prefix)
	}
	cmp, ok := Compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpGTE:
		return cmp >= 0
	case OpLTE:
		return cmp <= 0
	}
	return false
}

// Equal reports whether two wire values are equal. Numbers compare by value
// regardless of their Go type and sets compare as sets.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := Compare(a, b); ok {
		return cmp == 0
	}
	switch as := a.(type) {
	case []string:
		bs, ok := b.([]string)
		return ok && sameMembers(toAnySlice(as), toAnySlice(bs))
	case []float64:
		bs, ok := b.([]float64)
		return ok && sameMembers(toAnySlice(as), toAnySlice(bs))
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sameMembers(a, b []any) bool {
	set := make(map[any]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	other := make(map[any]struct{}, len(b))
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
		other[v] = struct{}{}
	}
	return len(set) == len(other)
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
