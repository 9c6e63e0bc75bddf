// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"time"
)

// Match reports whether a machine attribute document satisfies the
// query's constraints on the given parameter names. Inspectors call
// this with their own parameter names so that each only judges what
// it provides. Constraints on attributes the document lacks fail the
// match; query parameters outside names are ignored.
func Match(attrs map[string]interface{}, q Query, names ...string) bool {
	for _, name := range names {
		leaf, ok := q[name]
		if !ok {
			continue
		}
		attr, ok := attrs[name]
		if !ok {
			return false
		}
		if leaf.IsBare() {
			if !compare(attr, OpEq, leaf.Value()) {
				return false
			}
			continue
		}
		for op, want := range leaf.conds {
			if !compare(attr, op, want) {
				return false
			}
		}
	}
	return true
}

// compare applies one operator between a stored attribute and a query
// value, with document-store equality semantics: comparing a scalar
// against a list attribute matches on membership.
func compare(attr interface{}, op Op, want Value) bool {
	switch op {
	case OpEq:
		return equalAttr(attr, want)
	case OpIn:
		for _, item := range want.Items() {
			if equalAttr(attr, item) {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		return ordered(attr, op, want)
	}
	return false
}

func equalAttr(attr interface{}, want Value) bool {
	if list, ok := attrList(attr); ok && want.Kind() != KindList {
		for _, elem := range list {
			if equalScalar(elem, want) {
				return true
			}
		}
		return false
	}
	if want.Kind() == KindList {
		list, ok := attrList(attr)
		items := want.Items()
		if !ok || len(list) != len(items) {
			return false
		}
		for i := range items {
			if !equalScalar(list[i], items[i]) {
				return false
			}
		}
		return true
	}
	return equalScalar(attr, want)
}

func equalScalar(attr interface{}, want Value) bool {
	switch want.Kind() {
	case KindString:
		s, ok := attr.(string)
		return ok && s == want.Str()
	case KindBool:
		b, ok := attr.(bool)
		return ok && b == want.Bool()
	case KindInt, KindFloat:
		f, ok := attrNumber(attr)
		return ok && f == want.Float64()
	case KindTime:
		t, ok := attr.(time.Time)
		return ok && t.Equal(want.Time())
	}
	return false
}

func ordered(attr interface{}, op Op, want Value) bool {
	switch want.Kind() {
	case KindInt, KindFloat:
		f, ok := attrNumber(attr)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return f < want.Float64()
		case OpLte:
			return f <= want.Float64()
		case OpGt:
			return f > want.Float64()
		case OpGte:
			return f >= want.Float64()
		}
	case KindString:
		s, ok := attr.(string)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return s < want.Str()
		case OpLte:
			return s <= want.Str()
		case OpGt:
			return s > want.Str()
		case OpGte:
			return s >= want.Str()
		}
	case KindTime:
		t, ok := attr.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return t.Before(want.Time())
		case OpLte:
			return !t.After(want.Time())
		case OpGt:
			return t.After(want.Time())
		case OpGte:
			return !t.Before(want.Time())
		}
	}
	return false
}

func attrNumber(attr interface{}) (float64, bool) {
	switch n := attr.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func attrList(attr interface{}) ([]interface{}, bool) {
	switch list := attr.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
