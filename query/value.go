// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Kind enumerates the types a query value can take.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindList
)

// String is part of fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "str"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	}
	return "invalid"
}

// Value is a single typed query value: one of string, integer, float,
// boolean, timestamp or a list of scalar values.
type Value struct {
	kind Kind
	str  string
	num  int64
	fnum float64
	b    bool
	t    time.Time
	list []Value
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{kind: KindInt, num: i} }

// FloatValue returns a float Value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, fnum: f} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// TimeValue returns a timestamp Value, truncated to seconds so that
// values survive a trip through the store and the wire format.
func TimeValue(t time.Time) Value {
	return Value{kind: KindTime, t: t.UTC().Truncate(time.Second)}
}

// ListValue returns a list Value of string elements.
func ListValue(items ...string) Value {
	list := make([]Value, len(items))
	for i, s := range items {
		list[i] = StringValue(s)
	}
	return Value{kind: KindList, list: list}
}

// listOf returns a list Value of arbitrary scalar elements.
func listOf(items []Value) (Value, error) {
	for _, item := range items {
		if item.kind == KindList || item.kind == KindInvalid {
			return Value{}, errors.Errorf("list elements must be scalar, got %s", item.kind)
		}
	}
	return Value{kind: KindList, list: append([]Value(nil), items...)}, nil
}

// valueOf converts a raw decoded value (JSON body, URL argument or
// stored document) into a typed Value.
func valueOf(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case Value:
		return v, nil
	case string:
		return StringValue(v), nil
	case bool:
		return BoolValue(v), nil
	case int:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return IntValue(int64(v)), nil
		}
		return FloatValue(v), nil
	case time.Time:
		return TimeValue(v), nil
	case []string:
		return ListValue(v...), nil
	case []interface{}:
		items := make([]Value, 0, len(v))
		for _, elem := range v {
			item, err := valueOf(elem)
			if err != nil {
				return Value{}, errors.Trace(err)
			}
			items = append(items, item)
		}
		return listOf(items)
	case nil:
		return Value{}, errors.New("nil value")
	}
	return Value{}, errors.Errorf("unsupported value %v (%T)", raw, raw)
}

// Kind reports the type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether the value is the invalid zero Value.
func (v Value) IsZero() bool { return v.kind == KindInvalid }

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string { return v.str }

// Int64 returns the integer payload, or 0 for other kinds.
func (v Value) Int64() int64 { return v.num }

// Float64 returns the float payload, converting integers.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.num)
	}
	return v.fnum
}

// Bool returns the boolean payload, or false for other kinds.
func (v Value) Bool() bool { return v.b }

// Time returns the timestamp payload, or the zero time for other kinds.
func (v Value) Time() time.Time { return v.t }

// Items returns a copy of the list elements, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// Strings renders the list elements as strings, or nil for other kinds.
func (v Value) Strings() []string {
	if v.kind != KindList {
		return nil
	}
	out := make([]string, len(v.list))
	for i, item := range v.list {
		out[i] = item.String()
	}
	return out
}

// Interface returns the untyped form used for store filters, machine
// attributes and JSON documents.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.fnum
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindList:
		items := make([]interface{}, len(v.list))
		for i, item := range v.list {
			items[i] = item.Interface()
		}
		return items
	}
	return nil
}

// String renders the value the way it appears in a URL argument.
// Lists have no single-string form and render element-wise instead.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.fnum, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339)
	case KindList:
		return fmt.Sprintf("%v", v.Strings())
	}
	return ""
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.num == other.num
	case KindFloat:
		return v.fnum == other.fnum
	case KindBool:
		return v.b == other.b
	case KindTime:
		return v.t.Equal(other.t)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	}
	return true
}

// MarshalJSON is part of json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
