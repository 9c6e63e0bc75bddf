// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
)

// Sanitize validates and coerces a compiled query against the
// registry. Leaf values are coerced to their declared types,
// operators are checked against each parameter's permitted set, alias
// names are canonicalised, and lone $eq conditions flatten back to
// bare values where the parameter permits them. Unknown parameters
// pass through untouched with a warning.
//
// Sanitising an already sanitised query is the identity.
func Sanitize(q Query, reg *Registry) (Query, error) {
	out := make(Query, len(q))
	for _, name := range q.Names() {
		leaf := q[name]
		canonical := reg.Resolve(name)
		desc, known := reg.Lookup(canonical)
		if !known {
			logger.Warningf("unknown parameter %q passed through unsanitised", name)
			out[canonical] = flattenLeaf(leaf)
			continue
		}
		sanitised, err := sanitizeLeaf(canonical, leaf, desc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[canonical] = sanitised
	}
	return out, nil
}

// SanitizeFor sanitises against a bare descriptor map, as used when
// narrowing a query to a single provisioner's or task's parameters.
func SanitizeFor(q Query, params map[string]Descriptor) (Query, error) {
	out := make(Query, len(q))
	for _, name := range q.Names() {
		leaf := q[name]
		desc, known := params[name]
		if !known {
			out[name] = flattenLeaf(leaf)
			continue
		}
		sanitised, err := sanitizeLeaf(name, leaf, &desc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[name] = sanitised
	}
	return out, nil
}

func bareAllowed(desc *Descriptor) bool {
	return desc.Ops.IsEmpty() || desc.Ops.Contains(string(OpNone))
}

func sanitizeLeaf(name string, leaf Leaf, desc *Descriptor) (Leaf, error) {
	if leaf.IsBare() {
		v, err := coerceValue(name, leaf.Value(), desc.Type)
		if err != nil {
			return Leaf{}, errors.Trace(err)
		}
		if bareAllowed(desc) {
			return Bare(v), nil
		}
		if desc.Ops.Contains(string(OpEq)) {
			return Cond(OpEq, v), nil
		}
		return Leaf{}, validationf("parameter %q does not accept a bare value", name)
	}

	conds := make(map[Op]Value, len(leaf.conds))
	for op, v := range leaf.conds {
		if !desc.Ops.IsEmpty() && !desc.Ops.Contains(string(op)) {
			return Leaf{}, validationf("operator %s is not allowed for parameter %q", op, name)
		}
		var coerced Value
		var err error
		if op == OpIn {
			coerced, err = coerceIn(name, v, desc.Type)
		} else {
			coerced, err = coerceValue(name, v, desc.Type)
		}
		if err != nil {
			return Leaf{}, errors.Trace(err)
		}
		conds[op] = coerced
	}
	if len(conds) == 1 && bareAllowed(desc) {
		if v, ok := conds[OpEq]; ok {
			return Bare(v), nil
		}
	}
	return Leaf{conds: conds}, nil
}

// flattenLeaf simplifies a lone $eq condition on an unconstrained leaf.
func flattenLeaf(leaf Leaf) Leaf {
	if !leaf.IsBare() && len(leaf.conds) == 1 {
		if v, ok := leaf.conds[OpEq]; ok {
			return Bare(v)
		}
	}
	return leaf
}

// coerceIn coerces a $in condition: always a list, elements typed like
// the parameter itself.
func coerceIn(name string, v Value, kind Kind) (Value, error) {
	items := v.Items()
	if v.Kind() != KindList {
		items = []Value{v}
	}
	elemKind := kind
	if kind == KindList {
		elemKind = KindString
	}
	coerced := make([]Value, len(items))
	for i, item := range items {
		cv, err := coerceValue(name, item, elemKind)
		if err != nil {
			return Value{}, errors.Trace(err)
		}
		coerced[i] = cv
	}
	out, err := listOf(coerced)
	if err != nil {
		return Value{}, validationf("bad $in list for %q: %v", name, err)
	}
	return out, nil
}

// coerceValue converts a value to the declared parameter type,
// following the usual lenient coercions: numeric strings parse,
// scalars stringify, scalars wrap into single-element lists.
func coerceValue(name string, v Value, kind Kind) (Value, error) {
	if v.Kind() == kind {
		if kind != KindList {
			return v, nil
		}
	}
	switch kind {
	case KindString:
		if v.Kind() == KindList {
			return Value{}, validationf("parameter %q expects a string, got a list", name)
		}
		return StringValue(v.String()), nil

	case KindInt:
		coerced, err := schema.ForceInt().Coerce(v.Interface(), nil)
		if err != nil {
			return Value{}, validationf("parameter %q expects an integer: %v", name, err)
		}
		return IntValue(int64(coerced.(int))), nil

	case KindFloat:
		switch v.Kind() {
		case KindInt:
			return FloatValue(float64(v.Int64())), nil
		case KindString:
			f, err := strconv.ParseFloat(v.Str(), 64)
			if err != nil {
				return Value{}, validationf("parameter %q expects a float: %v", name, err)
			}
			return FloatValue(f), nil
		}
		return Value{}, validationf("parameter %q expects a float, got %s", name, v.Kind())

	case KindBool:
		coerced, err := schema.Bool().Coerce(v.Interface(), nil)
		if err != nil {
			return Value{}, validationf("parameter %q expects a boolean: %v", name, err)
		}
		return BoolValue(coerced.(bool)), nil

	case KindTime:
		switch v.Kind() {
		case KindInt:
			return TimeValue(time.Unix(v.Int64(), 0)), nil
		case KindString:
			t, err := time.Parse(time.RFC3339, v.Str())
			if err != nil {
				return Value{}, validationf("parameter %q expects an RFC3339 time: %v", name, err)
			}
			return TimeValue(t), nil
		}
		return Value{}, validationf("parameter %q expects a time, got %s", name, v.Kind())

	case KindList:
		items := v.Items()
		if v.Kind() != KindList {
			items = []Value{v}
		}
		coerced := make([]Value, len(items))
		for i, item := range items {
			cv, err := coerceValue(name, item, KindString)
			if err != nil {
				return Value{}, errors.Trace(err)
			}
			coerced[i] = cv
		}
		out, err := listOf(coerced)
		if err != nil {
			return Value{}, validationf("bad list for %q: %v", name, err)
		}
		return out, nil
	}
	return Value{}, validationf("parameter %q has unsupported type", name)
}
