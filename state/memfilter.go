// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"strings"
	"time"

	"github.com/juju/mgo/v3/bson"
)

// matchFilter evaluates the filter subset the broker generates
// against one document: top level $and/$or, per-field operator
// documents with $eq/$ne/$in/$all/$lt/$lte/$gt/$gte/$exists, dotted
// paths, and mongo's membership semantics for list-valued attributes.
func matchFilter(doc map[string]interface{}, filter bson.D) bool {
	for _, elem := range filter {
		switch elem.Name {
		case "$and":
			subs, ok := filterList(elem.Value)
			if !ok {
				logger.Errorf("malformed $and clause %#v", elem.Value)
				return false
			}
			for _, sub := range subs {
				if !matchFilter(doc, sub) {
					return false
				}
			}
		case "$or":
			subs, ok := filterList(elem.Value)
			if !ok || len(subs) == 0 {
				logger.Errorf("malformed $or clause %#v", elem.Value)
				return false
			}
			matched := false
			for _, sub := range subs {
				if matchFilter(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchField(doc, elem.Name, elem.Value) {
				return false
			}
		}
	}
	return true
}

func matchField(doc map[string]interface{}, path string, cond interface{}) bool {
	value, exists := docValue(doc, path)
	ops, isOps := operatorDoc(cond)
	if !isOps {
		return exists && equalValue(value, cond)
	}
	for _, op := range ops {
		if !applyOp(value, exists, op.Name, op.Value) {
			return false
		}
	}
	return true
}

func applyOp(value interface{}, exists bool, op string, want interface{}) bool {
	switch op {
	case "$eq":
		return exists && equalValue(value, want)
	case "$ne":
		return !(exists && equalValue(value, want))
	case "$in":
		if !exists {
			return false
		}
		items, ok := valueList(want)
		if !ok {
			return false
		}
		for _, item := range items {
			if equalValue(value, item) {
				return true
			}
		}
		return false
	case "$all":
		if !exists {
			return false
		}
		items, ok := valueList(want)
		if !ok {
			return false
		}
		for _, item := range items {
			if !equalValue(value, item) {
				return false
			}
		}
		return true
	case "$lt", "$lte", "$gt", "$gte":
		return exists && orderedValue(value, op, want)
	case "$exists":
		target := false
		switch want := want.(type) {
		case bool:
			target = want
		default:
			if n, ok := docFloat(want); ok {
				target = n != 0
			}
		}
		return exists == target
	}
	logger.Errorf("unsupported filter operator %q", op)
	return false
}

// equalValue applies mongo equality: a scalar matches a list-valued
// attribute on membership, lists compare positionally, subdocuments
// compare by field.
func equalValue(attr, want interface{}) bool {
	attr = normaliseValue(attr)
	want = normaliseValue(want)
	if list, ok := attr.([]interface{}); ok {
		if _, wantList := want.([]interface{}); !wantList {
			for _, item := range list {
				if strictEqual(item, want) {
					return true
				}
			}
			return false
		}
	}
	return strictEqual(attr, want)
}

// strictEqual compares two normalised values without membership
// semantics.
func strictEqual(a, b interface{}) bool {
	switch a := a.(type) {
	case string:
		s, ok := b.(string)
		return ok && a == s
	case bool:
		v, ok := b.(bool)
		return ok && a == v
	case time.Time:
		t, ok := b.(time.Time)
		return ok && a.Equal(t)
	case map[string]interface{}:
		m, ok := b.(map[string]interface{})
		if !ok || len(a) != len(m) {
			return false
		}
		for k, v := range a {
			other, ok := m[k]
			if !ok || !strictEqual(v, other) {
				return false
			}
		}
		return true
	case []interface{}:
		list, ok := b.([]interface{})
		if !ok || len(a) != len(list) {
			return false
		}
		for i := range a {
			if !strictEqual(a[i], list[i]) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	}
	if af, ok := docFloat(a); ok {
		bf, ok := docFloat(b)
		return ok && af == bf
	}
	return false
}

// orderedValue applies a range operator, matching any element of a
// list-valued attribute like mongo does.
func orderedValue(attr interface{}, op string, want interface{}) bool {
	attr = normaliseValue(attr)
	if list, ok := attr.([]interface{}); ok {
		for _, item := range list {
			if orderedScalar(item, op, want) {
				return true
			}
		}
		return false
	}
	return orderedScalar(attr, op, want)
}

func orderedScalar(attr interface{}, op string, want interface{}) bool {
	want = normaliseValue(want)
	if af, ok := docFloat(attr); ok {
		wf, ok := docFloat(want)
		if !ok {
			return false
		}
		switch op {
		case "$lt":
			return af < wf
		case "$lte":
			return af <= wf
		case "$gt":
			return af > wf
		case "$gte":
			return af >= wf
		}
		return false
	}
	switch want := want.(type) {
	case string:
		s, ok := attr.(string)
		if !ok {
			return false
		}
		switch op {
		case "$lt":
			return s < want
		case "$lte":
			return s <= want
		case "$gt":
			return s > want
		case "$gte":
			return s >= want
		}
	case time.Time:
		t, ok := attr.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case "$lt":
			return t.Before(want)
		case "$lte":
			return !t.After(want)
		case "$gt":
			return t.After(want)
		case "$gte":
			return !t.Before(want)
		}
	}
	return false
}

// operatorDoc recognises a condition written as an operator document,
// returning its clauses in order.
func operatorDoc(cond interface{}) (bson.D, bool) {
	switch cond := cond.(type) {
	case bson.D:
		if len(cond) > 0 && strings.HasPrefix(cond[0].Name, "$") {
			return cond, true
		}
	case bson.M:
		return mapOperatorDoc(cond)
	case map[string]interface{}:
		return mapOperatorDoc(cond)
	}
	return nil, false
}

func mapOperatorDoc(cond map[string]interface{}) (bson.D, bool) {
	ops := make(bson.D, 0, len(cond))
	found := false
	for name, value := range cond {
		if strings.HasPrefix(name, "$") {
			found = true
		}
		ops = append(ops, bson.DocElem{Name: name, Value: value})
	}
	if !found {
		return nil, false
	}
	return ops, true
}

func filterList(value interface{}) ([]bson.D, bool) {
	switch value := value.(type) {
	case []bson.D:
		return value, true
	case []bson.M:
		out := make([]bson.D, 0, len(value))
		for _, item := range value {
			sub, ok := toFilter(item)
			if !ok {
				return nil, false
			}
			out = append(out, sub)
		}
		return out, true
	case []interface{}:
		out := make([]bson.D, 0, len(value))
		for _, item := range value {
			sub, ok := toFilter(item)
			if !ok {
				return nil, false
			}
			out = append(out, sub)
		}
		return out, true
	}
	return nil, false
}

func toFilter(value interface{}) (bson.D, bool) {
	switch value := value.(type) {
	case bson.D:
		return value, true
	case bson.M:
		out := make(bson.D, 0, len(value))
		for name, v := range value {
			out = append(out, bson.DocElem{Name: name, Value: v})
		}
		return out, true
	case map[string]interface{}:
		out := make(bson.D, 0, len(value))
		for name, v := range value {
			out = append(out, bson.DocElem{Name: name, Value: v})
		}
		return out, true
	}
	return nil, false
}

func valueList(value interface{}) ([]interface{}, bool) {
	switch value := value.(type) {
	case []interface{}:
		return value, true
	case []string:
		out := make([]interface{}, len(value))
		for i, s := range value {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(value))
		for i, n := range value {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
