// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"strings"
	"time"

	"github.com/juju/mgo/v3/bson"
)

// Machine documents are open-ended string-keyed maps so that
// inspectors can record arbitrary hardware attributes next to the
// reserved fields. The helpers below keep every nested value in the
// canonical shape used throughout the store: map[string]interface{}
// subdocuments, []interface{} lists and UTC timestamps, regardless of
// whether the value arrived as a bson.M, bson.D or native Go value.

func normaliseDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for name, value := range doc {
		out[name] = normaliseValue(value)
	}
	return out
}

func normaliseValue(value interface{}) interface{} {
	switch value := value.(type) {
	case bson.M:
		return normaliseDoc(value)
	case map[string]interface{}:
		return normaliseDoc(value)
	case bson.D:
		out := make(map[string]interface{}, len(value))
		for _, elem := range value {
			out[elem.Name] = normaliseValue(elem.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normaliseValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out
	case time.Time:
		// Mongo keeps millisecond precision; mirror it everywhere.
		return value.UTC().Truncate(time.Millisecond)
	default:
		return value
	}
}

func asMap(value interface{}) (map[string]interface{}, bool) {
	switch value := value.(type) {
	case map[string]interface{}:
		return value, true
	case bson.M:
		return value, true
	case bson.D:
		out := make(map[string]interface{}, len(value))
		for _, elem := range value {
			out[elem.Name] = elem.Value
		}
		return out, true
	}
	return nil, false
}

// docValue resolves a possibly dotted path against a document.
func docValue(doc map[string]interface{}, path string) (interface{}, bool) {
	var value interface{} = doc
	for _, seg := range strings.Split(path, ".") {
		parent, ok := asMap(value)
		if !ok {
			return nil, false
		}
		if value, ok = parent[seg]; !ok {
			return nil, false
		}
	}
	return value, true
}

// setDocValue writes a possibly dotted path into a document, creating
// intermediate subdocuments the way mongo's $set does.
func setDocValue(doc map[string]interface{}, path string, value interface{}) {
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		child, ok := asMap(doc[seg])
		if !ok {
			child = make(map[string]interface{})
		}
		doc[seg] = child
		doc = child
	}
	doc[segs[len(segs)-1]] = normaliseValue(value)
}

// unsetDocValue removes a possibly dotted path from a document. A
// missing path is a no-op, matching mongo's $unset.
func unsetDocValue(doc map[string]interface{}, path string) {
	segs := strings.Split(path, ".")
	for _, seg := range segs[:len(segs)-1] {
		child, ok := asMap(doc[seg])
		if !ok {
			return
		}
		doc[seg] = child
		doc = child
	}
	delete(doc, segs[len(segs)-1])
}

func docString(value interface{}) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

func docInt(value interface{}) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

func docFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
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

func docTime(value interface{}) (time.Time, bool) {
	t, ok := value.(time.Time)
	return t, ok
}
