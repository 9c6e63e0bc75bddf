// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"net/url"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// ParseURL compiles flat request arguments into a query. Keys nest
// with brackets or dots ("extra_device[vendor]", "cpu.model"), a
// trailing "[]" collects repeated arguments into a list, and a ":op"
// suffix on the final segment adds a comparison operator:
//
//	?cpu-arch=x86_64&memory-total_size:gte=8192&cpu-model:in[]=42&cpu-model:in[]=47
//
// Repeated identical pairs are idempotent; conflicting ones are
// ErrInvalidQuery.
func ParseURL(args url.Values) (Query, error) {
	root := &node{}
	for key, values := range args {
		if len(values) == 0 {
			continue
		}
		segs, isList, err := tokenise(key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		name, op, err := splitOp(key, segs[len(segs)-1])
		if err != nil {
			return nil, errors.Trace(err)
		}
		segs[len(segs)-1] = name

		var leaf Leaf
		switch {
		case isList:
			leaf = Bare(ListValue(values...))
		case len(values) == 1:
			leaf = Bare(StringValue(values[0]))
		default:
			for _, v := range values[1:] {
				if v != values[0] {
					return nil, invalidf("conflict for %q: repeated with different values", key)
				}
			}
			leaf = Bare(StringValue(values[0]))
		}
		if op != "" {
			leaf = Cond(op, leaf.Value())
		}
		if err := root.insert(segs, leaf); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return root.flatten()
}

// FromDoc compiles a nested document (a JSON request body, or a query
// recorded in a task descriptor) into a query. Leaves may carry
// "$"-prefixed operator maps; key grammar matches ParseURL.
func FromDoc(doc map[string]interface{}) (Query, error) {
	root := &node{}
	if err := root.insertDoc(nil, doc); err != nil {
		return nil, errors.Trace(err)
	}
	return root.flatten()
}

// tokenise splits a key into its path segments, reporting whether the
// key ends with the "[]" list marker.
func tokenise(key string) ([]string, bool, error) {
	var layers []string
	depth := 0
	token := ""
	for _, c := range key {
		switch c {
		case '[':
			if depth++; depth > 1 {
				return nil, false, invalidf("multilayer brackets are not allowed in %q", key)
			}
			if token != "" {
				layers = append(layers, token)
				token = ""
			}
		case ']':
			if depth != 1 {
				return nil, false, invalidf("non-closing bracket in %q", key)
			}
			depth--
			layers = append(layers, token)
			token = ""
		default:
			token += string(c)
		}
	}
	if depth != 0 {
		return nil, false, invalidf("non-closing bracket in %q", key)
	}
	if token != "" {
		layers = append(layers, token)
	}

	var segs []string
	isList := false
	for i, layer := range layers {
		if layer == "" {
			if i != len(layers)-1 {
				return nil, false, invalidf("list marker must be at the end of %q", key)
			}
			isList = true
			continue
		}
		for _, part := range strings.Split(layer, ".") {
			if part == "" {
				return nil, false, invalidf("empty segment in %q", key)
			}
			segs = append(segs, part)
		}
	}
	if len(segs) == 0 {
		return nil, false, invalidf("root query object must be a mapping")
	}
	for _, seg := range segs[:len(segs)-1] {
		if strings.Contains(seg, ":") {
			return nil, false, invalidf("operator on non-leaf segment in %q", key)
		}
	}
	return segs, isList, nil
}

// splitOp separates an optional ":op" suffix from the final segment.
func splitOp(key, seg string) (string, Op, error) {
	idx := strings.Index(seg, ":")
	if idx < 0 {
		return seg, "", nil
	}
	if idx == 0 {
		return "", "", invalidf("empty segment in %q", key)
	}
	op, err := ParseOp(seg[idx+1:])
	if err != nil {
		return "", "", errors.Trace(err)
	}
	return seg[:idx], op, nil
}

// node is an intermediate parse tree; leaves become dotted query names.
type node struct {
	children map[string]*node
	leaf     *Leaf
}

func (n *node) insert(path []string, leaf Leaf) error {
	cur := n
	for i, seg := range path[:len(path)-1] {
		if cur.leaf != nil {
			return invalidf("conflict for %q: both value and mapping", strings.Join(path[:i], "."))
		}
		if cur.children == nil {
			cur.children = make(map[string]*node)
		}
		child, ok := cur.children[seg]
		if !ok {
			child = &node{}
			cur.children[seg] = child
		}
		cur = child
	}
	name := path[len(path)-1]
	if cur.leaf != nil {
		return invalidf("conflict for %q: both value and mapping", strings.Join(path[:len(path)-1], "."))
	}
	if cur.children == nil {
		cur.children = make(map[string]*node)
	}
	child, ok := cur.children[name]
	if !ok {
		child = &node{}
		cur.children[name] = child
	}
	if child.children != nil {
		return invalidf("conflict for %q: both value and mapping", strings.Join(path, "."))
	}
	if child.leaf == nil {
		child.leaf = &leaf
		return nil
	}
	merged, err := mergeLeaves(strings.Join(path, "."), *child.leaf, leaf)
	if err != nil {
		return errors.Trace(err)
	}
	child.leaf = &merged
	return nil
}

// mergeLeaves combines two constraints on the same name: identical
// leaves are idempotent, operator sets merge, anything else conflicts.
func mergeLeaves(name string, a, b Leaf) (Leaf, error) {
	if a.Equal(b) {
		return a, nil
	}
	if a.IsBare() && b.IsBare() {
		return Leaf{}, invalidf("conflict for %q: plain value given more than once", name)
	}
	if a.IsBare() || b.IsBare() {
		return Leaf{}, invalidf("conflict for %q: plain value mixed with operators", name)
	}
	merged := a
	var err error
	for op, v := range b.conds {
		if merged, err = merged.withCond(name, op, v); err != nil {
			return Leaf{}, errors.Trace(err)
		}
	}
	return merged, nil
}

func (n *node) insertDoc(path []string, doc map[string]interface{}) error {
	for key, raw := range doc {
		segs, isList, err := tokenise(key)
		if err != nil {
			return errors.Trace(err)
		}
		name, op, err := splitOp(key, segs[len(segs)-1])
		if err != nil {
			return errors.Trace(err)
		}
		segs[len(segs)-1] = name
		full := append(append([]string(nil), path...), segs...)

		if m, ok := asDoc(raw); ok {
			dollar, err := dollarKeys(key, m)
			if err != nil {
				return errors.Trace(err)
			}
			if dollar {
				if op != "" || isList {
					return invalidf("conflict for %q: operator applied to a mapping", key)
				}
				leaf, err := condLeaf(key, m)
				if err != nil {
					return errors.Trace(err)
				}
				if err := n.insert(full, leaf); err != nil {
					return errors.Trace(err)
				}
				continue
			}
			if op != "" {
				return invalidf("conflict for %q: operator applied to a mapping", key)
			}
			if err := n.insertDoc(full, m); err != nil {
				return errors.Trace(err)
			}
			continue
		}

		value, err := valueOf(raw)
		if err != nil {
			return invalidf("bad value for %q: %v", key, err)
		}
		leaf := Bare(value)
		if op != "" {
			leaf = Cond(op, value)
		}
		if err := n.insert(full, leaf); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// condLeaf builds a leaf from an operator map like {"$gte": 8192}.
func condLeaf(key string, m map[string]interface{}) (Leaf, error) {
	leaf := Leaf{conds: map[Op]Value{}}
	var err error
	for opName, raw := range m {
		op, perr := ParseOp(opName)
		if perr != nil {
			return Leaf{}, errors.Trace(perr)
		}
		value, verr := valueOf(raw)
		if verr != nil {
			return Leaf{}, invalidf("bad value for %q %s: %v", key, op, verr)
		}
		if leaf, err = leaf.withCond(key, op, value); err != nil {
			return Leaf{}, errors.Trace(err)
		}
	}
	return leaf, nil
}

func asDoc(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return map[string]interface{}(m), true
	}
	return nil, false
}

// dollarKeys reports whether the map is an operator map; mixing
// operator and field keys is invalid.
func dollarKeys(key string, m map[string]interface{}) (bool, error) {
	dollar, plain := 0, 0
	for k := range m {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}
	if dollar > 0 && plain > 0 {
		return false, invalidf("conflict for %q: operators mixed with fields", key)
	}
	return dollar > 0, nil
}

func (n *node) flatten() (Query, error) {
	q := make(Query)
	if err := n.flattenInto(q, ""); err != nil {
		return nil, errors.Trace(err)
	}
	return q, nil
}

func (n *node) flattenInto(q Query, prefix string) error {
	if n.leaf != nil {
		q[prefix] = *n.leaf
		return nil
	}
	for name, child := range n.children {
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if err := child.flattenInto(q, full); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
