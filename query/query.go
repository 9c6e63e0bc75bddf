// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package query implements the machine query pipeline: the typed value
// model, the URL and document parsers, the parameter registry that
// merges descriptor declarations from inspectors, provisioners and
// tasks, and the sanitiser that coerces queries against it.
package query

import (
	"fmt"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Op is a comparison operator in its canonical "$"-prefixed form.
type Op string

const (
	OpEq  Op = "$eq"
	OpIn  Op = "$in"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"

	// OpNone is the pseudo-operator descriptors use to permit bare,
	// operator-free values.
	OpNone Op = "none"
)

// Errors surfaced by the pipeline. Parsing problems are ErrInvalidQuery
// (bad request grammar); descriptor mismatches are ErrValidation.
const (
	ErrInvalidQuery = errors.ConstError("invalid query")
	ErrValidation   = errors.ConstError("query validation failed")
)

// Reserved magic values. They steer the request deduplicator and never
// identify a stored machine.
const (
	MagicNew         = "new"
	MagicNoProvision = "noprovision"
)

func invalidf(format string, args ...interface{}) error {
	args = append(args, errors.Hide(ErrInvalidQuery))
	return fmt.Errorf(format+"%w", args...)
}

func validationf(format string, args ...interface{}) error {
	args = append(args, errors.Hide(ErrValidation))
	return fmt.Errorf(format+"%w", args...)
}

// ParseOp canonicalises an operator name from a URL key suffix or a
// document key; "gte" and "$gte" are equivalent.
func ParseOp(s string) (Op, error) {
	if len(s) > 0 && s[0] != '$' {
		s = "$" + s
	}
	switch op := Op(s); op {
	case OpEq, OpIn, OpLt, OpLte, OpGt, OpGte:
		return op, nil
	}
	return "", invalidf("unknown operator %q", s)
}

// Leaf is one parameter's constraint: either a single bare value, or a
// set of operator conditions.
type Leaf struct {
	bare  bool
	value Value
	conds map[Op]Value
}

// Bare returns an operator-free leaf.
func Bare(v Value) Leaf {
	return Leaf{bare: true, value: v}
}

// Cond returns a leaf holding a single operator condition.
func Cond(op Op, v Value) Leaf {
	return Leaf{conds: map[Op]Value{op: v}}
}

// IsBare reports whether the leaf is a plain value.
func (l Leaf) IsBare() bool { return l.bare }

// Value returns the bare value; zero unless IsBare.
func (l Leaf) Value() Value { return l.value }

// Ops returns the leaf's operators in sorted order.
func (l Leaf) Ops() []Op {
	ops := make([]Op, 0, len(l.conds))
	for op := range l.conds {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Cond returns the value constrained by op.
func (l Leaf) Cond(op Op) (Value, bool) {
	v, ok := l.conds[op]
	return v, ok
}

// withCond adds a condition, rejecting plain/operator mixtures and
// conflicting duplicates.
func (l Leaf) withCond(name string, op Op, v Value) (Leaf, error) {
	if l.bare {
		return Leaf{}, invalidf("conflict for %q: operator %s given alongside a plain value", name, op)
	}
	if prev, ok := l.conds[op]; ok && !prev.Equal(v) {
		return Leaf{}, invalidf("conflict for %q: %s given twice with different values", name, op)
	}
	conds := make(map[Op]Value, len(l.conds)+1)
	for k, val := range l.conds {
		conds[k] = val
	}
	conds[op] = v
	return Leaf{conds: conds}, nil
}

// Equal reports deep equality of two leaves.
func (l Leaf) Equal(other Leaf) bool {
	if l.bare != other.bare {
		return false
	}
	if l.bare {
		return l.value.Equal(other.value)
	}
	if len(l.conds) != len(other.conds) {
		return false
	}
	for op, v := range l.conds {
		ov, ok := other.conds[op]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Interface returns the document form of the leaf: the raw value for a
// bare leaf, an operator map otherwise.
func (l Leaf) Interface() interface{} {
	if l.bare {
		return l.value.Interface()
	}
	doc := make(map[string]interface{}, len(l.conds))
	for op, v := range l.conds {
		doc[string(op)] = v.Interface()
	}
	return doc
}

// BSON returns the store filter form of the leaf.
func (l Leaf) BSON() interface{} {
	if l.bare {
		return l.value.Interface()
	}
	cond := make(bson.D, 0, len(l.conds))
	for _, op := range l.Ops() {
		cond = append(cond, bson.DocElem{Name: string(op), Value: l.conds[op].Interface()})
	}
	return cond
}

// Query is a compiled query: parameter name (dotted for nested input)
// to typed leaf.
type Query map[string]Leaf

// Names returns the query's parameter names in sorted order.
func (q Query) Names() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of the query.
func (q Query) Clone() Query {
	out := make(Query, len(q))
	for name, leaf := range q {
		out[name] = leaf
	}
	return out
}

// Equal reports whether two queries constrain exactly the same.
func (q Query) Equal(other Query) bool {
	if len(q) != len(other) {
		return false
	}
	for name, leaf := range q {
		ol, ok := other[name]
		if !ok || !leaf.Equal(ol) {
			return false
		}
	}
	return true
}

// Str returns the bare string value of the named parameter.
func (q Query) Str(name string) (string, bool) {
	leaf, ok := q[name]
	if !ok || !leaf.IsBare() || leaf.Value().Kind() != KindString {
		return "", false
	}
	return leaf.Value().Str(), true
}

// Int returns the bare integer value of the named parameter, or
// fallback when absent.
func (q Query) Int(name string, fallback int64) int64 {
	leaf, ok := q[name]
	if !ok || !leaf.IsBare() || leaf.Value().Kind() != KindInt {
		return fallback
	}
	return leaf.Value().Int64()
}

// Magic returns the bare magic value, if any.
func (q Query) Magic() (string, bool) {
	return q.Str("magic")
}

// PopMagic removes the magic parameter and returns its value.
func (q Query) PopMagic() (string, bool) {
	s, ok := q.Str("magic")
	delete(q, "magic")
	return s, ok
}

// Interface returns the document form of the query, suitable for JSON
// encoding or embedding in a task descriptor.
func (q Query) Interface() map[string]interface{} {
	doc := make(map[string]interface{}, len(q))
	for name, leaf := range q {
		doc[name] = leaf.Interface()
	}
	return doc
}
