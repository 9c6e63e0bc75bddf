// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/mgo/v3/bson"
)

// Update is an insertion-ordered batch of field changes that is
// applied to a machine document as one atomic multi-field update.
// Dotted names address nested fields. A later change to a field
// supersedes an earlier one without losing the field's position.
type Update struct {
	ops []updateOp
}

type updateOp struct {
	name  string
	value interface{}
	unset bool
}

// NewUpdate returns an empty update builder.
func NewUpdate() *Update {
	return &Update{}
}

// Set records a field write and returns the update for chaining.
func (u *Update) Set(name string, value interface{}) *Update {
	u.ops = append(u.ops, updateOp{name: name, value: value})
	return u
}

// Unset records a field removal and returns the update for chaining.
func (u *Update) Unset(name string) *Update {
	u.ops = append(u.ops, updateOp{name: name, unset: true})
	return u
}

// Empty reports whether the update changes anything.
func (u *Update) Empty() bool {
	return len(u.ops) == 0
}

// split separates the final per-field changes into $set and $unset
// documents, preserving first-appearance order.
func (u *Update) split() (set, unset bson.D) {
	final := make(map[string]updateOp, len(u.ops))
	var order []string
	for _, op := range u.ops {
		if _, seen := final[op.name]; !seen {
			order = append(order, op.name)
		}
		final[op.name] = op
	}
	for _, name := range order {
		op := final[name]
		if op.unset {
			unset = append(unset, bson.DocElem{Name: name, Value: 1})
		} else {
			set = append(set, bson.DocElem{Name: name, Value: op.value})
		}
	}
	return set, unset
}
