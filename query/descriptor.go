// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"github.com/juju/collections/set"
)

// SourceKind identifies the kind of module that contributed a
// parameter declaration.
type SourceKind string

const (
	SourceInspector   SourceKind = "inspector"
	SourceProvisioner SourceKind = "provisioner"
	SourceTask        SourceKind = "task"
	SourcePipeline    SourceKind = "pipeline"
)

// Source records one contributor of a parameter, for diagnostics and
// the public schema.
type Source struct {
	Kind SourceKind `json:"type"`
	Name string     `json:"name"`
}

// Descriptor declares a queryable parameter: its value type, the
// comparison operators a query may apply to it, and an optional
// default. A nil Ops set leaves operators unconstrained; a set
// containing OpNone permits bare, operator-free values.
type Descriptor struct {
	Type        Kind
	Ops         set.Strings
	Default     Value
	DefaultFunc func(Query) Value
	Description string

	// Override lets a later registration replace an earlier default
	// and description instead of the usual first-writer-wins.
	Override bool

	// DefaultOp is applied by hard filters when the query carries a
	// bare value for a parameter that is naturally a range (for
	// example lifespan, where a bare value means "at least").
	DefaultOp Op

	// Sources is maintained by the registry.
	Sources []Source
}

// Ops builds an operator set for a descriptor declaration.
func Ops(ops ...Op) set.Strings {
	s := set.NewStrings()
	for _, op := range ops {
		s.Add(string(op))
	}
	return s
}

// AllOps returns the operator set permitting every comparison
// operator plus bare values.
func AllOps() set.Strings {
	return Ops(OpNone, OpEq, OpIn, OpLt, OpLte, OpGt, OpGte)
}

func (d *Descriptor) hasDefault() bool {
	return !d.Default.IsZero() || d.DefaultFunc != nil
}

// sourceKinds returns the distinct kinds that contributed to this
// descriptor so far.
func (d *Descriptor) sourceKinds() set.Strings {
	kinds := set.NewStrings()
	for _, src := range d.Sources {
		kinds.Add(string(src.Kind))
	}
	return kinds
}
