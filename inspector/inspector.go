// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inspector implements the hardware inspection pipeline: the
// Inspector interface, the ordered registry, the filter composer that
// turns a sanitised query into a store filter, and the built-in
// inspectors that populate machine attributes over a remote shell.
package inspector

import (
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.inspector")

// Inspector observes one family of hardware attributes. An inspector
// declares the query parameters it provides, knows how to populate
// them on a live machine over a remote connection, and contributes
// the store filter fragment that selects already-present machines
// satisfying a query on those parameters.
type Inspector interface {
	// Name identifies the inspector in logs and parameter sources.
	Name() string

	// Parameters declares the query parameters this inspector
	// provides, keyed by attribute name.
	Parameters() map[string]query.Descriptor

	// Inspect populates this inspector's attributes on the machine
	// using the established connection. Updates are written through
	// the machine's store handle so concurrent inspectors compose.
	Inspect(m *state.Machine, conn remote.Connection) error

	// HardFilter returns the fragment of the store filter selecting
	// existing machines that satisfy the query on this inspector's
	// parameters. It must be deterministic and side-effect free.
	HardFilter(q query.Query) bson.D

	// ProvisionFilter rewrites the query before it reaches a
	// provisioner, letting inspector knowledge translate high level
	// requirements into provisionable ones. Inspectors with nothing
	// to rewrite return the query unchanged.
	ProvisionFilter(q query.Query) query.Query

	// Match reports whether the machine satisfies the query on this
	// inspector's parameters, judging only attributes already present
	// on the machine document.
	Match(m *state.Machine, q query.Query) bool
}

// Registry holds inspectors in registration order. The order is the
// pipeline order: inspectors run over a connection in the sequence
// they were registered, with the core inspector first.
type Registry struct {
	inspectors []Inspector
	names      map[string]bool
}

// NewRegistry returns a registry over the given inspectors, in order.
func NewRegistry(inspectors ...Inspector) (*Registry, error) {
	r := &Registry{names: make(map[string]bool)}
	for _, insp := range inspectors {
		if err := r.Register(insp); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return r, nil
}

// Register appends an inspector to the pipeline.
func (r *Registry) Register(insp Inspector) error {
	name := insp.Name()
	if r.names[name] {
		return errors.AlreadyExistsf("inspector %q", name)
	}
	r.names[name] = true
	r.inspectors = append(r.inspectors, insp)
	return nil
}

// Inspectors returns the pipeline in registration order.
func (r *Registry) Inspectors() []Inspector {
	return append([]Inspector(nil), r.inspectors...)
}

// Names returns the inspector names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.inspectors))
	for i, insp := range r.inspectors {
		names[i] = insp.Name()
	}
	return names
}

// RegisterParameters merges every inspector's parameter declarations
// into the query registry, in pipeline order.
func (r *Registry) RegisterParameters(reg *query.Registry) error {
	for _, insp := range r.inspectors {
		if err := reg.Register(query.SourceInspector, insp.Name(), insp.Parameters()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Match reports whether the machine satisfies the query according to
// every inspector in the pipeline.
func (r *Registry) Match(m *state.Machine, q query.Query) bool {
	for _, insp := range r.inspectors {
		if !insp.Match(m, q) {
			return false
		}
	}
	return true
}

// ProvisionFilter threads the query through every inspector's rewrite,
// in pipeline order.
func (r *Registry) ProvisionFilter(q query.Query) query.Query {
	for _, insp := range r.inspectors {
		q = insp.ProvisionFilter(q)
	}
	return q
}

// BuiltIn returns the built-in inspector pipeline, core first.
func BuiltIn() []Inspector {
	return []Inspector{
		NewCore(),
		NewCPU(),
		NewMemory(),
		NewDisk(),
		NewNUMA(),
		NewMeta(),
		NewTag(),
		NewDevices(),
	}
}

func sortedNames(params map[string]query.Descriptor) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// flatFilter passes the query's constraints on the declared parameters
// straight through to the store filter. A bare value on a parameter
// with a default operator becomes that operator's condition; a bare
// list on a list parameter requires every element to be present.
func flatFilter(q query.Query, params map[string]query.Descriptor) bson.D {
	var out bson.D
	for _, name := range sortedNames(params) {
		leaf, ok := q[name]
		if !ok {
			continue
		}
		desc := params[name]
		if leaf.IsBare() {
			if desc.DefaultOp != "" {
				out = append(out, bson.DocElem{
					Name:  name,
					Value: bson.D{{Name: string(desc.DefaultOp), Value: leaf.Value().Interface()}},
				})
				continue
			}
			if desc.Type == query.KindList && leaf.Value().Kind() == query.KindList {
				out = append(out, bson.DocElem{
					Name:  name,
					Value: bson.D{{Name: "$all", Value: leaf.Value().Interface()}},
				})
				continue
			}
		}
		out = append(out, bson.DocElem{Name: name, Value: leaf.BSON()})
	}
	return out
}

// flatMatch judges the machine's attributes against the query on the
// declared parameters, mirroring flatFilter's bare-value semantics.
// A constraint on an attribute the machine lacks fails the match.
func flatMatch(m *state.Machine, q query.Query, params map[string]query.Descriptor) bool {
	doc := m.Doc()
	adjusted := q.Clone()
	names := sortedNames(params)
	for _, name := range names {
		leaf, ok := q[name]
		if !ok {
			continue
		}
		desc := params[name]
		if !leaf.IsBare() {
			continue
		}
		if desc.Type == query.KindList && leaf.Value().Kind() == query.KindList {
			for _, item := range leaf.Value().Items() {
				if !query.Match(doc, query.Query{name: query.Bare(item)}, name) {
					return false
				}
			}
			delete(adjusted, name)
			continue
		}
		if desc.DefaultOp != "" {
			adjusted[name] = query.Cond(desc.DefaultOp, leaf.Value())
		}
	}
	return query.Match(doc, adjusted, names...)
}
