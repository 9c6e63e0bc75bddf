// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package query

import (
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("hostpool.query")

// Registry is the merged parameter schema contributed by every
// inspector, provisioner and task, built once at broker construction.
type Registry struct {
	descriptors map[string]*Descriptor
	aliases     map[string]string
}

// NewRegistry returns a registry preloaded with the pipeline-intrinsic
// parameters.
func NewRegistry() *Registry {
	r := &Registry{
		descriptors: make(map[string]*Descriptor),
		aliases:     map[string]string{"lifetime": "lifespan"},
	}
	intrinsic := func(name string, d Descriptor) {
		d.Sources = []Source{{Kind: SourcePipeline, Name: "core"}}
		r.descriptors[name] = &d
	}
	intrinsic("count", Descriptor{
		Type:        KindInt,
		Ops:         Ops(OpNone),
		Default:     IntValue(1),
		Description: "number of machines the request concerns",
	})
	intrinsic("magic", Descriptor{
		Type: KindString,
		Ops:  Ops(OpNone, OpEq, OpIn),
		Description: "stable machine identifier; \"new\" forces a fresh " +
			"allocation, \"noprovision\" forbids provisioning",
	})
	intrinsic("reserve-duration", Descriptor{
		Type:        KindInt,
		Ops:         Ops(OpNone),
		Default:     IntValue(86400),
		Description: "seconds a reservation lasts",
	})
	intrinsic("lifespan", Descriptor{
		Type:        KindInt,
		Ops:         AllOps(),
		Default:     IntValue(86400),
		DefaultOp:   OpGte,
		Description: "seconds a machine remains valid after provisioning started",
	})
	return r
}

// Resolve maps alias parameter names onto their canonical name.
func (r *Registry) Resolve(name string) string {
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

// Lookup returns the descriptor for a (canonical) parameter name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.descriptors[r.Resolve(name)]
	return d, ok
}

// Names returns every registered parameter name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default resolves the effective default of a parameter against a
// query; DefaultFunc wins over the static default.
func (r *Registry) Default(name string, q Query) (Value, bool) {
	d, ok := r.Lookup(name)
	if !ok {
		return Value{}, false
	}
	if d.DefaultFunc != nil {
		if v := d.DefaultFunc(q); !v.IsZero() {
			return v, true
		}
	}
	if !d.Default.IsZero() {
		return d.Default, true
	}
	return Value{}, false
}

// Register merges a module's parameter declarations into the registry.
//
// Merge rules: types must agree or the parameter's registration is
// rejected (logged, not fatal); operator sets union within a module
// kind; across kinds the superset wins, and an empty intersection is a
// fatal configuration error; default and description follow
// first-writer-wins unless the incoming descriptor sets Override.
func (r *Registry) Register(kind SourceKind, module string, params map[string]Descriptor) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		incoming := params[name]
		canonical := r.Resolve(name)
		existing, ok := r.descriptors[canonical]
		if !ok {
			d := incoming
			d.Sources = []Source{{Kind: kind, Name: module}}
			r.descriptors[canonical] = &d
			continue
		}
		if existing.Type != incoming.Type {
			logger.Errorf("parameter %q from %s %q declares type %s, already registered as %s by %v; registration rejected",
				name, kind, module, incoming.Type, existing.Type, existing.Sources)
			continue
		}
		merged, err := mergeOps(canonical, existing, kind, module, incoming.Ops)
		if err != nil {
			return errors.Trace(err)
		}
		existing.Ops = merged
		if incoming.Override || existing.Description == "" {
			if incoming.Description != "" {
				existing.Description = incoming.Description
			}
		}
		if incoming.Override || !existing.hasDefault() {
			if !incoming.Default.IsZero() {
				existing.Default = incoming.Default
				existing.DefaultFunc = nil
			}
			if incoming.DefaultFunc != nil {
				existing.DefaultFunc = incoming.DefaultFunc
			}
		}
		if incoming.DefaultOp != "" && existing.DefaultOp == "" {
			existing.DefaultOp = incoming.DefaultOp
		}
		existing.Sources = append(existing.Sources, Source{Kind: kind, Name: module})
	}
	return nil
}

func mergeOps(name string, existing *Descriptor, kind SourceKind, module string, incoming set.Strings) (set.Strings, error) {
	current := existing.Ops
	if current.IsEmpty() {
		return incoming, nil
	}
	if incoming.IsEmpty() {
		return current, nil
	}
	sameKind := existing.sourceKinds().Size() == 1 && existing.sourceKinds().Contains(string(kind))
	if sameKind {
		return current.Union(incoming), nil
	}
	if current.Intersection(incoming).IsEmpty() {
		return set.Strings{}, errors.Errorf(
			"parameter %q operator sets do not intersect: %v from %v, %v from %s %q",
			name, current.SortedValues(), existing.Sources, incoming.SortedValues(), kind, module)
	}
	switch {
	case incoming.Difference(current).IsEmpty():
		// Incoming is a subset; the existing superset wins.
		return current, nil
	case current.Difference(incoming).IsEmpty():
		return incoming, nil
	default:
		logger.Errorf("parameter %q operator sets from %v and %s %q overlap without containment; using the union",
			name, existing.Sources, kind, module)
		return current.Union(incoming), nil
	}
}

// Public renders the registry as the public parameter schema returned
// by the parameters endpoint.
func (r *Registry) Public() map[string]interface{} {
	out := make(map[string]interface{}, len(r.descriptors))
	for name, d := range r.descriptors {
		entry := map[string]interface{}{
			"type":   d.Type.String(),
			"source": d.Sources,
		}
		if !d.Ops.IsEmpty() {
			entry["ops"] = d.Ops.SortedValues()
		}
		if d.Description != "" {
			entry["description"] = d.Description
		}
		if !d.Default.IsZero() {
			entry["default"] = d.Default.Interface()
		}
		out[name] = entry
	}
	return out
}
