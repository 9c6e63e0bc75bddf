// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"github.com/juju/collections/set"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
)

// requestOnly names the pipeline parameters that describe the request
// rather than the machine; they never reach the store filter.
var requestOnly = set.NewStrings("count", "reserve-duration")

// matchNothing is the fragment a magic=new query composes to. No
// document carries an integer id, so a forced-fresh request never
// selects existing machines.
var matchNothing = bson.DocElem{Name: "_id", Value: 0}

// ComposeFilter converts a sanitised query into a store filter by
// merging every inspector's HardFilter fragment field-wise, in
// pipeline order. Query parameters no inspector claims pass through
// verbatim. Of the reserved magic values, noprovision drops out of the
// filter and new yields a filter matching no machine at all.
func (r *Registry) ComposeFilter(q query.Query) bson.D {
	var out bson.D
	filtered := set.NewStrings()
	claimed := set.NewStrings()
	for _, insp := range r.inspectors {
		for _, elem := range insp.HardFilter(q) {
			if filtered.Contains(elem.Name) {
				logger.Errorf("inspector %q re-filters field %q; keeping the first filter", insp.Name(), elem.Name)
				continue
			}
			filtered.Add(elem.Name)
			out = append(out, elem)
		}
		for name := range insp.Parameters() {
			claimed.Add(name)
		}
	}
	for _, name := range q.Names() {
		if claimed.Contains(name) || filtered.Contains(name) || requestOnly.Contains(name) {
			continue
		}
		if name == "magic" {
			if s, ok := q.Str(name); ok && s == query.MagicNew {
				return bson.D{matchNothing}
			}
			if s, ok := q.Str(name); ok && s == query.MagicNoProvision {
				continue
			}
		}
		out = append(out, bson.DocElem{Name: name, Value: q[name].BSON()})
	}
	return out
}
