// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

type tagInspector struct {
	params map[string]query.Descriptor
}

// NewTag returns the tag inspector, which owns the management tags
// list. Tags are assigned by operators, not observed, so inspection
// only ensures the attribute exists.
func NewTag() Inspector {
	return &tagInspector{params: map[string]query.Descriptor{
		"tags": {
			Type:        query.KindList,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "management tags the machine must carry, all of them",
		},
	}}
}

func (i *tagInspector) Name() string { return "tag" }

func (i *tagInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *tagInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	if _, ok := m.Attr("tags"); ok {
		return nil
	}
	return errors.Trace(m.SetFields(bson.D{{Name: "tags", Value: []interface{}{}}}))
}

func (i *tagInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *tagInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *tagInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}
