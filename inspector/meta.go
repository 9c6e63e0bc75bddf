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

type metaInspector struct {
	params map[string]query.Descriptor
}

// NewMeta returns the meta inspector. It owns the free-form whiteboard
// attribute; whiteboard text is informational, so the hard filter is
// intentionally empty and any machine matches.
func NewMeta() Inspector {
	return &metaInspector{params: map[string]query.Descriptor{
		"whiteboard": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq),
			Description: "additional free-form text attached to the machine",
		},
	}}
}

func (i *metaInspector) Name() string { return "meta" }

func (i *metaInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *metaInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	if _, ok := m.StringAttr("whiteboard"); ok {
		return nil
	}
	return errors.Trace(m.SetFields(bson.D{{Name: "whiteboard", Value: ""}}))
}

func (i *metaInspector) HardFilter(q query.Query) bson.D { return nil }

func (i *metaInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *metaInspector) Match(m *state.Machine, q query.Query) bool { return true }
