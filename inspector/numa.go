// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"regexp"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

const numaNodePath = "/sys/devices/system/node"

var numaNodeName = regexp.MustCompile(`^node[0-9]+$`)

type numaInspector struct {
	params map[string]query.Descriptor
}

// NewNUMA returns the numa inspector, which counts the NUMA nodes
// exposed under /sys.
func NewNUMA() Inspector {
	return &numaInspector{params: map[string]query.Descriptor{
		"numa-node_number": {
			Type:        query.KindInt,
			Ops:         query.AllOps(),
			Description: "number of NUMA nodes",
		},
	}}
}

func (i *numaInspector) Name() string { return "numa" }

func (i *numaInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *numaInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	infos, err := conn.ReadDir(numaNodePath)
	if err != nil {
		return errors.Annotatef(err, "reading %s", numaNodePath)
	}
	var nodes int64
	for _, info := range infos {
		if numaNodeName.MatchString(info.Name()) {
			nodes++
		}
	}
	return errors.Trace(m.SetFields(bson.D{{Name: "numa-node_number", Value: nodes}}))
}

func (i *numaInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *numaInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *numaInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}
