// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"path"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

const netClassPath = "/sys/class/net"

type devicesInspector struct {
	params map[string]query.Descriptor
}

// NewDevices returns the devices inspector, which records the kernel
// drivers bound to the machine's network devices by resolving their
// driver symlinks under /sys.
func NewDevices() Inspector {
	return &devicesInspector{params: map[string]query.Descriptor{
		"device_drivers": {
			Type:        query.KindList,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "kernel drivers the machine's network devices must use, all of them",
		},
	}}
}

func (i *devicesInspector) Name() string { return "devices" }

func (i *devicesInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *devicesInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	infos, err := conn.ReadDir(netClassPath)
	if err != nil {
		return errors.Annotatef(err, "reading %s", netClassPath)
	}
	drivers := set.NewStrings()
	for _, info := range infos {
		// Virtual devices have no device/driver link; skip them.
		target, err := conn.ReadLink(path.Join(netClassPath, info.Name(), "device", "driver"))
		if err != nil {
			continue
		}
		drivers.Add(path.Base(target))
	}
	return errors.Trace(m.SetFields(bson.D{{Name: "device_drivers", Value: drivers.SortedValues()}}))
}

func (i *devicesInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *devicesInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *devicesInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}
