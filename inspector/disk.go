// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

const lsblkCommand = "lsblk --bytes --nodeps --noheadings --output TYPE,SIZE"

type diskInspector struct {
	params map[string]query.Descriptor
}

// NewDisk returns the disk inspector, which counts the physical disks
// and sums their sizes from lsblk output.
func NewDisk() Inspector {
	return &diskInspector{params: map[string]query.Descriptor{
		"disk-number": {
			Type:        query.KindInt,
			Ops:         query.AllOps(),
			Description: "number of physical disks",
		},
		"disk-total_size": {
			Type:        query.KindInt,
			Ops:         query.AllOps(),
			Description: "disk total size in GB",
		},
	}}
}

func (i *diskInspector) Name() string { return "disk" }

func (i *diskInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *diskInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	out, err := conn.Output(lsblkCommand)
	if err != nil {
		return errors.Annotate(err, "running lsblk")
	}
	var number, totalBytes int64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "disk" {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return errors.Annotatef(err, "parsing lsblk size %q", fields[1])
		}
		number++
		totalBytes += size
	}
	return errors.Trace(m.SetFields(bson.D{
		{Name: "disk-number", Value: number},
		{Name: "disk-total_size", Value: totalBytes / (1000 * 1000 * 1000)},
	}))
}

func (i *diskInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *diskInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *diskInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}
