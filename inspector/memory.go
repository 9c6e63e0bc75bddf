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

const memInfoPath = "/proc/meminfo"

type memoryInspector struct {
	params map[string]query.Descriptor
}

// NewMemory returns the memory inspector, which reads /proc/meminfo
// and provides the total memory size in MB.
func NewMemory() Inspector {
	return &memoryInspector{params: map[string]query.Descriptor{
		"memory-total_size": {
			Type:        query.KindInt,
			Ops:         query.AllOps(),
			Description: "memory size in MB",
		},
	}}
}

func (i *memoryInspector) Name() string { return "memory" }

func (i *memoryInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *memoryInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	data, err := conn.ReadFile(memInfoPath)
	if err != nil {
		return errors.Annotatef(err, "reading %s", memInfoPath)
	}
	total, ok := parseKeyValues(string(data))["MemTotal"]
	fields := strings.Fields(total)
	if !ok || len(fields) == 0 {
		return errors.Errorf("%s carries no MemTotal line", memInfoPath)
	}
	// MemTotal reads like "16340308 kB".
	kb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return errors.Annotatef(err, "parsing MemTotal %q", total)
	}
	return errors.Trace(m.SetFields(bson.D{{Name: "memory-total_size", Value: kb / 1024}}))
}

func (i *memoryInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *memoryInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *memoryInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}
