// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

// System types a machine can report.
const (
	SystemTypeBareMetal = "baremetal"
	SystemTypeVM        = "vm"
)

// mandatoryAttrs must be present on every provisioned machine; a
// provisioner that leaves one unset is broken.
var mandatoryAttrs = []string{"magic", "status", "hostname", "lifespan", "start_time"}

type coreInspector struct {
	params map[string]query.Descriptor
}

// NewCore returns the core inspector. It runs first in the pipeline:
// it validates the attributes every provisioner must deliver, derives
// expire_time, and reconciles the declared system type against the
// observed cpu flags.
func NewCore() Inspector {
	return &coreInspector{params: map[string]query.Descriptor{
		"system-type": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "machine kind, baremetal or vm",
		},
		"hostname": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "resolvable host name used for ssh access",
		},
		"lifespan": {
			Type:        query.KindInt,
			Ops:         query.AllOps(),
			DefaultOp:   query.OpGte,
			Description: "seconds a machine remains valid after provisioning started",
		},
		"start_time": {
			Type:        query.KindTime,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpLt, query.OpLte, query.OpGt, query.OpGte),
			Description: "when provisioning of the machine started",
		},
	}}
}

func (i *coreInspector) Name() string { return "core" }

func (i *coreInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *coreInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	for _, name := range mandatoryAttrs {
		if _, ok := m.Attr(name); !ok {
			logger.Errorf("machine %s is missing mandatory attribute %q: %v", m, name, m.Doc())
		}
	}

	update := state.NewUpdate()
	if _, ok := m.TimeAttr("expire_time"); !ok {
		start, okStart := m.StartTime()
		lifespan, okSpan := m.Lifespan()
		if okStart && okSpan {
			update.Set("expire_time", start.Add(time.Duration(lifespan)*time.Second))
		}
	}

	if flags := stringsAttr(m, "cpu-flags"); flags != nil {
		detected := SystemTypeBareMetal
		for _, flag := range flags {
			if flag == "hypervisor" {
				detected = SystemTypeVM
				break
			}
		}
		declared, ok := m.StringAttr("system-type")
		switch {
		case !ok:
			update.Set("system-type", detected)
		case declared != detected:
			logger.Errorf("machine %s declares system-type %q but its cpu flags indicate %q", m, declared, detected)
		}
	}

	if update.Empty() {
		return nil
	}
	return errors.Trace(m.Apply(update))
}

func (i *coreInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(q, i.params)
}

func (i *coreInspector) ProvisionFilter(q query.Query) query.Query { return q }

func (i *coreInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, q, i.params)
}

// stringsAttr reads a list attribute as strings, nil when absent or
// not a string list.
func stringsAttr(m *state.Machine, name string) []string {
	value, ok := m.Attr(name)
	if !ok {
		return nil
	}
	switch list := value.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}
