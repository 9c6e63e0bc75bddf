// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

// hugePageFlag is the cpu flag implied by a 1g_hugepage requirement.
const hugePageFlag = "pdpe1gb"

type cpuInspector struct {
	params map[string]query.Descriptor
}

// NewCPU returns the cpu inspector. It reads lscpu output and provides
// the architecture, vendor, model and flag attributes, and rewrites
// the 1g_hugepage requirement into the cpu flag that carries it.
func NewCPU() Inspector {
	return &cpuInspector{params: map[string]query.Descriptor{
		"cpu-arch": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "cpu architecture, x86_64, aarch64, ppc64le, s390x",
		},
		"cpu-vendor": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "cpu vendor, GenuineIntel, AuthenticAMD, IBM",
		},
		"cpu-model": {
			Type:        query.KindString,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "cpu model number, or a code name like sandybridge or westmere",
		},
		"cpu-flags": {
			Type:        query.KindList,
			Ops:         query.Ops(query.OpNone, query.OpEq, query.OpIn),
			Description: "cpu flags the machine must have, all of them",
		},
		"1g_hugepage": {
			Type:        query.KindBool,
			Ops:         query.Ops(query.OpNone, query.OpEq),
			Description: "require 1GiB huge page support (the pdpe1gb cpu flag)",
		},
	}}
}

func (i *cpuInspector) Name() string { return "cpu" }

func (i *cpuInspector) Parameters() map[string]query.Descriptor { return i.params }

func (i *cpuInspector) Inspect(m *state.Machine, conn remote.Connection) error {
	out, err := conn.Output("lscpu")
	if err != nil {
		return errors.Annotate(err, "running lscpu")
	}
	info := parseKeyValues(string(out))

	update := state.NewUpdate()
	if arch, ok := info["Architecture"]; ok {
		update.Set("cpu-arch", arch)
	}
	if vendor, ok := info["Vendor ID"]; ok {
		update.Set("cpu-vendor", vendor)
	}
	if model, ok := info["Model"]; ok {
		update.Set("cpu-model", model)
	}
	if flags, ok := info["Flags"]; ok {
		update.Set("cpu-flags", strings.Fields(flags))
	}
	if update.Empty() {
		return errors.Errorf("lscpu output carried none of the expected fields")
	}
	return errors.Trace(m.Apply(update))
}

func (i *cpuInspector) HardFilter(q query.Query) bson.D {
	return flatFilter(i.rewrite(q), i.params)
}

// ProvisionFilter translates 1g_hugepage=true into the pdpe1gb cpu
// flag so provisioners only ever see concrete cpu requirements.
func (i *cpuInspector) ProvisionFilter(q query.Query) query.Query {
	return i.rewrite(q)
}

func (i *cpuInspector) rewrite(q query.Query) query.Query {
	leaf, ok := q["1g_hugepage"]
	if !ok {
		return q
	}
	out := q.Clone()
	delete(out, "1g_hugepage")
	if !leaf.IsBare() || leaf.Value().Kind() != query.KindBool || !leaf.Value().Bool() {
		return out
	}
	flags := []string{}
	if existing, ok := out["cpu-flags"]; ok && existing.IsBare() {
		switch existing.Value().Kind() {
		case query.KindList:
			flags = existing.Value().Strings()
		case query.KindString:
			flags = []string{existing.Value().Str()}
		}
	}
	for _, flag := range flags {
		if flag == hugePageFlag {
			return out
		}
	}
	flags = append(flags, hugePageFlag)
	out["cpu-flags"] = query.Bare(query.ListValue(flags...))
	return out
}

func (i *cpuInspector) Match(m *state.Machine, q query.Query) bool {
	return flatMatch(m, i.rewrite(q), i.params)
}

// parseKeyValues splits "Key: value" lines the way lscpu and friends
// print them; lines without a colon are skipped.
func parseKeyValues(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		info[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return info
}
