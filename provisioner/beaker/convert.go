// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package beaker

import (
	"encoding/xml"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/hostpool/query"
)

const (
	systemTypeBareMetal = "baremetal"

	retentionTag   = "scratch"
	kickstartMeta  = "method=nfs harness='restraint-rhts staf'"
	setupTaskName  = "/distribution/dummy"
	holdTaskName   = "/distribution/reservesys"
	disabledChecks = "01_dmesg_check 10_avc_check"
)

// acceptParams declares every query parameter beaker understands.
var acceptParams = map[string]query.Descriptor{
	"system-type": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpNone),
		Description: "system type; beaker only hands out baremetal",
	},
	"cpu-arch": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpNone),
		Description: "cpu architecture, x86_64, aarch64, ppc64le, s390x",
	},
	"cpu-vendor": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpNone),
		Description: "cpu vendor, or an alias like intel, amd, ibm",
	},
	"cpu-model": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpEq, query.OpIn),
		Description: "cpu model id, or a code name like westmere",
	},
	"cpu-flags": {
		Type:        query.KindList,
		Ops:         query.Ops(query.OpNone),
		Description: "cpu flags the machine must have, all of them",
	},
	"memory-total_size": {
		Type:        query.KindInt,
		Ops:         query.Ops(query.OpEq, query.OpLt, query.OpLte, query.OpGt, query.OpGte),
		Description: "memory size in MB",
	},
	"disk-total_size": {
		Type:        query.KindInt,
		Ops:         query.Ops(query.OpEq, query.OpLt, query.OpLte, query.OpGt, query.OpGte),
		Description: "total disk size in GB",
	},
	"disk-number": {
		Type: query.KindInt,
		Ops:  query.Ops(query.OpEq, query.OpLt, query.OpLte, query.OpGt, query.OpGte),
	},
	"numa-node_number": {
		Type: query.KindInt,
		Ops:  query.Ops(query.OpEq, query.OpLt, query.OpLte, query.OpGt, query.OpGte),
	},
	"hvm": {
		Type:        query.KindBool,
		Ops:         query.Ops(query.OpNone),
		Description: "require hardware virtualisation support",
	},
	"sriov": {
		Type:        query.KindBool,
		Ops:         query.Ops(query.OpNone),
		Description: "require an sr-iov capable network device",
	},
	"npiv": {
		Type:        query.KindBool,
		Ops:         query.Ops(query.OpNone),
		Description: "require an npiv capable fibre channel adapter",
	},
	"device_drivers": {
		Type:        query.KindList,
		Ops:         query.Ops(query.OpNone),
		Description: "kernel drivers the machine's devices must use",
	},
	"location": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpNone),
		Description: "pin the request to one named beaker system",
	},
	"beaker-distro": {
		Type:        query.KindString,
		Ops:         query.Ops(query.OpNone),
		Description: "distro name to install, eg RHEL-9.4.0",
	},
	"packages": {
		Type:        query.KindList,
		Ops:         query.Ops(query.OpNone),
		Description: "extra packages to install on the provisioned machine",
	},
}

// opNames renders canonical operators the way hostRequires spells them.
var opNames = map[query.Op]string{
	query.OpEq:  "=",
	query.OpLt:  "<",
	query.OpLte: "<=",
	query.OpGt:  ">",
	query.OpGte: ">=",
}

// cpuModelAlias expands a cpu code name into the model ids it covers.
var cpuModelAlias = map[string][]string{
	"westmere":    {"47", "44", "37"},
	"sandybridge": {"42", "45"},
}

// cpuVendorAlias maps friendly vendor names onto the strings beaker
// records in its inventory.
var cpuVendorAlias = map[string]string{
	"amd":   "AuthenticAMD",
	"ibm":   "IBM",
	"intel": "GenuineIntel",
}

// Driver sets implied by the sriov and npiv capability flags.
var (
	sriovDrivers = []string{"igb", "ixgbe", "be2net", "mlx4_core", "enic"}
	npivDrivers  = []string{"lpfc", "qla2xxx"}
)

// jobXML renders the query as a beaker job document reserving n
// machines, one recipe each.
func jobXML(q query.Query, n int, job JobConfig) (string, error) {
	doc, err := convertQuery(q, n, job)
	if err != nil {
		return "", errors.Trace(err)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Trace(err)
	}
	return xml.Header + string(out) + "\n", nil
}

// convertQuery translates a sanitised query into a beaker job document.
// Queries beaker cannot express come back NotValid, which Available
// turns into plain unavailability.
func convertQuery(q query.Query, n int, job JobConfig) (*jobElement, error) {
	if n < 1 {
		return nil, errors.NotValidf("job for %d machines", n)
	}
	host, err := buildHostRequires(q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	packages, err := buildPackages(q, job)
	if err != nil {
		return nil, errors.Trace(err)
	}
	whiteboard, ok := q.Str("whiteboard")
	if !ok || whiteboard == "" {
		whiteboard = job.Whiteboard
	}
	recipe := recipeElement{
		Whiteboard:    job.Whiteboard,
		Role:          "None",
		KsMeta:        kickstartMeta,
		KernelOptions: "",
		Autopick:      autopickElement{Random: "false"},
		Watchdog:      watchdogElement{Panic: "ignore"},
		HostRequires:  *host,
		KsAppends: ksAppendsElement{
			Appends: []ksAppendElement{{Text: job.KickstartAppend}},
		},
		Repos:          reposElement{},
		DistroRequires: buildDistroRequires(q),
		Packages:       packages,
		Tasks:          holdTasks(),
	}
	doc := &jobElement{
		RetentionTag: retentionTag,
		Group:        job.Group,
		Whiteboard:   whiteboard,
		RecipeSet:    recipeSetElement{Priority: "Normal"},
	}
	for i := 0; i < n; i++ {
		doc.RecipeSet.Recipes = append(doc.RecipeSet.Recipes, recipe)
	}
	return doc, nil
}

// buildHostRequires translates the machine constraints. A location
// parameter pins a single named system and admits no other constraint.
func buildHostRequires(q query.Query) (*hostRequiresElement, error) {
	if location, ok := q.Str("location"); ok {
		for _, name := range q.Names() {
			if name == "location" {
				continue
			}
			if _, declared := acceptParams[name]; declared {
				return nil, errors.NotValidf("parameter %q alongside location", name)
			}
		}
		return &hostRequiresElement{Force: location}, nil
	}

	and := &andElement{}
	if systemType, ok := q.Str("system-type"); ok && systemType != systemTypeBareMetal {
		return nil, errors.NotValidf("system type %q", systemType)
	}
	// An empty hypervisor means the system runs on bare metal.
	and.add("hypervisor", "=", "")
	if arch, ok := q.Str("cpu-arch"); ok {
		and.add("arch", "=", arch)
	}
	if err := and.addRange(q, "memory-total_size", "memory", false); err != nil {
		return nil, errors.Trace(err)
	}
	for _, flag := range listParam(q, "cpu-flags") {
		and.addExtra("CPUFLAGS", "=", flag)
	}
	if boolParam(q, "hvm") {
		and.addExtra("HVM", "=", "1")
	}
	if err := and.addRange(q, "disk-total_size", "DISKSPACE", true); err != nil {
		return nil, errors.Trace(err)
	}
	if err := and.addRange(q, "disk-number", "NR_DISKS", true); err != nil {
		return nil, errors.Trace(err)
	}
	if err := and.addRange(q, "numa-node_number", "numa_node_count", true); err != nil {
		return nil, errors.Trace(err)
	}
	and.Groups = append(and.Groups, cpuGroups(q)...)
	if group := deviceGroup(q); group != nil {
		and.Groups = append(and.Groups, *group)
	}
	return &hostRequiresElement{And: and}, nil
}

// cpuGroups builds the or-groups constraining cpu model and vendor,
// expanding code name aliases into the ids beaker knows.
func cpuGroups(q query.Query) []orElement {
	var groups []orElement
	if leaf, ok := q["cpu-model"]; ok {
		group := orElement{}
		for _, model := range cpuModels(leaf) {
			group.CPUs = append(group.CPUs, cpuElement{
				Check: requirement{XMLName: xml.Name{Local: "model"}, Op: "=", Value: model},
			})
		}
		if len(group.CPUs) > 0 {
			groups = append(groups, group)
		}
	}
	if vendor, ok := q.Str("cpu-vendor"); ok {
		if alias, found := cpuVendorAlias[vendor]; found {
			vendor = alias
		}
		groups = append(groups, orElement{CPUs: []cpuElement{{
			Check: requirement{XMLName: xml.Name{Local: "vendor"}, Op: "=", Value: vendor},
		}}})
	}
	return groups
}

func cpuModels(leaf query.Leaf) []string {
	var raw []string
	if leaf.IsBare() {
		raw = []string{leaf.Value().String()}
	} else {
		if v, ok := leaf.Cond(query.OpEq); ok {
			raw = append(raw, v.String())
		}
		if v, ok := leaf.Cond(query.OpIn); ok {
			for _, item := range v.Items() {
				raw = append(raw, item.String())
			}
		}
	}
	var models []string
	for _, model := range raw {
		if alias, ok := cpuModelAlias[model]; ok {
			models = append(models, alias...)
		} else {
			models = append(models, model)
		}
	}
	return models
}

// deviceGroup builds the or-group constraining device drivers. The
// sriov and npiv flags imply the driver sets of the devices that carry
// those capabilities.
func deviceGroup(q query.Query) *orElement {
	drivers := set.NewStrings(listParam(q, "device_drivers")...)
	if boolParam(q, "sriov") {
		drivers = drivers.Union(set.NewStrings(sriovDrivers...))
	}
	if boolParam(q, "npiv") {
		drivers = drivers.Union(set.NewStrings(npivDrivers...))
	}
	if drivers.IsEmpty() {
		return nil
	}
	group := &orElement{}
	for _, driver := range drivers.SortedValues() {
		group.Devices = append(group.Devices, deviceElement{
			Driver: requirement{XMLName: xml.Name{Local: "driver"}, Op: "=", Value: driver},
		})
	}
	return group
}

func buildDistroRequires(q query.Query) distroRequiresElement {
	and := andElement{}
	and.add("distro_variant", "=", "Server")
	if arch, ok := q.Str("cpu-arch"); ok {
		and.add("distro_arch", "=", arch)
	}
	if distro, ok := q.Str("beaker-distro"); ok {
		and.add("distro_name", "=", distro)
	}
	return distroRequiresElement{And: and}
}

func buildPackages(q query.Query, job JobConfig) (packagesElement, error) {
	names := set.NewStrings(job.Packages...)
	if leaf, ok := q["packages"]; ok {
		if !leaf.IsBare() || leaf.Value().Kind() != query.KindList {
			return packagesElement{}, errors.NotValidf("non-list packages value")
		}
		for _, name := range leaf.Value().Strings() {
			names.Add(name)
		}
	}
	out := packagesElement{}
	for _, name := range names.SortedValues() {
		out.Packages = append(out.Packages, packageElement{Name: name})
	}
	return out, nil
}

// holdTasks reserve the machine once installed: a throwaway setup task,
// then reservesys, both with the noisy restraint checks disabled.
func holdTasks() []taskElement {
	params := paramsElement{Params: []paramElement{
		{Name: "RSTRNT_DISABLED", Value: disabledChecks},
	}}
	return []taskElement{
		{Name: setupTaskName, Role: "STANDALONE", Params: params},
		{Name: holdTaskName, Role: "STANDALONE", Params: params},
	}
}

func boolParam(q query.Query, name string) bool {
	leaf, ok := q[name]
	return ok && leaf.IsBare() &&
		leaf.Value().Kind() == query.KindBool && leaf.Value().Bool()
}

func listParam(q query.Query, name string) []string {
	leaf, ok := q[name]
	if !ok || !leaf.IsBare() {
		return nil
	}
	switch leaf.Value().Kind() {
	case query.KindList:
		return leaf.Value().Strings()
	case query.KindString:
		return []string{leaf.Value().Str()}
	}
	return nil
}

func (a *andElement) add(name, op, value string) {
	a.Requirements = append(a.Requirements, requirement{
		XMLName: xml.Name{Local: name}, Op: op, Value: value,
	})
}

func (a *andElement) addExtra(key, op, value string) {
	a.Requirements = append(a.Requirements, requirement{
		XMLName: xml.Name{Local: "key_value"}, Key: key, Op: op, Value: value,
	})
}

// addRange copies every operator condition of the named parameter onto
// the group, as a direct element or a key_value row.
func (a *andElement) addRange(q query.Query, param, target string, extra bool) error {
	leaf, ok := q[param]
	if !ok {
		return nil
	}
	type row struct{ op, value string }
	var rows []row
	if leaf.IsBare() {
		rows = []row{{"=", leaf.Value().String()}}
	} else {
		for _, op := range leaf.Ops() {
			name, known := opNames[op]
			if !known {
				return errors.NotValidf("operator %s for %q", op, param)
			}
			v, _ := leaf.Cond(op)
			rows = append(rows, row{name, v.String()})
		}
	}
	for _, r := range rows {
		if extra {
			a.addExtra(target, r.op, r.value)
		} else {
			a.add(target, r.op, r.value)
		}
	}
	return nil
}

// The job document, matching the XML schema bkr job-submit expects.
type jobElement struct {
	XMLName      xml.Name `xml:"job"`
	RetentionTag string   `xml:"retention_tag,attr"`
	Group        string   `xml:"group,attr"`
	Whiteboard   string   `xml:"whiteboard"`
	RecipeSet    recipeSetElement
}

type recipeSetElement struct {
	XMLName  xml.Name `xml:"recipeSet"`
	Priority string   `xml:"priority,attr"`
	Recipes  []recipeElement
}

type recipeElement struct {
	XMLName        xml.Name `xml:"recipe"`
	Whiteboard     string   `xml:"whiteboard,attr"`
	Role           string   `xml:"role,attr"`
	KsMeta         string   `xml:"ks_meta,attr"`
	KernelOptions  string   `xml:"kernel_options,attr"`
	Autopick       autopickElement
	Watchdog       watchdogElement
	HostRequires   hostRequiresElement
	KsAppends      ksAppendsElement
	Repos          reposElement
	DistroRequires distroRequiresElement
	Packages       packagesElement
	Tasks          []taskElement
}

type autopickElement struct {
	XMLName xml.Name `xml:"autopick"`
	Random  string   `xml:"random,attr"`
}

type watchdogElement struct {
	XMLName xml.Name `xml:"watchdog"`
	Panic   string   `xml:"panic,attr"`
}

type hostRequiresElement struct {
	XMLName xml.Name `xml:"hostRequires"`
	Force   string   `xml:"force,attr,omitempty"`
	And     *andElement
}

type andElement struct {
	XMLName      xml.Name `xml:"and"`
	Requirements []requirement
	Groups       []orElement
}

type orElement struct {
	XMLName xml.Name `xml:"or"`
	CPUs    []cpuElement
	Devices []deviceElement
}

type cpuElement struct {
	XMLName xml.Name `xml:"cpu"`
	Check   requirement
}

type deviceElement struct {
	XMLName xml.Name `xml:"device"`
	Driver  requirement
}

// requirement is one operator row. A set Key makes it a key_value
// element; otherwise XMLName names the element itself.
type requirement struct {
	XMLName xml.Name
	Key     string `xml:"key,attr,omitempty"`
	Op      string `xml:"op,attr"`
	Value   string `xml:"value,attr"`
}

type ksAppendsElement struct {
	XMLName xml.Name `xml:"ks_appends"`
	Appends []ksAppendElement
}

type ksAppendElement struct {
	XMLName xml.Name `xml:"ks_append"`
	Text    string   `xml:",cdata"`
}

type reposElement struct {
	XMLName xml.Name `xml:"repos"`
}

type distroRequiresElement struct {
	XMLName xml.Name `xml:"distroRequires"`
	And     andElement
}

type packagesElement struct {
	XMLName  xml.Name `xml:"packages"`
	Packages []packageElement
}

type packageElement struct {
	XMLName xml.Name `xml:"package"`
	Name    string   `xml:"name,attr"`
}

type taskElement struct {
	XMLName xml.Name `xml:"task"`
	Name    string   `xml:"name,attr"`
	Role    string   `xml:"role,attr"`
	Params  paramsElement
}

type paramsElement struct {
	XMLName xml.Name `xml:"params"`
	Params  []paramElement
}

type paramElement struct {
	XMLName xml.Name `xml:"param"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}
