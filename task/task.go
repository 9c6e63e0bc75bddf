// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package task implements the units of work the broker runs against
// sets of machines: provisioning, inspection, reservation and
// teardown. A task owns its machines for its whole life and records
// itself in a descriptor on each of them; the descriptors are the only
// durable task state, and the engine rebuilds interrupted tasks from
// them after a restart.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.task")

// ErrMachineBusy reports that a machine already carries the descriptor
// of a task that may not overlap the new one.
const ErrMachineBusy = errors.ConstError("machine busy")

// Kind names a task variety. The kind is recorded in descriptors and
// selects the constructor when an interrupted task is rebuilt.
type Kind string

const (
	KindProvision Kind = "provision"
	KindInspect   Kind = "inspect"
	KindReserve   Kind = "reserve"
	KindTeardown  Kind = "teardown"
)

// Descriptor statuses. A freshly started task records "running"; a
// task rebuilt after a restart records "resume".
const (
	statusRunning = "running"
	statusResume  = "resume"
)

// Checker runs the inspection pipeline over one machine. Satisfied by
// inspector.Checker.
type Checker interface {
	PerformCheck(m *state.Machine, abort <-chan struct{}) error
}

// Deps carries the collaborators the task kinds draw on.
type Deps struct {
	Pool         *state.Pool
	Clock        clock.Clock
	Checker      Checker
	Provisioners *provisioner.Registry
}

// Validate is part of the usual config validation contract.
func (deps Deps) Validate() error {
	if deps.Pool == nil {
		return errors.NotValidf("nil Pool")
	}
	if deps.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if deps.Checker == nil {
		return errors.NotValidf("nil Checker")
	}
	if deps.Provisioners == nil {
		return errors.NotValidf("nil Provisioners")
	}
	return nil
}

// Context is handed to a task routine. It cancels when the task is
// cancelled or the engine shuts down, and records whether the routine
// is re-running after a restart.
type Context struct {
	context.Context
	resumed bool
}

// Resumed reports whether the task was rebuilt from descriptors rather
// than started fresh.
func (ctx *Context) Resumed() bool {
	return ctx.resumed
}

// Task is one unit of work over a fixed set of machines. The engine
// drives the lifecycle: descriptors are attached and OnStart runs
// before the routine is spawned; when the routine errors, OnFailure
// runs and then every owned machine is marked failed; when it returns
// nil, OnSuccess runs and its error downgrades the task to failed.
// Descriptors are removed and OnDone runs in every case.
type Task interface {
	// UUID is the task's stable identity; machines record it in their
	// descriptors.
	UUID() string

	// Kind names the task variety.
	Kind() Kind

	// Machines returns the machines the task owns.
	Machines() []*state.Machine

	// Query returns the sanitised query parameterising the task.
	Query() query.Query

	// OnStart runs before the routine is spawned.
	OnStart() error

	// Routine is the task body. It returns promptly once ctx is done.
	Routine(ctx *Context) error

	// OnSuccess runs after the routine returns nil.
	OnSuccess() error

	// OnFailure runs after the routine errors, before the machines are
	// marked failed.
	OnFailure(reason error) error

	// OnDone always runs last, after the descriptors are removed.
	OnDone() error

	// Cancel asks the running routine to stop. It is idempotent and
	// never blocks; cancellation on its own mutates no machine state.
	Cancel()

	// Abort is closed once Cancel has been called.
	Abort() <-chan struct{}

	// ConflictsWith reports whether the task may not share a machine
	// with other.
	ConflictsWith(other Task) bool
}

// RegisterParameters merges the parameter declarations contributed by
// the task kinds into the public query schema.
func RegisterParameters(reg *query.Registry) error {
	if err := reg.Register(query.SourceTask, string(KindProvision), provisionParams()); err != nil {
		return errors.Trace(err)
	}
	if err := reg.Register(query.SourceTask, string(KindReserve), reserveParams()); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// common implements the parts of Task shared by every kind.
type common struct {
	uuid     string
	kind     Kind
	machines []*state.Machine
	query    query.Query

	abort     chan struct{}
	abortOnce sync.Once
}

// newCommon sanitises the query against the kind's own parameter
// declarations and materialises their defaults, so the descriptor
// recorded on the machines carries everything a resumed task needs.
func newCommon(uuid string, kind Kind, machines []*state.Machine, q query.Query, params map[string]query.Descriptor) (common, error) {
	if uuid == "" {
		return common{}, errors.NotValidf("task without uuid")
	}
	if len(machines) == 0 {
		return common{}, errors.NotValidf("%s task without machines", kind)
	}
	if q == nil {
		q = query.Query{}
	}
	sanitised, err := query.SanitizeFor(q, params)
	if err != nil {
		return common{}, errors.Trace(err)
	}
	return common{
		uuid:     uuid,
		kind:     kind,
		machines: machines,
		query:    withDefaults(sanitised, params),
		abort:    make(chan struct{}),
	}, nil
}

// withDefaults fills the declared parameters absent from the query
// with their defaults, dynamic ones first.
func withDefaults(q query.Query, params map[string]query.Descriptor) query.Query {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := q.Clone()
	for _, name := range names {
		if _, ok := out[name]; ok {
			continue
		}
		d := params[name]
		v := d.Default
		if d.DefaultFunc != nil {
			if dv := d.DefaultFunc(out); !dv.IsZero() {
				v = dv
			}
		}
		if v.IsZero() {
			continue
		}
		out[name] = query.Bare(v)
	}
	return out
}

// UUID is part of the Task interface.
func (t *common) UUID() string {
	return t.uuid
}

// Kind is part of the Task interface.
func (t *common) Kind() Kind {
	return t.kind
}

// Machines is part of the Task interface.
func (t *common) Machines() []*state.Machine {
	return t.machines
}

// Query is part of the Task interface.
func (t *common) Query() query.Query {
	return t.query
}

// OnStart is part of the Task interface.
func (t *common) OnStart() error {
	return nil
}

// OnSuccess is part of the Task interface.
func (t *common) OnSuccess() error {
	return nil
}

// OnFailure is part of the Task interface.
func (t *common) OnFailure(error) error {
	return nil
}

// OnDone is part of the Task interface.
func (t *common) OnDone() error {
	return nil
}

// Cancel is part of the Task interface.
func (t *common) Cancel() {
	t.abortOnce.Do(func() {
		close(t.abort)
	})
}

// Abort is part of the Task interface.
func (t *common) Abort() <-chan struct{} {
	return t.abort
}

// ConflictsWith is part of the Task interface. At most one task runs
// per machine unless both sides opt out.
func (t *common) ConflictsWith(Task) bool {
	return true
}

func (t *common) String() string {
	return fmt.Sprintf("%s task %s", t.kind, t.uuid)
}

func magics(machines []*state.Machine) []string {
	out := make([]string, len(machines))
	for i, m := range machines {
		out[i] = m.Magic()
	}
	return out
}

func machineNames(machines []*state.Machine) string {
	names := make([]string, len(machines))
	for i, m := range machines {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
