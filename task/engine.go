// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

// restartDelay is required by the runner; task workers finish cleanly
// and are never restarted.
const restartDelay = time.Second

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Deps Deps
	Hub  *pubsub.SimpleHub
}

// Validate is part of the usual config validation contract.
func (config EngineConfig) Validate() error {
	if err := config.Deps.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Engine runs tasks, each in its own worker, and keeps the in-process
// table of what is live right now. The machines' descriptors are the
// only durable record; after a restart Resume rebuilds the table from
// them.
type Engine struct {
	config EngineConfig
	runner *worker.Runner

	mu    sync.Mutex
	tasks map[string]Task
}

// NewEngine returns an engine ready to start and resume tasks. The
// engine is a worker; Kill stops every running task.
func NewEngine(config EngineConfig) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		config: config,
		tasks:  make(map[string]Task),
	}
	e.runner = worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return false },
		RestartDelay: restartDelay,
		Clock:        config.Deps.Clock,
		Logger:       logger,
	})
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.runner.Kill()
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	return e.runner.Wait()
}

// Report returns a snapshot of the running tasks for introspection.
func (e *Engine) Report() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	tasks := make(map[string]interface{}, len(e.tasks))
	for uuid, t := range e.tasks {
		tasks[uuid] = string(t.Kind())
	}
	return map[string]interface{}{
		"tasks": tasks,
	}
}

// Task returns the running task with the given uuid.
func (e *Engine) Task(uuid string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[uuid]
	return t, ok
}

// Tasks returns the running tasks ordered by uuid.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	uuids := make([]string, 0, len(e.tasks))
	for uuid := range e.tasks {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	out := make([]Task, len(uuids))
	for i, uuid := range uuids {
		out[i] = e.tasks[uuid]
	}
	return out
}

func (e *Engine) add(t Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[t.UUID()]; ok {
		return errors.AlreadyExistsf("task %s", t.UUID())
	}
	e.tasks[t.UUID()] = t
	return nil
}

func (e *Engine) remove(uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, uuid)
}

// StartTask attaches the task's descriptor to every owned machine,
// runs OnStart and spawns the routine in its own worker. A machine
// already claimed by a conflicting task rejects the start with
// ErrMachineBusy.
func (e *Engine) StartTask(t Task) error {
	return errors.Trace(e.start(t, false))
}

func (e *Engine) start(t Task, resumed bool) error {
	uuid := t.UUID()
	if !resumed {
		if err := e.checkConflicts(t); err != nil {
			return errors.Trace(err)
		}
	}
	if err := e.add(t); err != nil {
		return errors.Trace(err)
	}

	status := statusRunning
	if resumed {
		status = statusResume
	}
	ref := state.TaskRef{
		Type:   string(t.Kind()),
		Status: status,
		Query:  t.Query().Interface(),
	}

	var attached []*state.Machine
	abort := func(err error) error {
		for _, m := range attached {
			if derr := m.DetachTask(uuid); derr != nil && !errors.Is(derr, state.ErrRemoved) {
				logger.Errorf("cannot roll back descriptor of task %s on machine %s: %v", uuid, m, derr)
			}
		}
		e.remove(uuid)
		return err
	}

	for _, m := range t.Machines() {
		if err := m.AttachTask(uuid, ref); err != nil {
			return abort(errors.Trace(err))
		}
		attached = append(attached, m)
	}
	if err := t.OnStart(); err != nil {
		return abort(errors.Trace(err))
	}
	if err := e.runner.StartWorker(uuid, func() (worker.Worker, error) {
		return e.newTaskWorker(t, resumed), nil
	}); err != nil {
		return abort(errors.Trace(err))
	}

	logger.Debugf("%s task %s started on %s", t.Kind(), uuid, machineNames(t.Machines()))
	e.publish(lifecycle.TaskStartedTopic, t, "", "")
	return nil
}

// checkConflicts rejects the task when any owned machine carries the
// descriptor of a task it may not overlap. A descriptor without a
// running task counts as busy too: only Resume may adopt it.
func (e *Engine) checkConflicts(t Task) error {
	for _, m := range t.Machines() {
		for other, ref := range m.Tasks() {
			if other == t.UUID() {
				continue
			}
			if running, ok := e.Task(other); ok {
				if !running.ConflictsWith(t) && !t.ConflictsWith(running) {
					continue
				}
			}
			return fmt.Errorf("machine %s is busy with %s task %s%w%w",
				m, ref.Type, other, errors.Hide(ErrMachineBusy), errors.Hide(errors.NotValid))
		}
	}
	return nil
}

type taskWorker struct {
	tomb tomb.Tomb
}

func (e *Engine) newTaskWorker(t Task, resumed bool) worker.Worker {
	w := &taskWorker{}
	w.tomb.Go(func() error {
		e.run(&w.tomb, t, resumed)
		return nil
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *taskWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *taskWorker) Wait() error {
	return w.tomb.Wait()
}

// run drives one task through its lifecycle. A routine error runs
// OnFailure and then marks every owned machine failed with the error
// as message; an OnSuccess error does the same. Descriptor removal and
// OnDone always happen, and the task leaves the table before the done
// event fires so waiters observe a consistent order. Engine shutdown
// is the exception: the task is abandoned with descriptors and machine
// state untouched, ready for the next process to resume.
func (e *Engine) run(tmb *tomb.Tomb, t Task, resumed bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.Abort():
			cancel()
		case <-tmb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := t.Routine(&Context{Context: ctx, resumed: resumed})

	if abandoned(tmb, t) {
		e.remove(t.UUID())
		logger.Infof("%s task %s interrupted by shutdown, descriptors kept", t.Kind(), t.UUID())
		return
	}

	if err == nil {
		if herr := t.OnSuccess(); herr != nil {
			err = errors.Annotate(herr, "completing")
		}
	}

	result := lifecycle.ResultSuccess
	message := ""
	if err != nil {
		result = lifecycle.ResultFailed
		if ctx.Err() != nil {
			result = lifecycle.ResultCancelled
		}
		message = err.Error()
		logger.Errorf("%s task %s failed on %s: %v", t.Kind(), t.UUID(), machineNames(t.Machines()), err)
		if herr := t.OnFailure(err); herr != nil {
			logger.Errorf("failure hook of %s task %s: %v", t.Kind(), t.UUID(), herr)
		}
		e.failMachines(t, message)
	}

	// The routine is over; revoke its context before the descriptors
	// go away.
	cancel()

	for _, m := range t.Machines() {
		if derr := m.DetachTask(t.UUID()); derr != nil && !errors.Is(derr, state.ErrRemoved) {
			logger.Errorf("cannot detach task %s from machine %s: %v", t.UUID(), m, derr)
		}
	}
	if derr := t.OnDone(); derr != nil {
		logger.Errorf("done hook of %s task %s: %v", t.Kind(), t.UUID(), derr)
		e.failMachines(t, fmt.Sprintf("task cleanup: %v", derr))
	}

	e.remove(t.UUID())
	logger.Infof("%s task %s finished: %s", t.Kind(), t.UUID(), result)
	e.publish(lifecycle.TaskDoneTopic, t, result, message)
	e.publish(lifecycle.TaskDoneTopicFor(t.UUID()), t, result, message)
}

// abandoned reports whether the engine is shutting down without the
// task itself having been cancelled. Whatever the routine returned,
// shutdown wins: interrupted work is rebuilt from the descriptors on
// the next start, and resuming already-finished work is idempotent.
func abandoned(tmb *tomb.Tomb, t Task) bool {
	select {
	case <-t.Abort():
		return false
	default:
	}
	select {
	case <-tmb.Dying():
		return true
	default:
	}
	return false
}

func (e *Engine) failMachines(t Task, message string) {
	for _, m := range t.Machines() {
		if err := m.Fail(message); err != nil && !errors.Is(err, state.ErrRemoved) {
			logger.Errorf("cannot mark machine %s failed: %v", m, err)
		}
	}
}

func (e *Engine) publish(topic string, t Task, result, message string) {
	_ = e.config.Hub.Publish(topic, &lifecycle.TaskEvent{
		UUID:     t.UUID(),
		Kind:     string(t.Kind()),
		Result:   result,
		Error:    message,
		Machines: magics(t.Machines()),
	})
}

// WaitTask blocks until the named task finishes or the timeout
// elapses; a zero or negative timeout waits indefinitely. A uuid that
// is not running returns immediately.
func (e *Engine) WaitTask(uuid string, timeout time.Duration) error {
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := e.config.Hub.Subscribe(lifecycle.TaskDoneTopicFor(uuid), func(string, interface{}) {
		once.Do(func() { close(done) })
	})
	defer unsubscribe()

	if _, ok := e.Task(uuid); !ok {
		return nil
	}
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-e.config.Deps.Clock.After(timeout):
		return errors.Timeoutf("waiting for task %s", uuid)
	}
}

// CancelTask asks the named task to stop; it reports whether a running
// task was found.
func (e *Engine) CancelTask(uuid string) bool {
	t, ok := e.Task(uuid)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Resume scans the pool for task descriptors and restarts every task
// found, flagged as resumed. Tasks already running are left alone, so
// calling Resume twice is harmless. A descriptor that cannot be
// rebuilt is logged and skipped; its machines keep the descriptor for
// an operator to inspect.
func (e *Engine) Resume() error {
	machines, err := e.config.Deps.Pool.FindMachines(nil, 0)
	if err != nil {
		return errors.Trace(err)
	}

	type pending struct {
		ref      state.TaskRef
		machines []*state.Machine
	}
	found := make(map[string]*pending)
	for _, m := range machines {
		for uuid, ref := range m.Tasks() {
			p, ok := found[uuid]
			if !ok {
				p = &pending{ref: ref}
				found[uuid] = p
			}
			p.machines = append(p.machines, m)
		}
	}
	uuids := make([]string, 0, len(found))
	for uuid := range found {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	for _, uuid := range uuids {
		if _, ok := e.Task(uuid); ok {
			continue
		}
		p := found[uuid]
		t, err := e.rebuild(uuid, p.ref, p.machines)
		if err != nil {
			logger.Errorf("cannot rebuild %s task %s: %v", p.ref.Type, uuid, err)
			continue
		}
		if err := e.start(t, true); err != nil {
			logger.Errorf("cannot resume %s task %s: %v", p.ref.Type, uuid, err)
		}
	}
	return nil
}

// rebuild turns one recorded descriptor back into a typed task.
func (e *Engine) rebuild(uuid string, ref state.TaskRef, machines []*state.Machine) (Task, error) {
	q, err := query.FromDoc(ref.Query)
	if err != nil {
		return nil, errors.Annotate(err, "recorded query")
	}
	deps := e.config.Deps
	switch Kind(ref.Type) {
	case KindProvision:
		p, err := e.resumedProvisioner(machines, q)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newProvision(uuid, deps, machines, q, p)
	case KindInspect:
		return newInspect(uuid, deps, machines, q)
	case KindReserve:
		return newReserve(uuid, deps, machines, q)
	case KindTeardown:
		return newTeardown(uuid, deps, machines, q)
	}
	return nil, errors.NotValidf("task type %q", ref.Type)
}

// resumedProvisioner recovers the provisioner an interrupted provision
// task was using: the name stamped on its machines, or a fresh
// selection when the interruption came before stamping.
func (e *Engine) resumedProvisioner(machines []*state.Machine, q query.Query) (provisioner.Provisioner, error) {
	for _, m := range machines {
		if name := m.Provisioner(); name != "" {
			p, err := e.config.Deps.Provisioners.Provisioner(name)
			return p, errors.Trace(err)
		}
	}
	p, _, err := e.config.Deps.Provisioners.FindAvailable(q)
	return p, errors.Trace(err)
}
