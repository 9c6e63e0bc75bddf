// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package housekeeper keeps the pool clean. A periodic pass first
// tears down machines whose expire_time has passed, then deletes dead
// records that no task owns and no client can reach. Machines already
// being torn down are left to their task.
package housekeeper

import (
	"math/rand"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/hostpool/pubsub/lifecycle"
	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
)

var logger = loggo.GetLogger("hostpool.worker.housekeeper")

// Config holds the collaborators and tuning of the house keeper.
type Config struct {
	Deps   task.Deps
	Engine *task.Engine
	Hub    *pubsub.SimpleHub

	// Interval is the nominal time between sweeps; each actual wait is
	// jittered around it. The expiry sweep also uses it as the bound on
	// how long to wait for the teardowns it starts.
	Interval time.Duration
}

// Validate is part of the usual config validation contract.
func (config Config) Validate() error {
	if err := config.Deps.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Worker runs the sweeps on a timer until killed.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// New returns a started house keeper.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	timer := w.config.Deps.Clock.NewTimer(w.interval())
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.sweep(); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.interval())
		}
	}
}

// interval jitters the configured period so daemons sharing a store do
// not sweep in lockstep.
func (w *Worker) interval() time.Duration {
	return w.config.Interval + jitter(w.config.Interval/10)
}

func jitter(amount time.Duration) time.Duration {
	return time.Duration((rand.Float64() - 0.5) * float64(amount))
}

// sweep runs both passes and publishes the summary. The dead sweep
// runs second so records orphaned by a teardown that failed within the
// wait window still count as dead on the next pass, not this one.
func (w *Worker) sweep() error {
	expired, err := w.expirySweep()
	if err != nil {
		return errors.Trace(err)
	}
	dead, err := w.deadSweep()
	if err != nil {
		return errors.Trace(err)
	}
	if expired > 0 || dead > 0 {
		logger.Infof("swept the pool: %d expired machines sent to teardown, %d dead machines deleted", expired, dead)
	}
	w.config.Hub.Publish(lifecycle.SweepTopic, &lifecycle.SweepEvent{
		Expired: expired,
		Dead:    dead,
	})
	return nil
}

// expirySweep starts a teardown task for every machine past its
// expire_time, cancelling whatever other tasks still hold it. Machines
// already carrying a teardown descriptor are left alone. The sweep
// waits out the started teardowns up to one interval; stragglers
// finish in the background and the next sweep skips them.
func (w *Worker) expirySweep() (int, error) {
	clk := w.config.Deps.Clock
	now := clk.Now()
	machines, err := w.config.Deps.Pool.FindMachines(bson.D{
		{Name: "expire_time", Value: bson.D{{Name: "$lte", Value: now}}},
	}, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}

	var due []*state.Machine
	cancelled := set.NewStrings()
	for _, m := range machines {
		refs := m.Tasks()
		if hasTeardown(refs) {
			continue
		}
		c, err := w.clearTasks(m, refs)
		if err != nil {
			return 0, errors.Trace(err)
		}
		cancelled = cancelled.Union(c)
		due = append(due, m)
	}
	if len(due) == 0 {
		return 0, nil
	}
	logger.Debugf("%d machines expired at %s", len(due), now.Format(time.RFC3339))

	deadline := now.Add(w.config.Interval)
	if !cancelled.IsEmpty() {
		if err := w.awaitTasks(cancelled, deadline); err != nil {
			return 0, errors.Trace(err)
		}
		// The cancelled tasks detached their descriptors through their
		// own handles; refresh ours so the engine's conflict check sees
		// the store's current view.
		alive := due[:0]
		for _, m := range due {
			if err := m.Refresh(); errors.Is(err, state.ErrRemoved) {
				continue
			} else if err != nil {
				return 0, errors.Trace(err)
			}
			alive = append(alive, m)
		}
		due = alive
	}

	started := 0
	teardowns := set.NewStrings()
	for _, m := range due {
		t, err := task.NewTeardown(w.config.Deps, []*state.Machine{m}, query.Query{})
		if err != nil {
			logger.Errorf("cannot build teardown for expired machine %s: %v", m, err)
			continue
		}
		if err := w.config.Engine.StartTask(t); err != nil {
			logger.Errorf("cannot tear down expired machine %s: %v", m, err)
			continue
		}
		teardowns.Add(t.UUID())
		started++
	}
	if err := w.awaitTasks(teardowns, deadline); err != nil {
		return 0, errors.Trace(err)
	}
	return started, nil
}

func hasTeardown(refs map[string]state.TaskRef) bool {
	for _, ref := range refs {
		if ref.Type == string(task.KindTeardown) {
			return true
		}
	}
	return false
}

// clearTasks cancels the running tasks attached to a machine about to
// be torn down. A descriptor whose task is not running is a leftover
// of an interrupted process that Resume could not rebuild; it is
// detached so it cannot hold the machine busy forever.
func (w *Worker) clearTasks(m *state.Machine, refs map[string]state.TaskRef) (set.Strings, error) {
	cancelled := set.NewStrings()
	for uuid, ref := range refs {
		if w.config.Engine.CancelTask(uuid) {
			logger.Debugf("cancelling %s task %s holding expired machine %s", ref.Type, uuid, m)
			cancelled.Add(uuid)
			continue
		}
		logger.Warningf("detaching stale %s task %s from expired machine %s", ref.Type, uuid, m)
		if err := m.DetachTask(uuid); err != nil && !errors.Is(err, state.ErrRemoved) {
			return nil, errors.Trace(err)
		}
	}
	return cancelled, nil
}

// awaitTasks blocks until every named task has finished, the deadline
// passes or the worker is dying. Tasks still running at the deadline
// are left to finish in the background.
func (w *Worker) awaitTasks(uuids set.Strings, deadline time.Time) error {
	if uuids.IsEmpty() {
		return nil
	}
	clk := w.config.Deps.Clock
	remaining := deadline.Sub(clk.Now())
	if remaining <= 0 {
		logger.Debugf("sweep window already spent, leaving %d tasks running", uuids.Size())
		return nil
	}

	watched := set.NewStrings(uuids.Values()...)
	done := make(chan string, watched.Size())
	unsubscribe := w.config.Hub.Subscribe(lifecycle.TaskDoneTopic, func(_ string, payload interface{}) {
		if ev, ok := payload.(*lifecycle.TaskEvent); ok && watched.Contains(ev.UUID) {
			done <- ev.UUID
		}
	})
	defer unsubscribe()

	// Tasks that finished before the subscription are no longer in the
	// engine's table; the rest publish their done event to us.
	pending := set.NewStrings(uuids.Values()...)
	for _, uuid := range pending.Values() {
		if _, ok := w.config.Engine.Task(uuid); !ok {
			pending.Remove(uuid)
		}
	}
	if pending.IsEmpty() {
		return nil
	}

	timeout := clk.After(remaining)
	for !pending.IsEmpty() {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case uuid := <-done:
			pending.Remove(uuid)
		case <-timeout:
			logger.Debugf("%d tasks still running at the end of the sweep window", pending.Size())
			return nil
		}
	}
	return nil
}

// deadSweep deletes machines no task owns and no request can use.
// They are the wreckage of failed or interrupted tasks; anything worth
// keeping would be in ready or carry a descriptor.
func (w *Worker) deadSweep() (int, error) {
	machines, err := w.config.Deps.Pool.FindMachines(bson.D{
		{Name: "status", Value: bson.D{{Name: "$ne", Value: string(state.StatusReady)}}},
	}, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	removed := 0
	for _, m := range machines {
		if len(m.Tasks()) > 0 {
			continue
		}
		status := m.Status()
		if err := m.Remove(); err != nil {
			return 0, errors.Trace(err)
		}
		logger.Debugf("deleted dead machine %s (was %s)", m, status)
		removed++
	}
	return removed, nil
}
