// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package beaker provisions machines from a Beaker lab through the
// bkr command line client. A hardware query is converted into a job
// XML document whose recipes install and reserve one system per
// requested machine; the job is then polled until every recipe holds
// a reserved system, resubmitting a fresh job when beaker aborts or
// fails the previous one.
package beaker

import (
	"context"
	"math"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/retry"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.provisioner.beaker")

// Name is the provisioner name machines are stamped with.
const Name = "beaker"

// DefaultLifespan is how long, in seconds, a provisioned machine may
// live when the query does not say otherwise.
const DefaultLifespan int64 = 86400

// provisionCost is a flat estimate in seconds; beaker queue times are
// not predictable enough to refine per query.
const provisionCost = 100

// startTimeLayout is the timestamp format of recipe start_time attrs.
const startTimeLayout = "2006-01-02 15:04:05"

// errAttemptFailed tells the provision loop to submit a fresh job.
var errAttemptFailed = errors.New("provision attempt failed")

// Provisioner drives a Beaker hub through the bkr client.
type Provisioner struct {
	config Config
}

// New returns a beaker provisioner using the given configuration.
func New(config Config) (*Provisioner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.Run == nil {
		config.Run = runBkr
	}
	config.Job = config.Job.withDefaults()
	return &Provisioner{config: config}, nil
}

// Name is part of the provisioner.Provisioner interface.
func (p *Provisioner) Name() string {
	return Name
}

// Parameters is part of the provisioner.Provisioner interface.
func (p *Provisioner) Parameters() map[string]query.Descriptor {
	return acceptParams
}

// Available is part of the provisioner.Provisioner interface. A query
// is serviceable when it converts to a valid job document.
func (p *Provisioner) Available(q query.Query) bool {
	if _, err := convertQuery(q, 1, p.config.Job); err != nil {
		logger.Tracef("query not serviceable by beaker: %v", err)
		return false
	}
	return true
}

// Cost is part of the provisioner.Provisioner interface.
func (p *Provisioner) Cost(q query.Query) float64 {
	if !p.Available(q) {
		return math.Inf(1)
	}
	return provisionCost
}

// Provision is part of the provisioner.Provisioner interface. It
// submits a job for len(machines) systems and fills the machines in
// from the recipes once the job succeeds.
func (p *Provisioner) Provision(ctx context.Context, machines []*state.Machine, q query.Query) error {
	return p.provisionLoop(ctx, machines, q, "")
}

// Resume is part of the provisioner.Provisioner interface. It picks
// up polling the job recorded on the machines, or submits a fresh one
// when no job was recorded before the interruption.
func (p *Provisioner) Resume(ctx context.Context, machines []*state.Machine, q query.Query) error {
	ids := p.jobIDs(machines)
	if n := ids.Size(); n > 1 {
		return errors.Errorf("cannot resume %d beaker jobs at one time", n)
	}
	jobID := ""
	if !ids.IsEmpty() {
		jobID = ids.SortedValues()[0]
	}
	return p.provisionLoop(ctx, machines, q, jobID)
}

// Teardown is part of the provisioner.Provisioner interface. It
// cancels every job the machines were provisioned from, releasing the
// reserved systems.
func (p *Provisioner) Teardown(ctx context.Context, machines []*state.Machine, q query.Query) error {
	for _, jobID := range p.jobIDs(machines).SortedValues() {
		if err := p.cancel(ctx, jobID); err != nil {
			return errors.Annotatef(err, "cancelling beaker job %s", jobID)
		}
		logger.Infof("cancelled beaker job %s", p.jobRef(jobID))
	}
	return nil
}

// IsTornDown is part of the provisioner.Provisioner interface. The
// machines are torn down once every recipe of every recorded job has
// reached a terminal status.
func (p *Provisioner) IsTornDown(ctx context.Context, machines []*state.Machine, q query.Query) (bool, error) {
	for _, jobID := range p.jobIDs(machines).SortedValues() {
		out, err := p.config.Run(ctx, "", "job-results", jobID)
		if err != nil {
			return false, errors.Annotatef(err, "reading results of beaker job %s", jobID)
		}
		recipes, err := parseRecipes(out)
		if err != nil {
			return false, errors.Trace(err)
		}
		for _, r := range recipes {
			if !terminalStatuses.Contains(r.Status) {
				return false, nil
			}
		}
	}
	return true, nil
}

// jobIDs collects the distinct job ids recorded on the machines.
func (p *Provisioner) jobIDs(machines []*state.Machine) set.Strings {
	ids := set.NewStrings()
	for _, m := range machines {
		if id, ok := m.StringAttr("meta.beaker-job_id"); ok && id != "" {
			ids.Add(id)
		}
	}
	return ids
}

// provisionLoop submits (or adopts) a job and polls it to completion,
// resubmitting up to MaxAttempts times when beaker fails the job or
// returns the wrong number of recipes.
func (p *Provisioner) provisionLoop(ctx context.Context, machines []*state.Machine, q query.Query, jobID string) error {
	doc, err := jobXML(q, len(machines), p.config.Job)
	if err != nil {
		return errors.Trace(err)
	}
	var recipes []recipe
	failures := 0
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			if jobID == "" {
				id, err := p.submit(ctx, doc)
				if err != nil {
					return errors.Trace(err)
				}
				jobID = id
			}
			for _, m := range machines {
				err := m.SetFields(bson.D{
					{Name: "meta.beaker-job_id", Value: jobID},
					{Name: "meta.beaker-failure_count", Value: failures},
				})
				if err != nil {
					return errors.Trace(err)
				}
			}
			rs, err := p.waitJob(ctx, jobID)
			if err != nil {
				return errors.Trace(err)
			}
			if len(rs) == len(machines) {
				recipes = rs
				return nil
			}
			if rs != nil {
				logger.Errorf("expecting %d machine(s) from beaker job %s, got %d",
					len(machines), p.jobRef(jobID), len(rs))
				if err := p.cancel(ctx, jobID); err != nil {
					logger.Errorf("cannot cancel beaker job %s: %v", jobID, err)
				}
			}
			jobID = ""
			failures++
			return errAttemptFailed
		},
		IsFatalError: func(err error) bool { return !errors.Is(err, errAttemptFailed) },
		NotifyFunc: func(_ error, attempt int) {
			logger.Errorf("beaker provision attempt %d failed", attempt)
		},
		Attempts: p.config.MaxAttempts,
		Delay:    p.config.PollInterval,
		Clock:    p.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if retry.IsRetryStopped(err) {
			return errors.Trace(ctx.Err())
		}
		if retry.IsAttemptsExceeded(err) {
			return errors.Errorf("failed to retrieve %d machine(s) with the given query from beaker", len(machines))
		}
		return errors.Trace(err)
	}
	for i, r := range recipes {
		fields, err := p.machineFields(ctx, r, q)
		if err != nil {
			return errors.Trace(err)
		}
		if err := machines[i].SetFields(fields); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// machineFields assembles the attributes a successful recipe yields,
// combining the recipe's own data with the system inventory.
func (p *Provisioner) machineFields(ctx context.Context, r recipe, q query.Query) (bson.D, error) {
	start, err := time.Parse(startTimeLayout, r.StartTime)
	if err != nil {
		return nil, errors.Annotatef(err, "recipe %s start time %q", r.ID, r.StartTime)
	}
	fields := bson.D{
		{Name: "lifespan", Value: q.Int("provision-lifespan", DefaultLifespan)},
		{Name: "start_time", Value: start},
		{Name: "cpu-arch", Value: r.Arch},
		{Name: "beaker-distro", Value: r.Distro},
		{Name: "beaker-distro_family", Value: r.Family},
		{Name: "beaker-distro_variant", Value: r.Variant},
		{Name: "hostname", Value: r.System},
	}
	details, err := p.systemDetails(ctx, r.System)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append(fields, details...), nil
}
