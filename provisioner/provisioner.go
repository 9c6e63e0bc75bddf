// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provisioner defines the back-end provider interface and the
// registry that arbitrates between providers by cost.
package provisioner

import (
	"context"
	"fmt"
	"math"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/hostpool/query"
	"github.com/juju/hostpool/state"
)

var logger = loggo.GetLogger("hostpool.provisioner")

// ErrNoProvisioner reports that no registered provisioner can satisfy
// a query.
const ErrNoProvisioner = errors.ConstError("no provisioner available")

// Provisioner acquires and releases machines from an external
// back end. Provision, Resume and Teardown are long running and honour
// context cancellation; Available and Cost are cheap and synchronous.
type Provisioner interface {
	// Name is the stable identifier stored in machine.provisioner.
	Name() string

	// Parameters declares the query parameters this provisioner
	// understands.
	Parameters() map[string]query.Descriptor

	// Available reports whether the provisioner can serve the query.
	// It never errors; a query it cannot validate is unavailable.
	Available(q query.Query) bool

	// Cost estimates the provisioning cost in seconds; +Inf denotes
	// unavailability.
	Cost(q query.Query) float64

	// Provision acquires machines satisfying the query. On success
	// every machine carries hostname, cpu-arch, start_time and the
	// provider's meta fields.
	Provision(ctx context.Context, machines []*state.Machine, q query.Query) error

	// Resume re-attaches to provisioning started by an earlier
	// process, using the external job handles in the machines' meta.
	Resume(ctx context.Context, machines []*state.Machine, q query.Query) error

	// Teardown releases the machines' external resources. It is
	// idempotent and may be called for machines already released.
	Teardown(ctx context.Context, machines []*state.Machine, q query.Query) error

	// IsTornDown reports whether the external resources were already
	// released behind the broker's back.
	IsTornDown(ctx context.Context, machines []*state.Machine, q query.Query) (bool, error)
}

// Registry holds provisioners in registration order.
type Registry struct {
	provisioners []Provisioner
	names        map[string]bool
}

// NewRegistry returns a registry over the given provisioners, in order.
func NewRegistry(provisioners ...Provisioner) (*Registry, error) {
	r := &Registry{names: make(map[string]bool)}
	for _, p := range provisioners {
		if err := r.Register(p); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return r, nil
}

// Register appends a provisioner to the registry.
func (r *Registry) Register(p Provisioner) error {
	name := p.Name()
	if r.names[name] {
		return errors.AlreadyExistsf("provisioner %q", name)
	}
	r.names[name] = true
	r.provisioners = append(r.provisioners, p)
	return nil
}

// Provisioners returns the registered provisioners in order.
func (r *Registry) Provisioners() []Provisioner {
	return append([]Provisioner(nil), r.provisioners...)
}

// Names returns the provisioner names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.provisioners))
	for i, p := range r.provisioners {
		names[i] = p.Name()
	}
	return names
}

// Provisioner returns the named provisioner, as recorded in a
// machine's provisioner field.
func (r *Registry) Provisioner(name string) (Provisioner, error) {
	for _, p := range r.provisioners {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errors.NotFoundf("provisioner %q", name)
}

// RegisterParameters merges every provisioner's parameter declarations
// into the query registry, in registration order.
func (r *Registry) RegisterParameters(reg *query.Registry) error {
	for _, p := range r.provisioners {
		if err := reg.Register(query.SourceProvisioner, p.Name(), p.Parameters()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// FindAvailable selects the cheapest provisioner that can serve the
// query, ties broken by registration order, and returns it along with
// the query sanitised against its parameters.
func (r *Registry) FindAvailable(q query.Query) (Provisioner, query.Query, error) {
	var (
		best     Provisioner
		bestQ    query.Query
		bestCost = math.Inf(1)
	)
	for _, p := range r.provisioners {
		sanitised, err := query.SanitizeFor(q, p.Parameters())
		if err != nil {
			logger.Debugf("provisioner %q rejects the query: %v", p.Name(), err)
			continue
		}
		if !p.Available(sanitised) {
			continue
		}
		if cost := p.Cost(sanitised); cost < bestCost {
			best, bestQ, bestCost = p, sanitised, cost
		}
	}
	if best == nil {
		return nil, nil, fmt.Errorf("no provisioner can satisfy the query%w%w",
			errors.Hide(ErrNoProvisioner), errors.Hide(errors.NotFound))
	}
	logger.Debugf("provisioner %q selected at cost %.0f", best.Name(), bestCost)
	return best, bestQ, nil
}
