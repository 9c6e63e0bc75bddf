// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package inspector

import (
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
)

// CheckerConfig holds the dependencies of a Checker.
type CheckerConfig struct {
	Registry    *Registry
	Credentials remote.Credentials
	Clock       clock.Clock

	// Dial defaults to remote.Dial.
	Dial remote.DialFunc
}

// Validate is part of the usual config contract.
func (config CheckerConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Checker runs the inspection pipeline over live machines.
type Checker struct {
	config CheckerConfig
}

// NewChecker returns a Checker over the configured pipeline.
func NewChecker(config CheckerConfig) (*Checker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Dial == nil {
		config.Dial = remote.Dial
	}
	return &Checker{config: config}, nil
}

// PerformCheck opens one fresh connection to the machine and runs
// every inspector over it in pipeline order. Transport and inspection
// failures mark the machine failed and are not returned; the check
// only errors when the machine cannot be dialled at all for want of a
// hostname, or when recording the failure itself fails.
func (c *Checker) PerformCheck(m *state.Machine, abort <-chan struct{}) error {
	hostname := m.Hostname()
	if hostname == "" {
		return errors.NotValidf("checking machine %s without a hostname", m)
	}
	conn, err := c.config.Dial(hostname, c.config.Credentials, c.config.Clock, abort)
	if err != nil {
		logger.Errorf("cannot reach machine %s for inspection: %v", m, err)
		return errors.Trace(m.Fail(fmt.Sprintf("inspection transport failed: %v", err)))
	}
	defer func() { _ = conn.Close() }()

	for _, insp := range c.config.Registry.Inspectors() {
		logger.Tracef("running inspector %q on %s", insp.Name(), m)
		if err := insp.Inspect(m, conn); err != nil {
			if errors.Is(err, state.ErrRemoved) {
				return errors.Trace(err)
			}
			logger.Errorf("inspector %q failed on machine %s: %v", insp.Name(), m, err)
			return errors.Trace(m.Fail(fmt.Sprintf("inspector %s: %v", insp.Name(), err)))
		}
	}
	return nil
}
