// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the shared fixtures and timeouts the
// hostpool test suites build on.
package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite isolates a test from the host environment and captures
// log output for inspection. Suites that touch loggers, environment
// variables or need cleanup callbacks should embed it.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
