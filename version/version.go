// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the hostpool release version.
package version

// Current is the version reported by the daemon, the index endpoint
// and the API client.
const Current = "0.0.1"
