// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package beaker

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/ini.v1"
)

const (
	defaultJobGroup      = "hostpool"
	defaultJobWhiteboard = "hostpool-auto"
	defaultMaxAttempts   = 10
	defaultPollInterval  = 30 * time.Second
)

// defaultJobPackages are installed on every provisioned machine; the
// restraint harness needs them for the reserve task.
var defaultJobPackages = []string{"libselinux-python", "gmp-devel", "xz-devel"}

// defaultKickstartAppend is a placeholder %post section; deployments
// override it through the job-defaults configuration.
const defaultKickstartAppend = `
%post
# hostpool: site specific post-install steps go here.
%end
`

// Runner executes one bkr subcommand, feeding stdin to the process
// when non-empty, and returns the combined output.
type Runner func(ctx context.Context, stdin string, args ...string) (string, error)

// JobConfig supplies the static parts of every submitted job XML.
type JobConfig struct {
	// Group tags submitted jobs for tracking in the beaker web UI.
	Group string

	// Whiteboard is the job whiteboard text used when the query does
	// not carry one.
	Whiteboard string

	// Packages are installed on every provisioned machine, on top of
	// whatever the query asks for.
	Packages []string

	// KickstartAppend is appended to every recipe's kickstart.
	KickstartAppend string
}

func (j JobConfig) withDefaults() JobConfig {
	if j.Group == "" {
		j.Group = defaultJobGroup
	}
	if j.Whiteboard == "" {
		j.Whiteboard = defaultJobWhiteboard
	}
	if j.Packages == nil {
		j.Packages = append([]string(nil), defaultJobPackages...)
	}
	if j.KickstartAppend == "" {
		j.KickstartAppend = defaultKickstartAppend
	}
	return j
}

// Config holds everything the beaker provisioner needs.
type Config struct {
	// HubURL prefixes job links in log messages. Optional; job ids
	// are logged on their own without it.
	HubURL string

	// Job supplies the static parts of every submitted job.
	Job JobConfig

	// MaxAttempts bounds how many jobs are submitted for one
	// provision call before it fails.
	MaxAttempts int

	// PollInterval spaces job-results polls and resubmissions.
	PollInterval time.Duration

	// Clock times the polling loops.
	Clock clock.Clock

	// Run executes bkr subcommands. Defaults to the real binary on
	// the daemon's path.
	Run Runner
}

// Validate checks the configuration for obvious problems.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.MaxAttempts < 0 {
		return errors.NotValidf("negative MaxAttempts")
	}
	if c.PollInterval < 0 {
		return errors.NotValidf("negative PollInterval")
	}
	return nil
}

var jobFields = schema.FieldMap(
	schema.Fields{
		"group":            schema.String(),
		"whiteboard":       schema.String(),
		"packages":         schema.List(schema.String()),
		"kickstart-append": schema.String(),
	},
	schema.Defaults{
		"group":            schema.Omit,
		"whiteboard":       schema.Omit,
		"packages":         schema.Omit,
		"kickstart-append": schema.Omit,
	},
)

// JobConfigFromMap applies the daemon's job-defaults overlay, as
// decoded from its configuration file, over the stock defaults.
func JobConfigFromMap(overlay map[string]interface{}) (JobConfig, error) {
	job := JobConfig{}.withDefaults()
	if len(overlay) == 0 {
		return job, nil
	}
	coerced, err := jobFields.Coerce(overlay, nil)
	if err != nil {
		return JobConfig{}, errors.Annotate(err, "invalid beaker job defaults")
	}
	m := coerced.(map[string]interface{})
	if v, ok := m["group"]; ok {
		job.Group = v.(string)
	}
	if v, ok := m["whiteboard"]; ok {
		job.Whiteboard = v.(string)
	}
	if v, ok := m["packages"]; ok {
		items := v.([]interface{})
		job.Packages = make([]string, len(items))
		for i, item := range items {
			job.Packages[i] = item.(string)
		}
	}
	if v, ok := m["kickstart-append"]; ok {
		job.KickstartAppend = v.(string)
	}
	return job, nil
}

// HubFromClientConfig reads HUB_URL from a beaker client configuration
// file, the same file the bkr command itself reads (conventionally
// /etc/beaker/client.conf). Values there are usually quoted.
func HubFromClientConfig(path string) (string, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return "", errors.Annotatef(err, "reading beaker client config %s", path)
	}
	hub := strings.Trim(cfg.Section("").Key("HUB_URL").String(), `"'`)
	if hub == "" {
		return "", errors.NotFoundf("HUB_URL in %s", path)
	}
	return hub, nil
}

// ResolveHubURL picks the hub used for job links: an explicit setting
// wins, then the client config file, then none.
func ResolveHubURL(explicit, clientConfigPath string) string {
	if explicit != "" {
		return explicit
	}
	if clientConfigPath == "" {
		return ""
	}
	hub, err := HubFromClientConfig(clientConfigPath)
	if err != nil {
		logger.Warningf("cannot resolve beaker hub: %v", err)
		return ""
	}
	return hub
}
