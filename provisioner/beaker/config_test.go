// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package beaker_test

import (
	"os"
	"path/filepath"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/hostpool/provisioner/beaker"
)

type configSuite struct{}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestNewValidates(c *gc.C) {
	_, err := beaker.New(beaker.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "nil Clock not valid")

	_, err = beaker.New(beaker.Config{Clock: clock.WallClock, MaxAttempts: -1})
	c.Assert(err, gc.ErrorMatches, "negative MaxAttempts not valid")

	_, err = beaker.New(beaker.Config{Clock: clock.WallClock, PollInterval: -1})
	c.Assert(err, gc.ErrorMatches, "negative PollInterval not valid")

	_, err = beaker.New(beaker.Config{Clock: clock.WallClock})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *configSuite) TestJobConfigDefaults(c *gc.C) {
	job, err := beaker.JobConfigFromMap(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.Group, gc.Equals, "hostpool")
	c.Check(job.Whiteboard, gc.Equals, "hostpool-auto")
	c.Check(job.Packages, jc.DeepEquals, []string{"libselinux-python", "gmp-devel", "xz-devel"})
	c.Check(job.KickstartAppend, jc.Contains, "%post")
}

func (s *configSuite) TestJobConfigOverlay(c *gc.C) {
	job, err := beaker.JobConfigFromMap(map[string]interface{}{
		"group":    "libvirt-ci",
		"packages": []interface{}{"vim-enhanced"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.Group, gc.Equals, "libvirt-ci")
	c.Check(job.Whiteboard, gc.Equals, "hostpool-auto")
	c.Check(job.Packages, jc.DeepEquals, []string{"vim-enhanced"})
}

func (s *configSuite) TestJobConfigBadOverlay(c *gc.C) {
	_, err := beaker.JobConfigFromMap(map[string]interface{}{
		"packages": 42,
	})
	c.Assert(err, gc.ErrorMatches, "invalid beaker job defaults: .*")
}

func (s *configSuite) writeClientConfig(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "client.conf")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *configSuite) TestHubFromClientConfig(c *gc.C) {
	path := s.writeClientConfig(c, `
# Beaker client configuration
HUB_URL = "https://beaker.example.com"
AUTH_METHOD = "krbv"
`)
	hub, err := beaker.HubFromClientConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(hub, gc.Equals, "https://beaker.example.com")
}

func (s *configSuite) TestHubFromClientConfigSingleQuotes(c *gc.C) {
	path := s.writeClientConfig(c, "HUB_URL = 'https://beaker.example.com'\n")
	hub, err := beaker.HubFromClientConfig(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(hub, gc.Equals, "https://beaker.example.com")
}

func (s *configSuite) TestHubFromClientConfigMissingKey(c *gc.C) {
	path := s.writeClientConfig(c, "AUTH_METHOD = \"krbv\"\n")
	_, err := beaker.HubFromClientConfig(path)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *configSuite) TestHubFromClientConfigUnreadable(c *gc.C) {
	_, err := beaker.HubFromClientConfig(filepath.Join(c.MkDir(), "missing.conf"))
	c.Assert(err, gc.ErrorMatches, "reading beaker client config .*")
}

func (s *configSuite) TestResolveHubURL(c *gc.C) {
	path := s.writeClientConfig(c, "HUB_URL = \"https://from-file.example.com\"\n")
	c.Check(beaker.ResolveHubURL("https://explicit.example.com", path),
		gc.Equals, "https://explicit.example.com")
	c.Check(beaker.ResolveHubURL("", path), gc.Equals, "https://from-file.example.com")
	c.Check(beaker.ResolveHubURL("", ""), gc.Equals, "")
	c.Check(beaker.ResolveHubURL("", filepath.Join(c.MkDir(), "missing.conf")), gc.Equals, "")
}
