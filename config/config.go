// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads the daemon configuration from the environment.
//
// Every setting is an APP_-prefixed environment variable. Database
// credentials are only mandatory when the mongo store is selected;
// APP_STORE=memory is the escape hatch for running without a database.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v2"
)

// Prefix is prepended to the upper-cased setting name to form the
// environment variable, e.g. "db-host" is read from APP_DB_HOST.
const Prefix = "APP_"

// Store backend names accepted by APP_STORE.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds everything hostpoold needs to run.
type Config struct {
	// Store selects the machine store backend, "mongo" or "memory".
	Store string

	// Mongo connection settings, required unless Store is "memory".
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// HTTPAddr is the listen address of the API server.
	HTTPAddr string

	// SweepInterval is how often the house-keeper scans for expired
	// and torn-down machines.
	SweepInterval time.Duration

	// ProvisionTimeout bounds how long the non-blocking provision
	// endpoint waits for a fresh machine before returning whatever
	// the store already holds.
	ProvisionTimeout time.Duration

	// SSH credentials tried, in order, when inspecting machines.
	SSHUsers     []string
	SSHPasswords []string
	SSHKeyFiles  []string

	// Beaker provisioner settings.
	BeakerURL          string
	BeakerClientConfig string
	BeakerJobDefaults  map[string]interface{}
}

var fields = schema.FieldMap(
	schema.Fields{
		"store":                 schema.OneOf(schema.Const(StoreMongo), schema.Const(StoreMemory)),
		"db-host":               schema.String(),
		"db-port":               schema.ForceInt(),
		"db-name":               schema.String(),
		"db-user":               schema.String(),
		"db-password":           schema.String(),
		"http-addr":             schema.String(),
		"sweep-interval":        schema.ForceInt(),
		"provision-timeout":     schema.ForceInt(),
		"ssh-users":             schema.String(),
		"ssh-passwords":         schema.String(),
		"ssh-key-files":         schema.String(),
		"beaker-url":            schema.String(),
		"beaker-client-config":  schema.String(),
		"config-file":           schema.String(),
	},
	schema.Defaults{
		"store":                 StoreMongo,
		"db-host":               "localhost",
		"db-port":               27017,
		"db-name":               schema.Omit,
		"db-user":               schema.Omit,
		"db-password":           schema.Omit,
		"http-addr":             ":8080",
		"sweep-interval":        60,
		"provision-timeout":     5,
		"ssh-users":             "root",
		"ssh-passwords":         "",
		"ssh-key-files":         "",
		"beaker-url":            "",
		"beaker-client-config":  "",
		"config-file":           "",
	},
)

// required lists the settings that must be present when the mongo
// store is in use. They have no defaults on purpose.
var required = []string{"db-name", "db-user", "db-password"}

// EnvName returns the environment variable holding the named setting.
func EnvName(name string) string {
	return Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return fromGetenv(os.Getenv)
}

func fromGetenv(getenv func(string) string) (*Config, error) {
	raw := map[string]interface{}{}
	for _, name := range settingNames {
		if v := getenv(EnvName(name)); v != "" {
			raw[name] = v
		}
	}
	store := StoreMongo
	if v, ok := raw["store"].(string); ok {
		store = v
	}
	if store == StoreMongo {
		for _, name := range required {
			if _, ok := raw[name]; !ok {
				return nil, errors.Errorf(
					"%s is required in the environment; set it before starting hostpoold, or set %s=%s as an escape hatch",
					EnvName(name), EnvName("store"), StoreMemory)
			}
		}
	}
	coerced, err := fields.Coerce(raw, nil)
	if err != nil {
		return nil, errors.Annotate(err, "invalid configuration")
	}
	m := coerced.(map[string]interface{})

	cfg := &Config{
		Store:              m["store"].(string),
		DBHost:             m["db-host"].(string),
		DBPort:             m["db-port"].(int),
		HTTPAddr:           m["http-addr"].(string),
		SweepInterval:      time.Duration(m["sweep-interval"].(int)) * time.Second,
		ProvisionTimeout:   time.Duration(m["provision-timeout"].(int)) * time.Second,
		SSHUsers:           splitList(m["ssh-users"].(string)),
		SSHPasswords:       splitList(m["ssh-passwords"].(string)),
		SSHKeyFiles:        splitList(m["ssh-key-files"].(string)),
		BeakerURL:          m["beaker-url"].(string),
		BeakerClientConfig: m["beaker-client-config"].(string),
	}
	if v, ok := m["db-name"]; ok {
		cfg.DBName = v.(string)
	}
	if v, ok := m["db-user"]; ok {
		cfg.DBUser = v.(string)
	}
	if v, ok := m["db-password"]; ok {
		cfg.DBPassword = v.(string)
	}
	if path := m["config-file"].(string); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, errors.Annotatef(err, "reading %s", path)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

var settingNames = []string{
	"store", "db-host", "db-port", "db-name", "db-user", "db-password",
	"http-addr", "sweep-interval", "provision-timeout",
	"ssh-users", "ssh-passwords", "ssh-key-files",
	"beaker-url", "beaker-client-config", "config-file",
}

// fileOverlay is the optional YAML file named by APP_CONFIG_FILE. It
// supplies the settings that are awkward as single environment
// variables; scalar environment variables win over the file.
type fileOverlay struct {
	SSH struct {
		Users     []string `yaml:"users"`
		Passwords []string `yaml:"passwords"`
		KeyFiles  []string `yaml:"key-files"`
	} `yaml:"ssh"`
	Beaker struct {
		URL          string                 `yaml:"url"`
		ClientConfig string                 `yaml:"client-config"`
		JobDefaults  map[string]interface{} `yaml:"job-defaults"`
	} `yaml:"beaker"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Trace(err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errors.Trace(err)
	}
	if len(c.SSHUsers) == 1 && c.SSHUsers[0] == "root" && len(overlay.SSH.Users) > 0 {
		c.SSHUsers = overlay.SSH.Users
	}
	if len(c.SSHPasswords) == 0 {
		c.SSHPasswords = overlay.SSH.Passwords
	}
	if len(c.SSHKeyFiles) == 0 {
		c.SSHKeyFiles = overlay.SSH.KeyFiles
	}
	if c.BeakerURL == "" {
		c.BeakerURL = overlay.Beaker.URL
	}
	if c.BeakerClientConfig == "" {
		c.BeakerClientConfig = overlay.Beaker.ClientConfig
	}
	c.BeakerJobDefaults = overlay.Beaker.JobDefaults
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMongo, StoreMemory:
	default:
		return errors.NotValidf("store %q", c.Store)
	}
	if c.HTTPAddr == "" {
		return errors.NotValidf("empty http-addr")
	}
	if c.SweepInterval <= 0 {
		return errors.NotValidf("sweep-interval %v", c.SweepInterval)
	}
	if c.ProvisionTimeout <= 0 {
		return errors.NotValidf("provision-timeout %v", c.ProvisionTimeout)
	}
	if c.Store == StoreMongo && (c.DBName == "" || c.DBUser == "" || c.DBPassword == "") {
		return errors.NotValidf("mongo store without credentials")
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
