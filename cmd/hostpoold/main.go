// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// hostpoold is the machine-pool broker daemon. It assembles the store,
// the inspection pipeline, the provisioners, the task engine, the
// house keeper and the API server, resumes the tasks an earlier
// process left behind, and runs until signalled.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"

	"github.com/juju/hostpool/apiserver"
	"github.com/juju/hostpool/broker"
	"github.com/juju/hostpool/config"
	"github.com/juju/hostpool/inspector"
	"github.com/juju/hostpool/magic"
	"github.com/juju/hostpool/provisioner"
	"github.com/juju/hostpool/provisioner/beaker"
	"github.com/juju/hostpool/remote"
	"github.com/juju/hostpool/state"
	"github.com/juju/hostpool/task"
	"github.com/juju/hostpool/version"
	"github.com/juju/hostpool/worker/housekeeper"
)

var logger = loggo.GetLogger("hostpool.cmd.hostpoold")

type commandLine struct {
	showVersion bool
	logConfig   string
	logFile     string
	showLog     bool
}

func parseArgs(args []string) commandLine {
	var a commandLine
	flags := gnuflag.NewFlagSet("hostpoold", gnuflag.ExitOnError)
	flags.BoolVar(&a.showVersion, "version", false, "print the version and exit")
	flags.StringVar(&a.logConfig, "log-config", "<root>=INFO", "loggo configuration string")
	flags.StringVar(&a.logFile, "log-file", "", "log to this rotating file instead of stderr")
	flags.BoolVar(&a.showLog, "show-log", false, "log to stderr even when --log-file is set")
	flags.Parse(true, args)
	return a
}

func setupLogging(a commandLine) error {
	if a.logFile != "" {
		writer := loggo.NewSimpleWriter(&lumberjack.Logger{
			Filename:   a.logFile,
			MaxSize:    100,
			MaxBackups: 2,
			Compress:   true,
		}, loggo.DefaultFormatter)
		if a.showLog {
			if err := loggo.RegisterWriter("logfile", writer); err != nil {
				return errors.Trace(err)
			}
		} else {
			if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return errors.Trace(loggo.ConfigureLoggers(a.logConfig))
}

func main() {
	args := parseArgs(os.Args[1:])
	if args.showVersion {
		fmt.Println(version.Current)
		return
	}
	if err := setupLogging(args); err != nil {
		fmt.Fprintf(os.Stderr, "hostpoold: %v\n", err)
		os.Exit(2)
	}
	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "hostpoold: %v\n", err)
		os.Exit(1)
	}
}

func run(args commandLine) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return errors.Trace(err)
	}

	pool, err := openPool(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warningf("closing the machine store: %v", err)
		}
	}()

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("hostpool.hub"),
	})

	inspectors, err := inspector.NewRegistry(inspector.BuiltIn()...)
	if err != nil {
		return errors.Trace(err)
	}
	checker, err := inspector.NewChecker(inspector.CheckerConfig{
		Registry: inspectors,
		Clock:    clock.WallClock,
		Credentials: remote.Credentials{
			Users:     cfg.SSHUsers,
			Passwords: cfg.SSHPasswords,
			KeyFiles:  cfg.SSHKeyFiles,
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	provisioners, err := buildProvisioners(cfg)
	if err != nil {
		return errors.Trace(err)
	}

	deps := task.Deps{
		Pool:         pool,
		Clock:        clock.WallClock,
		Checker:      checker,
		Provisioners: provisioners,
	}
	engine, err := task.NewEngine(task.EngineConfig{Deps: deps, Hub: hub})
	if err != nil {
		return errors.Trace(err)
	}

	b, err := broker.New(broker.Config{
		Pool:         pool,
		Clock:        clock.WallClock,
		Checker:      checker,
		Inspectors:   inspectors,
		Provisioners: provisioners,
		Engine:       engine,
		Deduplicator: magic.NewDeduplicator(pool),
	})
	if err != nil {
		return errors.Trace(err)
	}

	// Pick up where the previous process stopped before accepting
	// new work.
	if err := engine.Resume(); err != nil {
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return errors.Annotatef(err, "cannot listen on %q", cfg.HTTPAddr)
	}

	runner := worker.NewRunner(worker.RunnerParams{
		IsFatal:      func(error) bool { return true },
		Clock:        clock.WallClock,
		RestartDelay: time.Second,
		Logger:       loggo.GetLogger("hostpool.runner"),
	})
	started := func(name string, start func() (worker.Worker, error)) error {
		return errors.Annotatef(runner.StartWorker(name, start), "starting %s", name)
	}
	if err := started("engine", func() (worker.Worker, error) {
		return engine, nil
	}); err != nil {
		return err
	}
	if err := started("housekeeper", func() (worker.Worker, error) {
		return housekeeper.New(housekeeper.Config{
			Deps:     deps,
			Engine:   engine,
			Hub:      hub,
			Interval: cfg.SweepInterval,
		})
	}); err != nil {
		return err
	}
	if err := started("apiserver", func() (worker.Worker, error) {
		return apiserver.NewServer(apiserver.Config{
			Broker:        b,
			Pool:          pool,
			Clock:         clock.WallClock,
			Hub:           hub,
			Listener:      listener,
			ProvisionWait: cfg.ProvisionTimeout,
		})
	}); err != nil {
		return err
	}
	logger.Infof("hostpoold %s serving on %s", version.Current, cfg.HTTPAddr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("caught %v, shutting down", sig)
		runner.Kill()
	}()
	return errors.Trace(runner.Wait())
}

func openPool(cfg *config.Config) (*state.Pool, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warningf("using the in-memory machine store; records will not survive a restart")
		return state.NewMemory(), nil
	}
	pool, err := state.OpenMongo(state.MongoInfo{
		Addr:     net.JoinHostPort(cfg.DBHost, strconv.Itoa(cfg.DBPort)),
		Database: cfg.DBName,
		Username: cfg.DBUser,
		Password: cfg.DBPassword,
	})
	return pool, errors.Trace(err)
}

func buildProvisioners(cfg *config.Config) (*provisioner.Registry, error) {
	job, err := beaker.JobConfigFromMap(cfg.BeakerJobDefaults)
	if err != nil {
		return nil, errors.Trace(err)
	}
	bkr, err := beaker.New(beaker.Config{
		HubURL: beaker.ResolveHubURL(cfg.BeakerURL, cfg.BeakerClientConfig),
		Job:    job,
		Clock:  clock.WallClock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return provisioner.NewRegistry(bkr)
}
