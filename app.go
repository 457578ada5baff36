package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/config"
	"github.com/vesaa/trafficgov/internal/enforce"
	"github.com/vesaa/trafficgov/internal/governor"
	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/server"
	"github.com/vesaa/trafficgov/internal/store"
	"github.com/vesaa/trafficgov/internal/tenant"
)

// app holds what every subcommand needs, plus cleanup.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *store.Store
	closers []func() error
}

func newApp(cmd *cobra.Command) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error { _ = logger.Sync(); return nil })
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// store opens the state database once.
func (a *app) store() (*store.Store, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := store.Open(a.cfg.DBPath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// enforcer returns the shell enforcer, running commands locally or on
// remote_host over SSH.
func (a *app) enforcer() (enforce.Enforcer, error) {
	var runner enforce.Runner
	if a.cfg.RemoteHost != "" {
		ssh, err := enforce.NewSSHRunner(a.cfg.RemoteHost, a.cfg.RemoteUser, a.cfg.RemoteKeyPath, a.cfg.CommandTimeout)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ssh.Close)
		runner = ssh
	} else {
		runner = enforce.NewLocalRunner(a.cfg.CommandTimeout)
	}
	return enforce.NewShell(runner, enforce.ShellOptions{
		RestoreCommand:   a.cfg.RestoreCommand,
		FilterCommand:    a.cfg.FilterCommand,
		ShaperCommand:    a.cfg.ShaperCommand,
		ShaperConfigPath: a.cfg.ShaperConfigPath,
		Logger:           a.logger,
	})
}

// governor builds the pipeline. A nil enforcer evaluates without applying;
// recording decisions requires the state database.
func (a *app) governor(enf enforce.Enforcer, record bool) (*governor.Governor, error) {
	deps := governor.Deps{
		Directory: tenant.SystemDirectory{},
		Enforcer:  enf,
		Logger:    a.logger,
	}
	if record {
		db, err := a.store()
		if err != nil {
			return nil, err
		}
		deps.Recorder = db
	}
	return governor.New(a.cfg, deps), nil
}

// api builds the status API over g's snapshots and the state database.
func (a *app) api(g *governor.Governor) (*server.Server, error) {
	db, err := a.store()
	if err != nil {
		return nil, err
	}
	if a.cfg.AdminPassHash == "" {
		a.logger.Warn("admin_pass_hash not set; API login is disabled")
	}
	return server.New(server.Options{
		JWTSecret:     a.cfg.JWTSecret,
		AdminUser:     a.cfg.AdminUser,
		AdminPassHash: a.cfg.AdminPassHash,
		States:        db,
		Traffic:       g,
		Logger:        a.logger,
	}), nil
}
