package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/txnlog/src"
	"github.com/Blackdeer1524/txnlog/src/cfg"
	"github.com/Blackdeer1524/txnlog/src/logsys"
)

// ServerEntrypoint runs the log subsystem of one site on the local
// filesystem.
type ServerEntrypoint struct {
	ConfigPath string
	Deps       logsys.Dependencies

	cfg cfg.Config
	log src.Logger
	sys *logsys.System
}

func (e *ServerEntrypoint) Init(ctx context.Context) error {
	config, err := cfg.Load(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = config
	e.log = newLogger(config.Environment)

	e.sys, err = logsys.Open(afero.NewOsFs(), config, e.Deps, e.log)
	if err != nil {
		return fmt.Errorf("open log subsystem: %w", err)
	}

	if _, err := e.sys.Recover(ctx, nil); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	return nil
}

func (e *ServerEntrypoint) Run(ctx context.Context) error {
	return e.sys.Run(ctx)
}

func (e *ServerEntrypoint) Close() (err error) {
	if e.sys != nil {
		err = e.sys.Close()
	}

	if e.log != nil {
		if err != nil {
			e.log.Errorw("failed to close log subsystem", "error", err)
		}
		// syncing stderr fails on some platforms, it is not worth an error
		_ = e.log.Sync()
	}

	return err
}
