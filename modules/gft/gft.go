// Package gft is the ground file transfer handler module. gft.pull copies an
// application image from the selected ground file server into the input
// directory and marks the application stored on the gateway.
package gft

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/modules/remote"
	"github.com/openqs/vms/runner"
	"github.com/rs/zerolog/log"
)

func init() {
	runner.Register("gft", func() (runner.Handler, error) {
		return New(cfg.Config.GFT, cfg.Config.Paths.InputDir, remote.Run), nil
	})
}

// Module implements the gft subcommands
type Module struct {
	conf     cfg.GFTConfiguration
	inputDir string
	exec     remote.Exec
}

// New creates the module
func New(conf cfg.GFTConfiguration, inputDir string, exec remote.Exec) *Module {
	return &Module{conf: conf, inputDir: inputDir, exec: exec}
}

func (m *Module) Process(ctx context.Context, env *runner.Env, sub, data string) (bool, error) {
	switch sub {
	case "pull":
		return m.pull(ctx, env, strings.TrimSpace(data))
	default:
		return false, fmt.Errorf("%w: gft has no subcommand %q", runner.ErrProtocol, sub)
	}
}

// server resolves selected_server. NONE has no fallback.
func (m *Module) server(selected string) (string, error) {
	var host string
	switch selected {
	case db.ServerTest:
		host = m.conf.TestServer
	case db.ServerProd:
		host = m.conf.ProdServer
	default:
		return "", fmt.Errorf("%w (selected_server=%s)", cfg.ErrNoServerSelected, selected)
	}
	if host == "" {
		return "", fmt.Errorf("%w: no address configured for %s", cfg.ErrNoServerSelected, selected)
	}
	return host, nil
}

func (m *Module) pull(ctx context.Context, env *runner.Env, appUUID string) (bool, error) {
	if appUUID == "" {
		return false, fmt.Errorf("%w: gft.pull needs an application uuid", runner.ErrProtocol)
	}

	sc, err := env.Store.SystemConfig(ctx)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return false, err
	}
	host, err := m.server(sc.SelectedServer)
	if err != nil {
		log.Error().Err(err).Str("app_uuid", appUUID).Str("selected_server", sc.SelectedServer).Msg("Ground file transfer misconfigured")
		return false, err
	}

	app, err := env.Store.AppDescriptor(ctx, appUUID)
	if err != nil {
		return false, err
	}
	if app.FileName == "" {
		log.Error().Str("app_uuid", appUUID).Msg("Application has no file name")
		return false, fmt.Errorf("application %s has no file to transfer", appUUID)
	}

	secret, err := remote.Password(m.conf.PasswordEnv)
	if err != nil {
		log.Error().Err(err).Str("app_uuid", appUUID).Msg("Ground file transfer misconfigured")
		return false, err
	}
	if err := os.MkdirAll(m.inputDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create input directory: %w", err)
	}

	argv := remote.RsyncPull(m.conf.User, host, 0, path.Join(m.conf.RemoteDir, app.FileName), m.inputDir)
	log.Info().Str("app_uuid", appUUID).Str("file", app.FileName).Str("server", host).Msg("Pulling application image")
	if _, err := m.exec(ctx, secret, argv[0], argv[1:]...); err != nil {
		return false, fmt.Errorf("transfer of %s failed: %w", app.FileName, err)
	}

	if err := env.Store.SetAppState(ctx, appUUID, db.AppStoredOnGW, "stored on gateway"); err != nil {
		return false, err
	}
	env.Report("%s pulled from %s", app.FileName, sc.SelectedServer)
	return true, nil
}
