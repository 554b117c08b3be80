// Package app is the application control handler module
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/modules/remote"
	"github.com/openqs/vms/runner"
	"github.com/rs/zerolog/log"
)

// ErrUnsupportedMethod is returned for board connection methods the host
// control cannot drive
var ErrUnsupportedMethod = errors.New("unsupported connection method")

// HostControl reloads a guest application on its host board
type HostControl interface {
	Reload(ctx context.Context, board db.BoardConnection, app db.AppDescriptor) error
}

// SSHHost drives host boards over ssh
type SSHHost struct {
	Exec remote.Exec
}

func (h SSHHost) Reload(ctx context.Context, board db.BoardConnection, app db.AppDescriptor) error {
	if board.Method != "ssh" {
		return fmt.Errorf("%w: %q for board %d", ErrUnsupportedMethod, board.Method, board.BoardID)
	}
	secret, err := remote.Password(board.PasswordEnv)
	if err != nil {
		return err
	}
	argv := remote.SSHCommand(board.User, board.Host, board.Port, "qs-host", "reload", app.FileName)
	_, err = h.Exec(ctx, secret, argv[0], argv[1:]...)
	return err
}

func init() {
	runner.Register("app", func() (runner.Handler, error) {
		return New(SSHHost{Exec: remote.Run}), nil
	})
}

// Module implements app.state and app.reload
type Module struct {
	host HostControl
}

// New creates the module
func New(host HostControl) *Module {
	return &Module{host: host}
}

func (m *Module) Process(ctx context.Context, env *runner.Env, sub, data string) (bool, error) {
	switch sub {
	case "state":
		return m.setState(ctx, env, data)
	case "reload":
		return m.reload(ctx, env, strings.TrimSpace(data))
	default:
		return false, fmt.Errorf("%w: app has no subcommand %q", runner.ErrProtocol, sub)
	}
}

// setState expects "<app_uuid>,<code>"
func (m *Module) setState(ctx context.Context, env *runner.Env, data string) (bool, error) {
	uuid, codeText, found := strings.Cut(data, ",")
	uuid = strings.TrimSpace(uuid)
	if !found || uuid == "" {
		return false, fmt.Errorf("%w: app.state expects <app_uuid>,<code>, got %q", runner.ErrProtocol, data)
	}
	code, err := strconv.Atoi(strings.TrimSpace(codeText))
	if err != nil || !db.ValidAppState(code) {
		return false, fmt.Errorf("%w: invalid application state %q", runner.ErrProtocol, codeText)
	}
	if _, err := env.Store.AppDescriptor(ctx, uuid); err != nil {
		return false, err
	}

	msg := fmt.Sprintf("set by command %d", env.Command.CommandID)
	if err := env.Store.SetAppState(ctx, uuid, code, msg); err != nil {
		return false, err
	}
	env.Report("%s state %d", uuid, code)
	return true, nil
}

func (m *Module) reload(ctx context.Context, env *runner.Env, uuid string) (bool, error) {
	if uuid == "" {
		return false, fmt.Errorf("%w: app.reload needs an application uuid", runner.ErrProtocol)
	}
	app, err := env.Store.AppDescriptor(ctx, uuid)
	if err != nil {
		return false, err
	}
	board, err := env.Store.BoardConnection(ctx, app.BoardID)
	if err != nil {
		return false, err
	}

	if err := m.host.Reload(ctx, board, app); err != nil {
		if errors.Is(err, ErrUnsupportedMethod) || errors.Is(err, remote.ErrNoPassword) {
			log.Error().Err(err).Str("app_uuid", uuid).Int64("board_id", board.BoardID).Msg("Host control misconfigured")
			return false, err
		}
		if serr := env.Store.SetAppState(ctx, uuid, db.AppError, err.Error()); serr != nil {
			log.Warn().Err(serr).Str("app_uuid", uuid).Msg("Failed to record application error")
		}
		return false, fmt.Errorf("reload of %s failed: %w", app.Name, err)
	}

	if err := env.Store.SetAppState(ctx, uuid, db.AppInitialising, "reload requested"); err != nil {
		return false, err
	}
	env.Report("%s reloading on board %d", app.Name, board.BoardID)
	return true, nil
}
