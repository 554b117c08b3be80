// Package diag holds operator diagnostics handlers
package diag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openqs/vms/runner"
	"github.com/rs/zerolog/log"
)

const maxHold = time.Hour

func init() {
	runner.Register("diag", func() (runner.Handler, error) {
		return New(), nil
	})
}

// Module implements diag.hold and diag.echo
type Module struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the module
func New() *Module {
	return &Module{sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Module) Process(ctx context.Context, env *runner.Env, sub, data string) (bool, error) {
	switch sub {
	case "hold":
		return m.hold(ctx, env, strings.TrimSpace(data))
	case "echo":
		env.Report("%s", data)
		return true, nil
	default:
		return false, fmt.Errorf("%w: diag has no subcommand %q", runner.ErrProtocol, sub)
	}
}

// hold quiesces the periodic fabric for the given number of seconds
func (m *Module) hold(ctx context.Context, env *runner.Env, data string) (bool, error) {
	secs, err := strconv.ParseFloat(data, 64)
	d := time.Duration(secs * float64(time.Second))
	if err != nil || d <= 0 || d > maxHold {
		return false, fmt.Errorf("%w: diag.hold expects seconds in (0, %d], got %q", runner.ErrProtocol, int(maxHold.Seconds()), data)
	}

	log.Info().Dur("hold", d).Msg("Holding the periodic fabric")
	env.Pause.Clear()
	defer env.Pause.Set()

	if err := m.sleep(ctx, d); err != nil {
		return false, err
	}
	env.Report("held for %s", d)
	return true, nil
}
