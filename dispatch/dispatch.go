// Package dispatch polls the command queue and routes every pending command
// to a built-in handler, to the isolated handler runner, or to failure.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/radio"
	"github.com/openqs/vms/runner"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

// Syncer forces table synchronisation on demand
type Syncer interface {
	Sync(ctx context.Context, t db.Table) error
	SyncAll(ctx context.Context) error
}

// Starter runs dotted commands out of process
type Starter interface {
	Start(ctx context.Context, cmd db.Command, module, sub string) *future.Future[runner.Outcome]
	Reap() []runner.Finished
}

type builtin func(ctx context.Context, cmd db.Command) runner.Outcome

// Dispatcher is the command queue consumer
type Dispatcher struct {
	store    *db.LocalStore
	duplex   radio.Duplex
	syncer   Syncer
	starter  Starter
	builtins map[string]builtin
}

// New creates a dispatcher. syncer may be nil when no ground store is
// configured.
func New(store *db.LocalStore, duplex radio.Duplex, syncer Syncer, starter Starter) *Dispatcher {
	if duplex == nil {
		duplex = radio.NoDuplex()
	}
	d := &Dispatcher{
		store:   store,
		duplex:  duplex,
		syncer:  syncer,
		starter: starter,
	}
	d.builtins = map[string]builtin{
		"RETRIEVE_LOGS":            d.retrieve(db.CommandLog),
		"RETRIEVE_SYSTEM_MESSAGES": d.retrieve(db.SystemMessages),
		"RETRIEVE_FLIGHT_DATA":     d.retrieve(db.FlightData),
		"CREATE_REC_SESSION":       d.createSession,
		"CALL":                     d.call,
		"HANGUP":                   d.hangup,
		"SYNC_ALL":                 d.syncAll,
		"START_BEACON":             d.beacon(true),
		"STOP_BEACON":              d.beacon(false),
		"SET_ALARM":                d.alarm(true),
		"CLEAR_ALARM":              d.alarm(false),
		"SET_TIMING":               d.setTiming,
	}
	for _, t := range db.SyncTables() {
		d.builtins["SYNC_"+strings.ToUpper(t.Name)] = d.syncTable(t)
	}
	return d
}

// Builtins lists the built-in command names
func (d *Dispatcher) Builtins() []string {
	names := make([]string, 0, len(d.builtins))
	for name := range d.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Task builds the periodic dispatch task. Its period follows
// command_poll_rate after every tick.
func (d *Dispatcher) Task(period time.Duration, opts ...task.Option) *task.Periodic {
	return task.New("dispatch", period, d.Tick, opts...)
}

// Tick processes every pending command once, in priority order
func (d *Dispatcher) Tick(ctx context.Context) (task.Next, error) {
	if d.starter != nil {
		for _, f := range d.starter.Reap() {
			log.Debug().
				Str("invocation", f.ID).
				Int64("command_id", f.Command.CommandID).
				Stringer("outcome", f.Outcome.Kind).
				Dur("elapsed", f.Elapsed).
				Msg("Reaped handler child")
		}
	}

	cmds, err := d.store.PendingCommands(ctx)
	if err != nil {
		return task.Keep(), fmt.Errorf("failed to poll commands: %w", err)
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Priority < cmds[j].Priority })

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return task.Keep(), err
		}
		d.Dispatch(ctx, cmd)
	}

	st, err := d.store.SessionState(ctx)
	if err != nil {
		return task.Keep(), err
	}
	if rate := st.Rate(db.RateCommandPoll); rate > 0 {
		return task.Seconds(rate), nil
	}
	return task.Keep(), nil
}

// Dispatch routes a single command
func (d *Dispatcher) Dispatch(ctx context.Context, cmd db.Command) {
	logger := log.With().Int64("command_id", cmd.CommandID).Str("name", cmd.Name).Logger()

	if err := d.store.StartCommand(ctx, cmd); err != nil {
		if errors.Is(err, db.ErrCommandTerminal) {
			logger.Debug().Msg("Command already terminal, skipping")
			return
		}
		logger.Error().Err(err).Msg("Failed to start command")
		return
	}

	if fn, ok := d.builtins[cmd.CanonicalName()]; ok {
		start := time.Now()
		out := d.runBuiltin(ctx, fn, cmd)
		telemetry.HandlerDurationSeconds.With("builtin").Observe(time.Since(start).Seconds())
		d.complete(ctx, cmd, out)
		return
	}

	if module, sub, ok := strings.Cut(strings.TrimSpace(cmd.Name), "."); ok && module != "" && sub != "" {
		if d.starter == nil {
			d.complete(ctx, cmd, runner.Outcome{Kind: runner.OutcomeNotAttempted, Message: "handler runner unavailable"})
			return
		}
		logger.Info().Str("module", module).Str("sub", sub).Msg("Starting handler child")
		d.starter.Start(ctx, cmd, module, sub)
		return
	}

	d.complete(ctx, cmd, runner.Outcome{Kind: runner.OutcomeUnknown, Message: fmt.Sprintf("unknown command %q", cmd.Name)})
}

func (d *Dispatcher) runBuiltin(ctx context.Context, fn builtin, cmd db.Command) (out runner.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = runner.Outcome{Kind: runner.OutcomeHandlerRaised, Message: fmt.Sprintf("%s raised: %v\n%s", cmd.Name, r, debug.Stack())}
		}
	}()
	return fn(ctx, cmd)
}

func (d *Dispatcher) complete(ctx context.Context, cmd db.Command, out runner.Outcome) {
	evt := log.Info()
	if !out.Success() {
		evt = log.Warn()
	}
	evt.Int64("command_id", cmd.CommandID).
		Str("name", cmd.Name).
		Stringer("outcome", out.Kind).
		Str("message", firstLine(out.Message)).
		Msg("Command finished")

	if err := d.store.CompleteCommand(ctx, cmd, out.Success(), out.Message); err != nil && !errors.Is(err, db.ErrCommandTerminal) {
		log.Error().Err(err).Int64("command_id", cmd.CommandID).Msg("Failed to record command outcome")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// fail turns an error into a terminal outcome
func fail(err error) runner.Outcome {
	if errors.Is(err, runner.ErrProtocol) {
		return runner.Outcome{Kind: runner.OutcomeProtocolError, Message: err.Error()}
	}
	return runner.Outcome{Kind: runner.OutcomeFailed, Message: err.Error()}
}

func ok(format string, args ...interface{}) runner.Outcome {
	return runner.Outcome{Kind: runner.OutcomeOK, Message: fmt.Sprintf(format, args...)}
}
