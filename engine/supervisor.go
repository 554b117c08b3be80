// Package engine owns the set of periodic tasks that animate the vehicle
// service and rebuilds it whenever the stored timing changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openqs/vms/beacon"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/dispatch"
	"github.com/openqs/vms/groundsync"
	"github.com/openqs/vms/radio"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/openqs/vms/timeset"
	"github.com/rs/zerolog/log"
)

// ErrTimingChanged is returned by Run after a timing reset tore the task set
// down. The caller builds a new Supervisor.
var ErrTimingChanged = errors.New("engine timing changed")

// Runner is the handler runner as the supervisor sees it
type Runner interface {
	dispatch.Starter
	KillAll()
}

// Deps are the long-lived collaborators shared across rebuilds
type Deps struct {
	Store     *db.LocalStore
	Ground    *db.GroundStore // nil when no ground store is configured
	Duplex    radio.Duplex
	Simplex   radio.Simplex
	Runner    Runner // nil disables dotted commands
	Gate      *task.Gate
	VehicleID string
	Engine    cfg.EngineConfiguration
	Sync      cfg.SyncConfiguration
	SetClock  timeset.Setter
	// ClockSet latches once the wall clock has been set from GPS. It lives
	// as long as the process; the stored clock_set flag only records it.
	ClockSet *atomic.Bool
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithTimingCheck overrides how often the timing reset flag is polled
func WithTimingCheck(d time.Duration) Option {
	return func(s *Supervisor) { s.timingCheck = d }
}

// WithBeaconOptions passes options through to the beacon emitter
func WithBeaconOptions(opts ...beacon.Option) Option {
	return func(s *Supervisor) { s.beaconOpts = append(s.beaconOpts, opts...) }
}

// Supervisor is one generation of the task fabric
type Supervisor struct {
	deps        Deps
	tasks       []*task.Periodic
	timingCheck time.Duration
	beaconOpts  []beacon.Option
	fatal       chan error
}

// New reads the feature flags and session timing and builds the task set.
// Nothing runs until Run.
func New(ctx context.Context, deps Deps, opts ...Option) (*Supervisor, error) {
	if deps.Store == nil || deps.Gate == nil {
		return nil, errors.New("engine requires a local store and a pause gate")
	}
	if deps.Duplex == nil {
		deps.Duplex = radio.NoDuplex()
	}
	if deps.Simplex == nil {
		deps.Simplex = radio.NoSimplex()
	}
	if deps.SetClock == nil {
		deps.SetClock = timeset.SetRealtime
	}
	if deps.ClockSet == nil {
		deps.ClockSet = new(atomic.Bool)
	}

	s := &Supervisor{
		deps:        deps,
		timingCheck: seconds(deps.Engine.TimingCheckSeconds, 30),
		fatal:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	sys, err := deps.Store.SystemConfig(ctx)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn().Msg("No system configuration row, running without peripherals")
	} else if err != nil {
		return nil, fmt.Errorf("failed to read system configuration: %w", err)
	}
	st, err := deps.Store.SessionState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	if err := s.build(ctx, sys, st); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) options() []task.Option {
	return []task.Option{
		task.WithGate(s.deps.Gate),
		task.WithErrorSink(s.deps.Store),
		task.WithFatal(s.onFatal),
	}
}

func (s *Supervisor) build(ctx context.Context, sys db.SystemConfig, st db.SessionState) error {
	opts := s.options()

	var syncer dispatch.Syncer
	if sys.DuplexInstalled && s.deps.Ground != nil {
		sync, err := groundsync.New(s.deps.Store, s.deps.Ground, s.deps.Sync.Tables)
		if err != nil {
			return err
		}
		syncer = sync
		for _, t := range sync.Tables() {
			period := time.Duration(st.Rate(t.RateColumn) * float64(time.Second))
			if period <= 0 {
				log.Warn().Str("table", t.Name).Str("rate", t.RateColumn).Msg("Table has no sync rate, not synchronised")
				continue
			}
			s.tasks = append(s.tasks, sync.Task(t, period, opts...))
		}
	}

	var starter dispatch.Starter
	if s.deps.Runner != nil {
		starter = s.deps.Runner
	}
	poll := time.Duration(st.Rate(db.RateCommandPoll) * float64(time.Second))
	if poll <= 0 {
		poll = 5 * time.Second
	}
	d := dispatch.New(s.deps.Store, s.deps.Duplex, syncer, starter)
	s.tasks = append([]*task.Periodic{d.Task(poll, opts...)}, s.tasks...)

	if sys.DuplexInstalled {
		status := newRadioStatus(s.deps.Store, s.deps.Duplex, s.deps.Ground,
			seconds(s.deps.Engine.RadioStatusMinSeconds, 35), seconds(s.deps.Engine.RadioStatusMaxSeconds, 39))
		s.tasks = append(s.tasks, status.Task(opts...))
		if sys.GPSInstalled {
			loc := &locationUpdate{store: s.deps.Store, duplex: s.deps.Duplex}
			s.tasks = append(s.tasks, loc.Task(seconds(s.deps.Engine.LocationPeriodSeconds, 60), opts...))
		}
	}

	if sys.SimplexInstalled {
		emitter := beacon.NewEmitter(s.deps.Store, s.deps.Simplex, s.deps.VehicleID, s.beaconOpts...)
		sc, err := emitter.Init(ctx, sys.SpaceUse)
		if err != nil {
			log.Error().Err(err).Msg("Simplex radio initialisation failed, beacon disabled for this run")
			s.deps.Store.LogError(ctx, "beacon", err)
		} else {
			s.tasks = append(s.tasks, emitter.Task(sc, opts...))
			alarm := beacon.NewAlarmMonitor(s.deps.Store, emitter)
			s.tasks = append(s.tasks, alarm.Task(seconds(s.deps.Engine.AlarmPeriodSeconds, 20), opts...))
		}
	}

	if sys.GPSInstalled && !s.deps.ClockSet.Load() {
		clock := timeset.New(s.deps.Store, s.deps.SetClock,
			seconds(s.deps.Engine.ClockPeriodSeconds, 120), seconds(s.deps.Engine.ClockInitialWaitSeconds, 90),
			timeset.WithLatch(s.deps.ClockSet))
		s.tasks = append(s.tasks, clock.Task(opts...))
	}
	return nil
}

// Tasks lists the names of the tasks in this generation
func (s *Supervisor) Tasks() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name()
	}
	return names
}

func (s *Supervisor) onFatal(name string, err error) {
	select {
	case s.fatal <- fmt.Errorf("task %s: %w", name, err):
	default:
	}
}

// Run starts every task and polls the timing reset flag until it is raised,
// a task fails fatally, or ctx is cancelled. Every exit path stops and joins
// the tasks and kills outstanding handler children first.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.deps.Store.AddSystemMessage(ctx, "started",
		fmt.Sprintf("engine started with tasks %s", strings.Join(s.Tasks(), ","))); err != nil {
		log.Warn().Err(err).Msg("Failed to record start message")
	}
	log.Info().Strs("tasks", s.Tasks()).Msg("Engine started")

	for _, t := range s.tasks {
		t.Start(ctx)
	}

	ticker := time.NewTicker(s.timingCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown("interrupt")
			return ctx.Err()
		case err := <-s.fatal:
			log.Error().Err(err).Msg("Fatal task failure, tearing engine down")
			s.teardown("fatal")
			return err
		case <-ticker.C:
			reset, err := s.deps.Store.TimingReset(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to read timing reset flag")
				continue
			}
			if !reset {
				continue
			}
			if err := s.deps.Store.ClearTimingReset(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to clear timing reset flag")
				continue
			}
			log.Info().Msg("Timing changed, rebuilding engine")
			s.teardown("timing")
			return ErrTimingChanged
		}
	}
}

func (s *Supervisor) teardown(reason string) {
	for _, t := range s.tasks {
		t.Stop()
	}
	for _, t := range s.tasks {
		t.Join()
	}
	if s.deps.Runner != nil {
		s.deps.Runner.KillAll()
	}
	s.deps.Gate.Set()
	telemetry.EngineRebuildsTotal.With(reason).Inc()
	log.Info().Str("reason", reason).Msg("Engine stopped")
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
