package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

type nextKind uint8

const (
	nextKeep nextKind = iota
	nextDelay
	nextExit
)

// Next tells a Periodic what to do after an iteration
type Next struct {
	kind  nextKind
	delay time.Duration
}

// Keep leaves the current delay unchanged
func Keep() Next { return Next{kind: nextKeep} }

// After sets the delay for the following waits. A non-positive duration
// ends the task.
func After(d time.Duration) Next {
	if d <= 0 {
		return Exit()
	}
	return Next{kind: nextDelay, delay: d}
}

// Exit ends the task after this iteration
func Exit() Next { return Next{kind: nextExit} }

// Seconds is After for a floating seconds value as stored in session state
func Seconds(s float64) Next {
	return After(time.Duration(s * float64(time.Second)))
}

// ErrFatal marks an iteration failure that must bring the engine down
var ErrFatal = errors.New("fatal task error")

// Fatal wraps err so the task stops and reports it through WithFatal
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Action is one iteration of a periodic task. The context is cancelled when
// the task is stopped.
type Action func(ctx context.Context) (Next, error)

// ErrorSink receives iteration failures in addition to the process log
type ErrorSink interface {
	LogError(ctx context.Context, source string, err error)
}

// Option configures a Periodic
type Option func(*Periodic)

// WithGate makes every iteration wait on the shared pause signal first
func WithGate(g *Gate) Option {
	return func(p *Periodic) { p.gate = g }
}

// WithErrorSink records iteration failures in the given sink
func WithErrorSink(s ErrorSink) Option {
	return func(p *Periodic) { p.errs = s }
}

// WithFatal registers a callback for ErrFatal failures. The task exits after
// calling it.
func WithFatal(fn func(name string, err error)) Option {
	return func(p *Periodic) { p.onFatal = fn }
}

// Periodic runs an Action, then waits up to its delay on the stop signal,
// until stopped or the action asks to exit. A failing iteration is logged
// and the loop continues.
type Periodic struct {
	name    string
	action  Action
	delay   atomic.Int64
	gate    *Gate
	errs    ErrorSink
	onFatal func(name string, err error)

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
}

// New creates a stopped periodic task
func New(name string, delay time.Duration, action Action, opts ...Option) *Periodic {
	p := &Periodic{
		name:   name,
		action: action,
		doneCh: make(chan struct{}),
	}
	p.delay.Store(int64(delay))
	close(p.doneCh)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the task name
func (p *Periodic) Name() string { return p.name }

// Delay returns the current wait between iterations
func (p *Periodic) Delay() time.Duration { return time.Duration(p.delay.Load()) }

// Running reports whether the loop goroutine is alive
func (p *Periodic) Running() bool { return p.running.Load() }

// Start launches the loop. Starting a running task is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running.Store(true)
	telemetry.TasksRunning.Inc()

	log.Debug().Str("task", p.name).Dur("delay", p.Delay()).Msg("Starting periodic task")

	go p.loop(runCtx, p.stopCh, p.doneCh)
}

// Stop signals the loop to end. It does not wait; use Join.
func (p *Periodic) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopCh == nil {
		return
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
		p.cancel()
	}
}

// Join waits for the loop goroutine to exit
func (p *Periodic) Join() {
	p.lifecycleMu.Lock()
	done := p.doneCh
	p.lifecycleMu.Unlock()
	<-done
}

// Done is closed when the loop has exited
func (p *Periodic) Done() <-chan struct{} {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	return p.doneCh
}

func (p *Periodic) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		p.running.Store(false)
		telemetry.TasksRunning.Dec()
		close(doneCh)
		log.Debug().Str("task", p.name).Msg("Periodic task exited")
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if p.gate != nil && !p.gate.IsSet() {
			telemetry.TaskIterationsTotal.With(p.name, "paused").Inc()
			if err := p.gate.Wait(ctx); err != nil {
				return
			}
		}

		next, err := p.runOnce(ctx)
		if err != nil {
			telemetry.TaskIterationsTotal.With(p.name, "error").Inc()
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("task", p.name).Msg("Periodic task iteration failed")
			if p.errs != nil {
				p.errs.LogError(ctx, p.name, err)
			}
			if errors.Is(err, ErrFatal) && p.onFatal != nil {
				p.onFatal(p.name, err)
				return
			}
		} else {
			telemetry.TaskIterationsTotal.With(p.name, "ok").Inc()
		}

		// the action's schedule applies whether or not it also failed
		switch next.kind {
		case nextExit:
			return
		case nextDelay:
			p.delay.Store(int64(next.delay))
		}

		if !p.sleep(stopCh, p.Delay()) {
			return
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) (next Next, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	return p.action(ctx)
}

// sleep waits for d or the stop signal.
// Returns true if the wait completed, false if stopped.
func (p *Periodic) sleep(stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
