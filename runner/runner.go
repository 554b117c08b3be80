package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/jizhuozhi/go-future"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/encoding"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ChildFlag is the argument that makes the binary act as a handler child
const ChildFlag = "-handler-child"

// Recorder records a terminal command state when the child could not
type Recorder interface {
	CompleteCommand(ctx context.Context, cmd db.Command, success bool, message string) error
}

// Finished describes a reaped child
type Finished struct {
	ID      string
	Command db.Command
	Outcome Outcome
	Elapsed time.Duration
}

type child struct {
	id      string
	cmd     db.Command
	proc    *exec.Cmd
	started time.Time
	holds   atomic.Bool
	done    atomic.Bool
	promise *future.Promise[Outcome]
	result  *future.Future[Outcome]
}

// Runner runs dotted commands in isolated child processes. It owns the
// parent side of the pause protocol: a child's pause frames clear the gate
// and a child's exit always re-asserts it.
type Runner struct {
	recorder Recorder
	gate     *task.Gate
	exe      string
	args     []string
	env      []string
	allowed  []glob.Glob
	grace    time.Duration
	children *xsync.MapOf[string, *child]
	spawnMu  sync.Mutex
	closed   bool
}

// Option configures a Runner
type Option func(*Runner)

// WithExecutable overrides the child binary and its arguments
func WithExecutable(path string, args ...string) Option {
	return func(r *Runner) {
		r.exe = path
		r.args = args
	}
}

// WithEnv appends environment variables for children
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// WithKillGrace sets how long KillAll waits after SIGTERM before SIGKILL
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// New creates a runner. allowed is a list of glob patterns over module
// names; empty allows every module.
func New(recorder Recorder, gate *task.Gate, allowed []string, opts ...Option) (*Runner, error) {
	r := &Runner{
		recorder: recorder,
		gate:     gate,
		args:     []string{ChildFlag},
		grace:    2 * time.Second,
		children: xsync.NewMapOf[string, *child](),
	}
	for _, p := range allowed {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid module pattern %q: %w", p, err)
		}
		r.allowed = append(r.allowed, g)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate handler executable: %w", err)
		}
		r.exe = exe
	}
	return r, nil
}

// Allowed reports whether module may be run
func (r *Runner) Allowed(module string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	for _, g := range r.allowed {
		if g.Match(module) {
			return true
		}
	}
	return false
}

// Start launches a child for cmd and returns a future that resolves with the
// outcome once the child exits. Refused or failed launches resolve at once
// and have their command terminated here.
func (r *Runner) Start(ctx context.Context, cmd db.Command, module, sub string) *future.Future[Outcome] {
	p := future.NewPromise[Outcome]()
	id := uuid.NewString()

	refuse := func(out Outcome) *future.Future[Outcome] {
		if err := r.recorder.CompleteCommand(ctx, cmd, false, out.Message); err != nil && !errors.Is(err, db.ErrCommandTerminal) {
			log.Error().Err(err).Int64("command_id", cmd.CommandID).Msg("Failed to record refused handler")
		}
		p.Set(out, nil)
		return p.Future()
	}

	if !r.Allowed(module) {
		return refuse(Outcome{Kind: OutcomeModuleLoad, Message: fmt.Sprintf("module %s not allowed", module)})
	}

	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()
	if r.closed {
		return refuse(Outcome{Kind: OutcomeNotAttempted, Message: "runner shutting down"})
	}

	proc := exec.Command(r.exe, r.args...)
	proc.Env = append(os.Environ(), r.env...)
	proc.Stderr = os.Stderr
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return refuse(Outcome{Kind: OutcomeNotAttempted, Message: err.Error()})
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return refuse(Outcome{Kind: OutcomeNotAttempted, Message: err.Error()})
	}
	if err := proc.Start(); err != nil {
		return refuse(Outcome{Kind: OutcomeNotAttempted, Message: fmt.Sprintf("spawn failed: %v", err)})
	}

	c := &child{
		id:      id,
		cmd:     cmd,
		proc:    proc,
		started: time.Now(),
		promise: p,
		result:  p.Future(),
	}
	r.children.Store(id, c)
	telemetry.ChildrenLive.Inc()

	log.Debug().
		Str("invocation", id).
		Int64("command_id", cmd.CommandID).
		Str("module", module).
		Str("sub", sub).
		Int("pid", proc.Process.Pid).
		Msg("Handler child started")

	req := newRequest(id, cmd, module, sub)
	go func() {
		err := encoding.NewStream(nil, stdin).Send(req)
		stdin.Close()
		if err != nil {
			log.Warn().Err(err).Str("invocation", id).Msg("Failed to send handler request")
		}
	}()
	go r.watch(c, stdout)

	return c.result
}

// watch follows a child's frames until it exits, then resolves its future
func (r *Runner) watch(c *child, stdout io.Reader) {
	var (
		result   Frame
		reported bool
	)
	stream := encoding.NewStream(stdout, nil)
	for {
		var f Frame
		if err := stream.Recv(&f); err != nil {
			break
		}
		switch f.Type {
		case framePause:
			c.holds.Store(true)
			r.gate.Clear()
			log.Info().Str("invocation", c.id).Msg("Handler cleared the pause signal")
		case frameResume:
			c.holds.Store(false)
			r.gate.Set()
			log.Info().Str("invocation", c.id).Msg("Handler re-asserted the pause signal")
		case frameResult:
			result = f
			reported = true
		}
	}

	waitErr := c.proc.Wait()
	if c.holds.Load() {
		r.gate.Set()
	}

	out := Outcome{Kind: result.Kind, Message: result.Message}
	if !reported {
		code := exitCode(waitErr)
		out = Outcome{
			Kind:    KindFromExitCode(code),
			Message: fmt.Sprintf("handler child exited without a result (status %d)", code),
		}
	}
	if !reported || !result.Recorded {
		if err := r.recorder.CompleteCommand(context.Background(), c.cmd, out.Success(), out.Message); err != nil && !errors.Is(err, db.ErrCommandTerminal) {
			log.Error().Err(err).Int64("command_id", c.cmd.CommandID).Msg("Failed to record handler outcome")
		}
	}

	telemetry.HandlerDurationSeconds.With("module").Observe(time.Since(c.started).Seconds())
	c.done.Store(true)
	c.promise.Set(out, nil)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

// Live is the number of children not yet reaped
func (r *Runner) Live() int {
	return r.children.Size()
}

// Reap removes finished children and returns their outcomes
func (r *Runner) Reap() []Finished {
	var finished []Finished
	r.children.Range(func(id string, c *child) bool {
		if !c.done.Load() {
			return true
		}
		out, _ := c.result.Get()
		r.children.Delete(id)
		telemetry.ChildrenLive.Dec()
		finished = append(finished, Finished{
			ID:      id,
			Command: c.cmd,
			Outcome: out,
			Elapsed: time.Since(c.started),
		})
		return true
	})
	return finished
}

// KillAll terminates every live child, waits for them to exit and reaps
// them. The runner accepts new children again afterwards.
func (r *Runner) KillAll() {
	r.spawnMu.Lock()
	r.closed = true
	r.spawnMu.Unlock()

	var wg sync.WaitGroup
	r.children.Range(func(id string, c *child) bool {
		if c.done.Load() {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.kill(c)
		}()
		return true
	})
	wg.Wait()

	for _, f := range r.Reap() {
		log.Info().
			Str("invocation", f.ID).
			Int64("command_id", f.Command.CommandID).
			Stringer("outcome", f.Outcome.Kind).
			Msg("Handler child reaped on teardown")
	}
	r.gate.Set()

	r.spawnMu.Lock()
	r.closed = false
	r.spawnMu.Unlock()
}

func (r *Runner) kill(c *child) {
	pgid := -c.proc.Process.Pid
	unix.Kill(pgid, unix.SIGTERM)

	wait := make(chan struct{})
	go func() {
		c.result.Get()
		close(wait)
	}()

	select {
	case <-wait:
	case <-time.After(r.grace):
		log.Warn().Str("invocation", c.id).Msg("Handler child ignored SIGTERM, killing")
		unix.Kill(pgid, unix.SIGKILL)
		<-wait
	}
}
