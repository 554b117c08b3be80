package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/encoding"
	"github.com/rs/zerolog/log"
)

// Frame types written by a child on its stdout
const (
	framePause  = "pause"
	frameResume = "resume"
	frameResult = "result"
)

// Request is the single frame a parent writes to a child's stdin
type Request struct {
	ID        string    `msgpack:"id"`
	EventKey  int64     `msgpack:"event_key"`
	SessionID int64     `msgpack:"session_id"`
	CommandID int64     `msgpack:"command_id"`
	Name      string    `msgpack:"name"`
	Data      string    `msgpack:"data"`
	Priority  int       `msgpack:"priority"`
	Source    string    `msgpack:"source"`
	Time      time.Time `msgpack:"time"`
	Module    string    `msgpack:"module"`
	Sub       string    `msgpack:"sub"`
}

func newRequest(id string, cmd db.Command, module, sub string) Request {
	return Request{
		ID:        id,
		EventKey:  cmd.EventKey,
		SessionID: cmd.SessionID,
		CommandID: cmd.CommandID,
		Name:      cmd.Name,
		Data:      cmd.Data,
		Priority:  cmd.Priority,
		Source:    cmd.Source,
		Time:      cmd.Time,
		Module:    module,
		Sub:       sub,
	}
}

// Command rebuilds the Processing command row the request was made from
func (r Request) Command() db.Command {
	return db.Command{
		EventKey:   r.EventKey,
		SessionID:  r.SessionID,
		CommandID:  r.CommandID,
		Name:       r.Name,
		Data:       r.Data,
		Priority:   r.Priority,
		Source:     r.Source,
		State:      db.StateProcessing,
		ReadFromSV: true,
		Time:       r.Time,
	}
}

// Frame is a control or result message from a child
type Frame struct {
	Type     string      `msgpack:"type"`
	Kind     OutcomeKind `msgpack:"kind"`
	Message  string      `msgpack:"message"`
	Recorded bool        `msgpack:"recorded"`
}

// StoreOpener opens the child's own local store connection
type StoreOpener func(ctx context.Context) (*db.LocalStore, error)

// remotePause forwards pause transitions to the parent, which owns the gate
type remotePause struct {
	mu      sync.Mutex
	stream  *encoding.Stream
	cleared bool
}

func (p *remotePause) send(typ string) {
	if err := p.stream.Send(Frame{Type: typ}); err != nil {
		log.Warn().Err(err).Str("frame", typ).Msg("Failed to signal parent")
	}
}

func (p *remotePause) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = true
	p.send(framePause)
}

func (p *remotePause) held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

func (p *remotePause) Set() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = false
	p.send(frameResume)
}

// RunChild is the entry point of a handler child process. It reads one
// request from r, runs the module, records the terminal command state and
// reports the outcome on w. The return value is the process exit code.
func RunChild(ctx context.Context, r io.Reader, w io.Writer, reg *Registry, open StoreOpener) int {
	stream := encoding.NewStream(r, w)

	var req Request
	if err := stream.Recv(&req); err != nil {
		out := Outcome{Kind: OutcomeProtocolError, Message: fmt.Sprintf("bad request frame: %v", err)}
		stream.Send(Frame{Type: frameResult, Kind: out.Kind, Message: out.Message})
		return out.ExitCode()
	}

	logger := log.With().Str("invocation", req.ID).Int64("command_id", req.CommandID).Str("module", req.Module).Logger()
	pause := &remotePause{stream: stream}

	store, err := open(ctx)
	if err != nil {
		out := Outcome{Kind: OutcomeNotAttempted, Message: fmt.Sprintf("local store unavailable: %v", err)}
		logger.Error().Err(err).Msg("Handler child could not open the local store")
		stream.Send(Frame{Type: frameResult, Kind: out.Kind, Message: out.Message})
		return out.ExitCode()
	}
	defer store.Close()

	out := invoke(ctx, reg, &Env{Store: store, Pause: pause, Command: req.Command()}, req)

	recorded := true
	if err := store.CompleteCommand(ctx, req.Command(), out.Success(), out.Message); err != nil {
		recorded = errors.Is(err, db.ErrCommandTerminal)
		if !recorded {
			logger.Error().Err(err).Msg("Failed to record handler outcome")
		}
	}

	logger.Info().Stringer("outcome", out.Kind).Bool("recorded", recorded).Msg("Handler finished")
	if err := stream.Send(Frame{Type: frameResult, Kind: out.Kind, Message: out.Message, Recorded: recorded}); err != nil {
		logger.Warn().Err(err).Msg("Failed to report outcome to parent")
	}
	return out.ExitCode()
}

// invoke resolves and runs the handler. A panic becomes HandlerRaised and
// always re-asserts the pause signal.
func invoke(ctx context.Context, reg *Registry, env *Env, req Request) (out Outcome) {
	h, err := reg.Lookup(req.Module)
	if err != nil {
		return Outcome{Kind: OutcomeModuleLoad, Message: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			env.Pause.Set()
			out = Outcome{Kind: OutcomeHandlerRaised, Message: fmt.Sprintf("%s.%s raised: %v\n%s", req.Module, req.Sub, r, debug.Stack())}
		}
	}()

	ok, err := h.Process(ctx, env, req.Sub, req.Data)
	out = OutcomeOf(ok, err)
	if out.Kind == OutcomeOK {
		out.Message = env.report
	}
	if out.Kind == OutcomeFailed && out.Message == "" {
		out.Message = fmt.Sprintf("%s.%s returned failure", req.Module, req.Sub)
	}
	if p, isRemote := env.Pause.(*remotePause); isRemote && p.held() {
		p.Set()
	}
	return out
}
