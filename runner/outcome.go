package runner

import (
	"errors"

	"github.com/openqs/vms/db"
)

// ErrProtocol marks a handler result that breaks the runner contract. A
// handler wraps it to have the command terminated as a protocol violation.
var ErrProtocol = errors.New("handler protocol violation")

// OutcomeKind classifies how a command handler finished
type OutcomeKind uint8

const (
	OutcomeOK OutcomeKind = iota
	OutcomeFailed
	OutcomeUnknown
	OutcomeModuleLoad
	OutcomeHandlerRaised
	OutcomeNotAttempted
	OutcomeProtocolError
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeOK:            "ok",
	OutcomeFailed:        "failed",
	OutcomeUnknown:       "unknown",
	OutcomeModuleLoad:    "module_load",
	OutcomeHandlerRaised: "handler_raised",
	OutcomeNotAttempted:  "not_attempted",
	OutcomeProtocolError: "protocol_error",
}

func (k OutcomeKind) String() string {
	if s, ok := outcomeNames[k]; ok {
		return s
	}
	return "invalid"
}

// ExitCode is the process exit status a handler child reports for k
func (k OutcomeKind) ExitCode() int {
	switch k {
	case OutcomeOK:
		return 0
	case OutcomeUnknown:
		return 2
	case OutcomeModuleLoad:
		return 3
	case OutcomeHandlerRaised:
		return 4
	case OutcomeNotAttempted:
		return 5
	default:
		return 1
	}
}

// KindFromExitCode reverses ExitCode. Codes outside 0..5 are treated as a
// raised handler since the child died without reporting.
func KindFromExitCode(code int) OutcomeKind {
	switch code {
	case 0:
		return OutcomeOK
	case 1:
		return OutcomeFailed
	case 2:
		return OutcomeUnknown
	case 3:
		return OutcomeModuleLoad
	case 5:
		return OutcomeNotAttempted
	default:
		return OutcomeHandlerRaised
	}
}

// Outcome is the single result of running a command handler
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Success reports whether the command should end in Success
func (o Outcome) Success() bool { return o.Kind == OutcomeOK }

// State is the terminal command state for o
func (o Outcome) State() db.CommandState {
	if o.Success() {
		return db.StateSuccess
	}
	return db.StateFail
}

// ExitCode is a shorthand for o.Kind.ExitCode()
func (o Outcome) ExitCode() int { return o.Kind.ExitCode() }

// OutcomeOf converts a handler's (ok, err) return into an Outcome
func OutcomeOf(ok bool, err error) Outcome {
	switch {
	case err == nil && ok:
		return Outcome{Kind: OutcomeOK}
	case err == nil:
		return Outcome{Kind: OutcomeFailed}
	case errors.Is(err, ErrProtocol):
		return Outcome{Kind: OutcomeProtocolError, Message: err.Error()}
	case errors.Is(err, ErrUnknownModule):
		return Outcome{Kind: OutcomeModuleLoad, Message: err.Error()}
	default:
		return Outcome{Kind: OutcomeFailed, Message: err.Error()}
	}
}
