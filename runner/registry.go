package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openqs/vms/db"
)

// ErrUnknownModule is returned when no handler module is registered under a name
var ErrUnknownModule = errors.New("unknown handler module")

// Pauser is the pause signal as seen by a handler. Clear halts the periodic
// fabric, Set lets it run again.
type Pauser interface {
	Clear()
	Set()
}

// Env is what a handler gets to work with inside its child process
type Env struct {
	Store   *db.LocalStore
	Pause   Pauser
	Command db.Command

	report string
}

// Report sets the message recorded with a successful command
func (e *Env) Report(format string, args ...interface{}) {
	e.report = fmt.Sprintf(format, args...)
}

// Handler runs the subcommands of one module. Returning (false, nil) fails
// the command without a message; a non-nil error fails it with the error text.
type Handler interface {
	Process(ctx context.Context, env *Env, sub, data string) (bool, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *Env, sub, data string) (bool, error)

func (f HandlerFunc) Process(ctx context.Context, env *Env, sub, data string) (bool, error) {
	return f(ctx, env, sub, data)
}

// Factory builds a module's handler. It runs at most once per registry.
type Factory func() (Handler, error)

// Registry maps module names to handlers, constructing each lazily on first
// lookup
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	handlers  map[string]Handler
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		handlers:  make(map[string]Handler),
	}
}

// Default is the registry modules add themselves to from init()
var Default = NewRegistry()

// Register adds a module to the default registry
func Register(module string, factory Factory) {
	Default.Register(module, factory)
}

// Register adds or replaces a module factory
func (r *Registry) Register(module string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[module] = factory
	delete(r.handlers, module)
}

// Lookup returns the handler for module, building it on first use
func (r *Registry) Lookup(module string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handlers[module]; ok {
		return h, nil
	}
	factory, ok := r.factories[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	h, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownModule, module, err)
	}
	r.handlers[module] = h
	return h, nil
}

// Modules lists the registered module names in order
func (r *Registry) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
