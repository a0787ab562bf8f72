// Package capability resolves (capability, command) pairs to typed handlers
// and defines the invocation contract every unit of work is called through.
package capability

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/aristath/taskforge/internal/fault"
)

// Request is one invocation of a capability.
// WorkDir is the isolated working copy the handler must operate in; handlers
// never rely on the process working directory.
type Request struct {
	Capability string
	Command    string
	Args       map[string]any
	WorkDir    string
}

// Result is the structured output of a capability.
type Result struct {
	Output    string
	Data      map[string]any
	Artifacts map[string]string // artifact name -> location
}

// Handler executes one capability command.
type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Invoker is the boundary the orchestrator, workflow engine and bug-fix
// coordinator call through.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// AnyCommand registers a handler for every command of a capability.
const AnyCommand = "*"

type key struct {
	capability string
	command    string
}

// Registry maps (capability, command) to handlers. It is populated at
// startup and safe for concurrent lookups afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register binds h to (capability, command). Use AnyCommand to serve every
// command of the capability.
func (r *Registry) Register(capability, command string, h Handler) error {
	if capability == "" || command == "" {
		return fmt.Errorf("capability and command must be non-empty")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s/%s", capability, command)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{capability, command}
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler already registered for %s/%s", capability, command)
	}
	r.handlers[k] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on conflict.
func (r *Registry) MustRegister(capability, command string, h Handler) {
	if err := r.Register(capability, command, h); err != nil {
		panic(err)
	}
}

// Resolve finds the handler for (capability, command), falling back to the
// capability's AnyCommand handler.
func (r *Registry) Resolve(capability, command string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[key{capability, command}]; ok {
		return h, nil
	}
	if h, ok := r.handlers[key{capability, AnyCommand}]; ok {
		return h, nil
	}
	return nil, fault.Newf(fault.ErrCapability, "capability.resolve", "%w: no handler for %s/%s", fault.ErrNotFound, capability, command)
}

// Capabilities lists registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for k := range r.handlers {
		seen[k.capability] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves and executes req. Handler errors and panics come back as
// CapabilityError; nothing escapes as a panic.
func (r *Registry) Invoke(ctx context.Context, req Request) (res Result, err error) {
	h, err := r.Resolve(req.Capability, req.Command)
	if err != nil {
		return Result{}, err
	}

	op := "capability." + req.Capability
	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = fault.Newf(fault.ErrCapability, op, "panic: %v\n%s", p, debug.Stack())
		}
	}()

	res, err = h.Execute(ctx, req)
	if err != nil {
		if fault.Is(err, fault.ErrCapability) {
			return res, err
		}
		return res, fault.New(fault.ErrCapability, op, err)
	}
	return res, nil
}
