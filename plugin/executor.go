package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalvoice/tool"
)

// Executor exposes the required functions plus the enabled subset of a Registry.
type Executor struct {
	tool.Notifier

	registry *Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	enabled map[string]bool
}

// NewExecutor serves registry with the given functions enabled.
func NewExecutor(registry *Registry, enabled []string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry: registry,
		logger:   logger.With("component", "plugin_executor"),
	}
	e.enabled = e.toSet(enabled)
	return e
}

func (e *Executor) toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := e.registry.Lookup(name); !ok {
			e.logger.Warn("enabled plugin function is not registered", "function", name)
			continue
		}
		set[name] = true
	}
	return set
}

// SetEnabled replaces the enabled set and notifies subscribers.
func (e *Executor) SetEnabled(names []string) {
	set := e.toSet(names)
	e.mu.Lock()
	e.enabled = set
	e.mu.Unlock()
	e.Notify()
}

func (e *Executor) exposed(fn Function) bool {
	if fn.Required {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled[fn.Name]
}

// ListTools returns required and enabled functions sorted by name.
func (e *Executor) ListTools(context.Context) []tool.Tool {
	out := make([]tool.Tool, 0)
	for _, fn := range e.registry.Functions() {
		if e.exposed(fn) {
			out = append(out, fn.Tool())
		}
	}
	return out
}

// HasTool reports whether name is exposed.
func (e *Executor) HasTool(name string) bool {
	fn, ok := e.registry.Lookup(name)
	return ok && e.exposed(fn)
}

// Execute runs the function synchronously.
func (e *Executor) Execute(ctx context.Context, conn tool.Conn, name string, args any) (tool.Result, error) {
	fn, ok := e.registry.Lookup(name)
	if !ok || !e.exposed(fn) {
		return tool.Result{}, tool.Errorf(tool.CodeNotFound, "plugin function %q is not available", name)
	}
	parsed, err := tool.ParseArguments(args)
	if err != nil {
		return tool.Result{}, err
	}

	var session tool.Conn
	if fn.Category.NeedsConn() {
		session = conn
	}
	result, err := fn.Handler(ctx, session, parsed)
	if err != nil {
		return tool.Result{}, tool.AsToolError(err, tool.CodeInvocationFailed)
	}
	return result, nil
}
