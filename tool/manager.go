package tool

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the observer notified of every dispatch.
func WithObserver(observer Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = ObserverOrNoop(observer)
	}
}

type registration struct {
	kind     SourceKind
	executor Executor
	cancel   func()
}

type registrySnapshot struct {
	tools       map[string]Tool
	owners      map[string]SourceKind
	descriptors []Descriptor
}

// Manager aggregates every executor behind one name to tool map and routes calls.
//
// The aggregate map and descriptor list are cached until an executor is
// registered or removed, or a registered ChangeSource reports a change.
// When two sources expose the same name the later registration wins and a
// warning is logged.
type Manager struct {
	logger   *slog.Logger
	observer Observer

	mu            sync.Mutex
	registrations []registration
	generation    uint64
	cache         *registrySnapshot
}

// NewManager returns an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		observer: NoopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With("component", "tool_manager")
	return m
}

// Register adds or replaces the executor for kind. A replaced kind moves to the
// end of the lookup order.
func (m *Manager) Register(kind SourceKind, executor Executor) error {
	if !kind.Valid() {
		return fmt.Errorf("tool: unknown source kind %q", kind)
	}
	if executor == nil {
		return fmt.Errorf("tool: executor for %q is nil", kind)
	}

	reg := registration{kind: kind, executor: executor}
	if source, ok := executor.(ChangeSource); ok {
		reg.cancel = source.OnChange(m.Invalidate)
	}

	m.mu.Lock()
	previous := m.removeLocked(kind)
	m.registrations = append(m.registrations, reg)
	m.invalidateLocked()
	m.mu.Unlock()

	if previous != nil {
		previous()
	}
	m.logger.Debug("executor registered", "source", string(kind))
	return nil
}

// Unregister removes the executor for kind. It reports whether one was present.
func (m *Manager) Unregister(kind SourceKind) bool {
	m.mu.Lock()
	before := len(m.registrations)
	cancel := m.removeLocked(kind)
	removed := len(m.registrations) != before
	if removed {
		m.invalidateLocked()
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return removed
}

func (m *Manager) removeLocked(kind SourceKind) func() {
	for i, reg := range m.registrations {
		if reg.kind != kind {
			continue
		}
		m.registrations = slices.Delete(m.registrations, i, i+1)
		return reg.cancel
	}
	return nil
}

// Executor returns the executor registered for kind.
func (m *Manager) Executor(kind SourceKind) (Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.registrations {
		if reg.kind == kind {
			return reg.executor, true
		}
	}
	return nil, false
}

// Invalidate drops the cached aggregate so the next read rebuilds it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.invalidateLocked()
	m.mu.Unlock()
}

func (m *Manager) invalidateLocked() {
	m.generation++
	m.cache = nil
}

// AllTools returns the aggregate name to tool map.
func (m *Manager) AllTools(ctx context.Context) map[string]Tool {
	return maps.Clone(m.snapshot(ctx).tools)
}

// Descriptors returns the function-calling descriptor list for the language model.
func (m *Manager) Descriptors(ctx context.Context) []Descriptor {
	return slices.Clone(m.snapshot(ctx).descriptors)
}

// HasTool reports whether any executor exposes name.
func (m *Manager) HasTool(ctx context.Context, name string) bool {
	_, ok := m.snapshot(ctx).owners[name]
	return ok
}

// Lookup returns the tool exposed under name.
func (m *Manager) Lookup(ctx context.Context, name string) (Tool, bool) {
	t, ok := m.snapshot(ctx).tools[name]
	return t, ok
}

func (m *Manager) snapshot(ctx context.Context) *registrySnapshot {
	m.mu.Lock()
	if m.cache != nil {
		cached := m.cache
		m.mu.Unlock()
		return cached
	}
	generation := m.generation
	regs := slices.Clone(m.registrations)
	m.mu.Unlock()

	built := m.build(ctx, regs)

	m.mu.Lock()
	if m.generation == generation {
		m.cache = built
	}
	m.mu.Unlock()
	return built
}

func (m *Manager) build(ctx context.Context, regs []registration) *registrySnapshot {
	out := &registrySnapshot{
		tools:  make(map[string]Tool),
		owners: make(map[string]SourceKind),
	}
	order := make([]string, 0)
	for _, reg := range regs {
		for _, t := range m.listTools(ctx, reg) {
			if t.Name == "" {
				continue
			}
			t.Kind = reg.kind
			if owner, exists := out.owners[t.Name]; exists {
				if owner != reg.kind {
					m.logger.Warn("tool name collision, later source wins",
						"tool", t.Name,
						"previous_source", string(owner),
						"source", string(reg.kind),
					)
				}
			} else {
				order = append(order, t.Name)
			}
			out.tools[t.Name] = t
			out.owners[t.Name] = reg.kind
		}
	}
	out.descriptors = make([]Descriptor, 0, len(order))
	for _, name := range order {
		out.descriptors = append(out.descriptors, out.tools[name].Descriptor())
	}
	return out
}

func (m *Manager) listTools(ctx context.Context, reg registration) (tools []Tool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("executor panicked while listing tools", "source", string(reg.kind), "panic", r)
			tools = nil
		}
	}()
	return reg.executor.ListTools(ctx)
}

// Execute routes a call to the executor that owns name. It never returns an
// error: failures become ActionError or ActionNotFound results.
func (m *Manager) Execute(ctx context.Context, conn Conn, name string, args any) Result {
	start := time.Now()
	snap := m.snapshot(ctx)

	kind, ok := snap.owners[name]
	var executor Executor
	if ok {
		executor, ok = m.Executor(kind)
	}
	if !ok {
		m.logger.Warn("tool not found", "tool", name)
		result := NotFound(name)
		m.observe(name, kind, result, start)
		return result
	}

	result := m.invoke(ctx, executor, conn, kind, name, args)
	m.observe(name, kind, result, start)
	return result
}

func (m *Manager) invoke(ctx context.Context, executor Executor, conn Conn, kind SourceKind, name string, args any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("executor panicked", "tool", name, "source", string(kind), "panic", r)
			result = Failed(Errorf(CodeInvocationFailed, "tool %q failed unexpectedly: %v", name, r))
		}
	}()

	out, err := executor.Execute(ctx, conn, name, args)
	if err != nil {
		m.logger.Warn("tool call failed", "tool", name, "source", string(kind), "error", err)
		return Failed(err)
	}
	return out.normalize()
}

func (m *Manager) observe(name string, kind SourceKind, result Result, start time.Time) {
	m.observer.ObserveInvoke(InvokeObservation{
		ToolName:   name,
		Source:     kind,
		Action:     result.Action,
		DurationMS: time.Since(start).Milliseconds(),
		Success:    result.Action != ActionError && result.Action != ActionNotFound,
		ErrorCode:  ErrorCode(result.Err),
	})
}
