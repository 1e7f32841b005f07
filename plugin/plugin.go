// Package plugin serves in-process functions as tools.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/petalvoice/tool"
)

// Category says how much session context a function needs.
type Category int

const (
	// CategoryNone functions only see their arguments.
	CategoryNone Category = iota
	// CategoryWait functions only see their arguments and may block briefly.
	CategoryWait
	// CategorySystemControl functions control the session itself.
	CategorySystemControl
	// CategoryStateMutation functions change session state.
	CategoryStateMutation
	// CategoryPromptMutation functions replace the session prompt.
	CategoryPromptMutation
)

// NeedsConn reports whether handlers of c receive the session connection.
func (c Category) NeedsConn() bool {
	switch c {
	case CategorySystemControl, CategoryStateMutation, CategoryPromptMutation:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryWait:
		return "wait"
	case CategorySystemControl:
		return "system_control"
	case CategoryStateMutation:
		return "state_mutation"
	case CategoryPromptMutation:
		return "prompt_mutation"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Handler runs one function call. conn is nil unless the category needs it.
type Handler func(ctx context.Context, conn tool.Conn, args map[string]any) (tool.Result, error)

// Function is one registered plugin function.
type Function struct {
	Name        string
	Description string
	Parameters  map[string]any
	Category    Category
	// Required functions are exposed regardless of configuration.
	Required bool
	Handler  Handler
}

// Tool renders f as a tool record.
func (f Function) Tool() tool.Tool {
	return tool.Tool{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  tool.NormalizeParameters(f.Parameters),
		Kind:        tool.SourcePlugin,
	}
}

// Registry holds plugin functions by name. It is built at startup and passed
// to the executors that serve it.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

// Register adds fn. Names must be unique and already schema-safe.
func (r *Registry) Register(fn Function) error {
	name := strings.TrimSpace(fn.Name)
	if name == "" {
		return errors.New("plugin: function name is required")
	}
	if tool.SanitizeName(name) != name {
		return fmt.Errorf("plugin: function name %q must match [A-Za-z0-9_]", name)
	}
	if fn.Handler == nil {
		return fmt.Errorf("plugin: function %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[name]; exists {
		return fmt.Errorf("plugin: function %q already registered", name)
	}
	fn.Name = name
	r.functions[name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// Functions returns every registered function sorted by name.
func (r *Registry) Functions() []Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Function, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
