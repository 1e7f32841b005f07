package serverpool

import (
	"context"

	"github.com/petal-labs/petalvoice/tool"
)

// Executor exposes a Pool to the tool manager.
type Executor struct {
	pool *Pool
}

// NewExecutor wraps pool.
func NewExecutor(pool *Pool) *Executor {
	return &Executor{pool: pool}
}

// Execute runs the pooled call and feeds its text back to the model.
func (e *Executor) Execute(ctx context.Context, _ tool.Conn, name string, args any) (tool.Result, error) {
	text, err := e.pool.Execute(ctx, name, args)
	if err != nil {
		return tool.Result{}, tool.AsToolError(err, tool.CodeTransport)
	}
	return tool.ReqLLM(text), nil
}

// ListTools returns the merged pool tools.
func (e *Executor) ListTools(context.Context) []tool.Tool {
	return e.pool.Tools()
}

// HasTool reports whether any pooled server exposes name.
func (e *Executor) HasTool(name string) bool {
	return e.pool.HasTool(name)
}

// OnChange forwards pool topology changes.
func (e *Executor) OnChange(fn func()) func() {
	return e.pool.OnChange(fn)
}
