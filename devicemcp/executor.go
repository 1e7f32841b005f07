package devicemcp

import (
	"context"

	"github.com/petal-labs/petalvoice/tool"
)

// Executor exposes a device client to the tool manager.
type Executor struct {
	client *Client
}

// NewExecutor wraps client.
func NewExecutor(client *Client) *Executor {
	return &Executor{client: client}
}

// Execute calls the device tool and feeds its text back to the model.
func (e *Executor) Execute(ctx context.Context, _ tool.Conn, name string, args any) (tool.Result, error) {
	if e.client == nil {
		return tool.Result{}, tool.Errorf(tool.CodeNotReady, "device capability client is not connected")
	}
	text, err := e.client.CallTool(ctx, name, args)
	if err != nil {
		return tool.Result{}, tool.AsToolError(err, tool.CodeTransport)
	}
	return tool.ReqLLM(text), nil
}

// ListTools returns the device tools, empty until discovery completes.
// A reset keeps them listed; Close drops them.
func (e *Executor) ListTools(context.Context) []tool.Tool {
	if e.client == nil {
		return nil
	}
	return e.client.Tools()
}

// HasTool reports whether the device exposes name.
func (e *Executor) HasTool(name string) bool {
	return e.client != nil && e.client.HasTool(name)
}

// OnChange forwards discovery and reset notifications.
func (e *Executor) OnChange(fn func()) func() {
	if e.client == nil {
		return func() {}
	}
	return e.client.OnChange(fn)
}
