package endpoint

import (
	"context"

	"github.com/petal-labs/petalvoice/tool"
)

// Executor exposes an endpoint client to the tool manager.
type Executor struct {
	client *Client
}

// NewExecutor wraps client.
func NewExecutor(client *Client) *Executor {
	return &Executor{client: client}
}

// Execute calls the endpoint tool and feeds its text back to the model.
func (e *Executor) Execute(ctx context.Context, _ tool.Conn, name string, args any) (tool.Result, error) {
	text, err := e.client.CallTool(ctx, name, args)
	if err != nil {
		return tool.Result{}, tool.AsToolError(err, tool.CodeTransport)
	}
	return tool.ReqLLM(text), nil
}

// ListTools returns the last discovered endpoint tools. They stay listed
// after the socket drops so calls fail as not ready.
func (e *Executor) ListTools(context.Context) []tool.Tool {
	return e.client.Tools()
}

// HasTool reports whether the endpoint exposes name.
func (e *Executor) HasTool(name string) bool {
	return e.client.HasTool(name)
}

// OnChange forwards discovery and disconnect notifications.
func (e *Executor) OnChange(fn func()) func() {
	return e.client.OnChange(fn)
}
