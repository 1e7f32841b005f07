package irisadapter

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/iris/core"

	"github.com/petal-labs/petalvoice/tool"
)

// Outcome summarizes one round of model tool calls.
type Outcome struct {
	// Results go back to the model on the next turn.
	Results []core.ToolResult
	// Responses are spoken to the user directly, in call order.
	Responses []string
	// NeedsLLM is set when at least one result must be fed back to the model.
	NeedsLLM bool
}

// ExecuteToolCalls runs the tool calls of a model response through manager.
func ExecuteToolCalls(ctx context.Context, manager *tool.Manager, conn tool.Conn, calls []core.ToolCall) Outcome {
	var out Outcome
	for _, call := range calls {
		var args any
		if len(call.Arguments) > 0 {
			args = json.RawMessage(call.Arguments)
		}
		result := manager.Execute(ctx, conn, call.Name, args)

		content := result.Result
		switch result.Action {
		case tool.ActionReqLLM:
			out.NeedsLLM = true
		case tool.ActionResponse:
			out.Responses = append(out.Responses, result.Response)
			content = result.Response
		case tool.ActionNotFound:
			out.NeedsLLM = true
			content = result.Response
		case tool.ActionError:
			out.NeedsLLM = true
		}
		out.Results = append(out.Results, core.ToolResult{
			CallID:  call.ID,
			Content: content,
			IsError: result.Action == tool.ActionError || result.Action == tool.ActionNotFound,
		})
	}
	return out
}
