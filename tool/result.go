package tool

import "fmt"

// Action tells the dialogue layer what to do with a tool result.
type Action string

const (
	// ActionError means the call failed; Result carries text the model can recover from.
	ActionError Action = "error"
	// ActionNotFound means no source owns the tool.
	ActionNotFound Action = "not_found"
	// ActionNone means the call completed and needs no follow-up.
	ActionNone Action = "none"
	// ActionResponse means Response should be spoken to the user directly.
	ActionResponse Action = "response"
	// ActionReqLLM means Result should be fed back to the language model.
	ActionReqLLM Action = "req_llm"
)

// Result is the normalized outcome of one tool call.
type Result struct {
	Action   Action `json:"action"`
	Result   string `json:"result,omitempty"`
	Response string `json:"response,omitempty"`
	Err      error  `json:"-"`
}

// ReqLLM returns a result to be fed back to the language model.
func ReqLLM(text string) Result {
	return Result{Action: ActionReqLLM, Result: text}
}

// Respond returns a result whose text is spoken directly.
func Respond(text string) Result {
	return Result{Action: ActionResponse, Response: text}
}

// None returns a result that ends the turn without follow-up.
func None(text string) Result {
	return Result{Action: ActionNone, Result: text}
}

// NotFound returns the result for an unknown tool name.
func NotFound(name string) Result {
	return Result{
		Action:   ActionNotFound,
		Response: fmt.Sprintf("tool %q not found", name),
		Err:      Errorf(CodeNotFound, "tool %q not found", name),
	}
}

// Failed converts err into an error-flavored result.
func Failed(err error) Result {
	toolErr := AsToolError(err, CodeInvocationFailed)
	if toolErr == nil {
		toolErr = NewError(CodeInvocationFailed, "tool call failed", nil)
	}
	if toolErr.Code == CodeNotFound {
		return Result{Action: ActionNotFound, Response: toolErr.Message, Err: toolErr}
	}
	return Result{Action: ActionError, Result: toolErr.Error(), Err: toolErr}
}

// normalize fills in an action for executors that left it empty.
func (r Result) normalize() Result {
	if r.Action != "" {
		return r
	}
	switch {
	case r.Response != "":
		r.Action = ActionResponse
	case r.Result != "":
		r.Action = ActionReqLLM
	default:
		r.Action = ActionNone
	}
	return r
}
