package gateway

import (
	"encoding/json"

	"github.com/petal-labs/petalvoice/tool"
)

// Message types exchanged with devices besides the mcp and iot envelopes.
const (
	TypeHello      = "hello"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeListTools  = "list_tools"
	TypeTools      = "tools"
)

type messageHead struct {
	Type string `json:"type"`
}

// HelloMessage opens a device session.
type HelloMessage struct {
	Type      string          `json:"type"`
	Version   int             `json:"version,omitempty"`
	Transport string          `json:"transport,omitempty"`
	Features  map[string]bool `json:"features,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// ToolCallMessage asks the session to run one tool.
type ToolCallMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultMessage answers a ToolCallMessage.
type ToolResultMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name"`
	Action    tool.Action `json:"action"`
	Result    string      `json:"result,omitempty"`
	Response  string      `json:"response,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// ToolsMessage lists the function-calling descriptors of a session.
type ToolsMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Tools     []tool.Descriptor `json:"tools"`
}
