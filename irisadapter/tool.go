// Package irisadapter exposes the tool manager to iris-based dialogue code.
package irisadapter

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/petal-labs/iris/tools"

	"github.com/petal-labs/petalvoice/tool"
)

// ManagerTool adapts one manager tool to the iris tools.Tool interface.
type ManagerTool struct {
	manager *tool.Manager
	conn    tool.Conn
	def     tool.Tool
}

// NewManagerTool binds def to manager calls made on behalf of conn.
func NewManagerTool(manager *tool.Manager, conn tool.Conn, def tool.Tool) *ManagerTool {
	return &ManagerTool{manager: manager, conn: conn, def: def}
}

// Tools returns every tool the manager currently exposes, sorted by name.
func Tools(ctx context.Context, manager *tool.Manager, conn tool.Conn) []tools.Tool {
	all := manager.AllTools(ctx)
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]tools.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, NewManagerTool(manager, conn, all[name]))
	}
	return out
}

// Name returns the tool's name.
func (a *ManagerTool) Name() string {
	return a.def.Name
}

// Description returns the tool's description.
func (a *ManagerTool) Description() string {
	return a.def.Description
}

// Schema returns the tool's JSON schema.
func (a *ManagerTool) Schema() tools.ToolSchema {
	data, err := json.Marshal(tool.NormalizeParameters(a.def.Parameters))
	if err != nil {
		data = []byte(`{"type":"object","properties":{}}`)
	}
	return tools.ToolSchema{JSONSchema: data}
}

// Call dispatches through the manager. Failed calls return the result along
// with its error so callers can still read the recoverable text.
func (a *ManagerTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	result := a.manager.Execute(ctx, a.conn, a.def.Name, args)
	if result.Action == tool.ActionError || result.Action == tool.ActionNotFound {
		return result, result.Err
	}
	return result, nil
}

// Ensure interface compliance at compile time.
var _ tools.Tool = (*ManagerTool)(nil)
