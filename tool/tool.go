package tool

import "maps"

// SourceKind identifies which family of capability source owns a tool.
type SourceKind string

const (
	// SourceDeviceIoT covers tools synthesized from device sensor/actuator descriptors.
	SourceDeviceIoT SourceKind = "device_iot"
	// SourceDeviceMCP covers tools served by a capability server embedded in the device.
	SourceDeviceMCP SourceKind = "device_mcp"
	// SourceServerMCP covers tools served by locally configured capability servers.
	SourceServerMCP SourceKind = "server_mcp"
	// SourcePlugin covers in-process plugin functions.
	SourcePlugin SourceKind = "server_plugin"
	// SourceEndpoint covers tools served by a standalone capability endpoint.
	SourceEndpoint SourceKind = "mcp_endpoint"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceDeviceIoT, SourceDeviceMCP, SourceServerMCP, SourcePlugin, SourceEndpoint:
		return true
	default:
		return false
	}
}

// Tool is one capability exposed to the language model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Kind        SourceKind     `json:"kind"`
}

// Descriptor is the function-calling entry handed to the language model.
type Descriptor struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the function body of a Descriptor.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Descriptor renders t in function-calling form.
func (t Tool) Descriptor() Descriptor {
	return Descriptor{
		Type: "function",
		Function: FunctionSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  NormalizeParameters(t.Parameters),
		},
	}
}

// EmptyParameters returns an object schema with no properties and nothing required.
func EmptyParameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

// NormalizeParameters returns a copy of schema that is always an object schema.
// A nil or empty schema becomes EmptyParameters.
func NormalizeParameters(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return EmptyParameters()
	}
	out := maps.Clone(schema)
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}
