// Package iot synthesizes tools from the sensor and actuator descriptors a
// device announces about itself.
package iot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MessageType tags device session messages carrying IoT descriptors, states,
// or commands.
const MessageType = "iot"

// Property is one readable device attribute, or one method parameter.
type Property struct {
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Method is one device action.
type Method struct {
	Description string              `json:"description,omitempty"`
	Parameters  map[string]Property `json:"parameters,omitempty"`
}

// Descriptor announces a device and everything it can report or do.
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Methods     map[string]Method   `json:"methods,omitempty"`
}

// State carries fresh property values for one device.
type State struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state"`
}

// Command asks the device to run one method.
type Command struct {
	Name       string         `json:"name"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Message is the iot envelope in both directions.
type Message struct {
	SessionID   string       `json:"session_id,omitempty"`
	Type        string       `json:"type"`
	Descriptors []Descriptor `json:"descriptors,omitempty"`
	States      []State      `json:"states,omitempty"`
	Commands    []Command    `json:"commands,omitempty"`
}

// ParseMessage decodes an inbound iot message.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("iot: decode message: %w", err)
	}
	if msg.Type != "" && msg.Type != MessageType {
		return Message{}, fmt.Errorf("iot: unexpected message type %q", msg.Type)
	}
	return msg, nil
}

// schemaType maps a device type name to a JSON schema type.
func schemaType(deviceType string) string {
	switch strings.ToLower(strings.TrimSpace(deviceType)) {
	case "number", "float", "double":
		return "number"
	case "integer", "int":
		return "integer"
	case "boolean", "bool":
		return "boolean"
	default:
		return "string"
	}
}

// formatValue renders a property or parameter value for speech templates.
// Integral numbers drop their fraction.
func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return formatValue(float64(value))
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case json.Number:
		return value.String()
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	}
}

// fillTemplate substitutes {value} and every {name} in vars.
func fillTemplate(template string, value any, vars map[string]any) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, 2*len(names)+2)
	pairs = append(pairs, "{value}", formatValue(value))
	for _, name := range names {
		if name == "value" {
			continue
		}
		pairs = append(pairs, "{"+name+"}", formatValue(vars[name]))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
