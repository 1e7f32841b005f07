package iot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/petalvoice/tool"
)

const (
	successParam = "response_success"
	failureParam = "response_failure"
)

type bindingKind int

const (
	getter bindingKind = iota
	setter
)

type binding struct {
	kind     bindingKind
	device   string
	member   string
	params   []string
	property Property
	tool     tool.Tool
}

// Executor serves getter and setter tools for the devices of one session.
type Executor struct {
	tool.Notifier

	conn   tool.Conn
	logger *slog.Logger

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	states      map[string]map[string]any
	bindings    map[string]binding
}

// NewExecutor returns an executor that sends commands over conn.
func NewExecutor(conn tool.Conn, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		conn:        conn,
		logger:      logger.With("component", "iot_executor"),
		descriptors: make(map[string]Descriptor),
		states:      make(map[string]map[string]any),
		bindings:    make(map[string]binding),
	}
}

// HandleMessage applies an inbound iot message.
func (e *Executor) HandleMessage(raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	if len(msg.Descriptors) > 0 {
		e.AddDescriptors(msg.Descriptors...)
	}
	if len(msg.States) > 0 {
		e.UpdateStates(msg.States...)
	}
	return nil
}

// AddDescriptors registers or replaces devices and rebuilds the tool set.
func (e *Executor) AddDescriptors(descriptors ...Descriptor) {
	e.mu.Lock()
	for _, d := range descriptors {
		if strings.TrimSpace(d.Name) == "" {
			e.logger.Warn("ignoring device descriptor without a name")
			continue
		}
		e.descriptors[d.Name] = d
	}
	e.rebuildLocked()
	count := len(e.bindings)
	e.mu.Unlock()

	e.logger.Info("device descriptors updated", "devices", len(descriptors), "tools", count)
	e.Notify()
}

// UpdateStates caches property values reported by the device.
func (e *Executor) UpdateStates(states ...State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range states {
		current := e.states[s.Name]
		if current == nil {
			current = make(map[string]any, len(s.State))
			e.states[s.Name] = current
		}
		for k, v := range s.State {
			current[k] = v
		}
	}
}

// Value returns the cached value of a device property.
func (e *Executor) Value(device, property string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.states[device][property]
	return v, ok
}

func (e *Executor) rebuildLocked() {
	bindings := make(map[string]binding)
	devices := make([]string, 0, len(e.descriptors))
	for name := range e.descriptors {
		devices = append(devices, name)
	}
	sort.Strings(devices)

	for _, name := range devices {
		d := e.descriptors[name]
		for prop, meta := range d.Properties {
			b := getterBinding(d, prop, meta)
			e.addBinding(bindings, b)
		}
		for method, meta := range d.Methods {
			b := setterBinding(d, method, meta)
			e.addBinding(bindings, b)
		}
	}
	e.bindings = bindings
}

func (e *Executor) addBinding(bindings map[string]binding, b binding) {
	if existing, ok := bindings[b.tool.Name]; ok {
		e.logger.Warn("duplicate device tool name",
			"tool", b.tool.Name, "device", b.device, "previous_device", existing.device)
	}
	bindings[b.tool.Name] = b
}

func toolName(parts ...string) string {
	return tool.SanitizeName(strings.ToLower(strings.Join(parts, "_")))
}

func templateProperties() map[string]any {
	return map[string]any{
		successParam: map[string]any{
			"type":        "string",
			"description": "Reply to speak on success. {value} is replaced with the value.",
		},
		failureParam: map[string]any{
			"type":        "string",
			"description": "Reply to speak on failure.",
		},
	}
}

func getterBinding(d Descriptor, prop string, meta Property) binding {
	name := toolName("get", d.Name, prop)
	desc := fmt.Sprintf("Query the %s of %s.", prop, d.Name)
	if meta.Description != "" {
		desc = fmt.Sprintf("Query %s of %s: %s", prop, d.Name, meta.Description)
	}
	return binding{
		kind:     getter,
		device:   d.Name,
		member:   prop,
		property: meta,
		tool: tool.Tool{
			Name:        name,
			Description: desc,
			Parameters: map[string]any{
				"type":       "object",
				"properties": templateProperties(),
				"required":   []string{},
			},
			Kind: tool.SourceDeviceIoT,
		},
	}
}

func setterBinding(d Descriptor, method string, meta Method) binding {
	params := make([]string, 0, len(meta.Parameters))
	for p := range meta.Parameters {
		params = append(params, p)
	}
	sort.Strings(params)

	properties := templateProperties()
	for _, p := range params {
		spec := map[string]any{"type": schemaType(meta.Parameters[p].Type)}
		if desc := meta.Parameters[p].Description; desc != "" {
			spec["description"] = desc
		}
		properties[p] = spec
	}
	desc := fmt.Sprintf("%s: %s", d.Name, method)
	if meta.Description != "" {
		desc = fmt.Sprintf("%s: %s", d.Name, meta.Description)
	}
	return binding{
		kind:   setter,
		device: d.Name,
		member: method,
		params: params,
		tool: tool.Tool{
			Name:        toolName(d.Name, method),
			Description: desc,
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   append([]string{}, params...),
			},
			Kind: tool.SourceDeviceIoT,
		},
	}
}

// ListTools returns the synthesized tools sorted by name.
func (e *Executor) ListTools(context.Context) []tool.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]tool.Tool, 0, len(e.bindings))
	for _, b := range e.bindings {
		out = append(out, b.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasTool reports whether name is a synthesized device tool.
func (e *Executor) HasTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.bindings[name]
	return ok
}

// Execute reads a cached property or sends a command to the device.
func (e *Executor) Execute(ctx context.Context, conn tool.Conn, name string, args any) (tool.Result, error) {
	e.mu.RLock()
	b, ok := e.bindings[name]
	e.mu.RUnlock()
	if !ok {
		return tool.Result{}, tool.Errorf(tool.CodeNotFound, "device tool %q is not available", name)
	}
	parsed, err := tool.ParseArguments(args)
	if err != nil {
		return tool.Result{}, err
	}
	success, _ := parsed[successParam].(string)
	failure, _ := parsed[failureParam].(string)

	if b.kind == getter {
		value, ok := e.Value(b.device, b.member)
		if !ok {
			if failure == "" {
				failure = fmt.Sprintf("The %s of %s is not known yet.", b.member, b.device)
			}
			return tool.ReqLLM(failure), nil
		}
		if success == "" {
			success = fmt.Sprintf("The %s of %s is {value}.", b.member, b.device)
		}
		return tool.ReqLLM(fillTemplate(success, value, nil)), nil
	}

	if conn == nil {
		conn = e.conn
	}
	if conn == nil {
		return tool.Result{}, tool.Errorf(tool.CodeNotReady, "device session is not connected")
	}
	values := make(map[string]any, len(b.params))
	for _, p := range b.params {
		v, present := parsed[p]
		if !present {
			return tool.Result{}, tool.Errorf(tool.CodeArgument, "missing parameter %q for %s", p, name)
		}
		values[p] = v
	}
	command := Message{
		SessionID: conn.SessionID(),
		Type:      MessageType,
		Commands:  []Command{{Name: b.device, Method: b.member, Parameters: values}},
	}
	if err := conn.SendMessage(ctx, command); err != nil {
		e.logger.Warn("device command failed", "device", b.device, "method", b.member, "error", err)
		if failure != "" {
			return tool.Respond(fillTemplate(failure, nil, values)), nil
		}
		return tool.Result{}, tool.NewError(tool.CodeTransport, "send device command", err)
	}

	var first any
	if len(b.params) > 0 {
		first = values[b.params[0]]
	}
	if success == "" {
		success = fmt.Sprintf("%s %s done.", b.device, b.member)
	}
	return tool.Respond(fillTemplate(success, first, values)), nil
}
