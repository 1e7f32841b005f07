package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalvoice/tool"
)

const (
	// DefaultProtocolVersion is advertised in the initialize request.
	DefaultProtocolVersion = "2024-11-05"
	// DefaultCallTimeout bounds the wait for a tools/call response.
	DefaultCallTimeout = 30 * time.Second

	defaultClientName    = "petalvoice"
	defaultClientVersion = "dev"
)

// Sender delivers one outbound JSON-RPC message.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, message Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, message Message) error {
	return f(ctx, message)
}

// Transport is a full-duplex message transport.
type Transport interface {
	Sender
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// State is the readiness of a Client.
type State int

const (
	// StateNotReady means no handshake is in flight and no tools are exposed.
	StateNotReady State = iota
	// StateDiscovering means initialize was sent and tool pages are being fetched.
	StateDiscovering
	// StateReady means the full tool set is loaded and calls may be issued.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures client identity, capabilities, and call policy.
type Options struct {
	// Name identifies the client in logs and observations.
	Name            string
	Source          tool.SourceKind
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	// SendInitialized emits notifications/initialized after the handshake.
	SendInitialized bool
	CallTimeout     time.Duration
	Logger          *slog.Logger
	Observer        tool.Observer
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	created time.Time
	done    chan callOutcome
}

// Client runs the MCP exchange for one capability source: the initialize
// handshake, paged tool discovery, and correlated tool calls. Inbound messages
// are fed through HandleMessage by whoever owns the transport.
type Client struct {
	sender  Sender
	options Options
	logger  *slog.Logger

	tool.Notifier

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	nextID     int64
	pending    map[int64]*pendingCall
	names      *tool.NameTable
	staged     []tool.Tool
	tools      []tool.Tool
	cursors    map[string]struct{}
	pages      int
	started    time.Time
	serverInfo ServerInfo
}

// NewClient returns a not-ready client that writes through sender.
func NewClient(sender Sender, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = DefaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}
	if options.CallTimeout <= 0 {
		options.CallTimeout = DefaultCallTimeout
	}
	options.Observer = tool.ObserverOrNoop(options.Observer)
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		sender:  sender,
		options: options,
		logger:  logger.With("component", "mcp_client", "client", options.Name, "source", string(options.Source)),
		changed: make(chan struct{}),
		nextID:  firstCallID,
		pending: make(map[int64]*pendingCall),
		names:   tool.NewNameTable(),
	}
}

// Name returns the configured client name.
func (c *Client) Name() string {
	return c.options.Name
}

// State returns the current readiness state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether calls may be issued.
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

// ServerInfo returns the server identity recorded from the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Start sends the initialize request. Discovery continues as responses are
// passed to HandleMessage.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNotReady {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("mcp: client %q already %s", c.options.Name, state)
	}
	hadTools := len(c.tools) > 0
	c.names.Reset()
	c.staged = nil
	c.tools = nil
	c.cursors = make(map[string]struct{})
	c.pages = 0
	c.started = time.Now()
	c.setStateLocked(StateDiscovering)
	c.mu.Unlock()
	if hadTools {
		c.Notify()
	}

	params := InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    maps.Clone(c.options.Capabilities),
		ClientInfo:      c.options.ClientInfo,
	}
	if err := c.send(ctx, InitializeID, methodInitialize, params); err != nil {
		c.Reset(err)
		return err
	}
	return nil
}

// WaitReady blocks until the client is ready. It fails fast when the client
// drops back to not-ready.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		changed := c.changed
		c.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateNotReady:
			return tool.Errorf(tool.CodeNotReady, "mcp client %q is not ready", c.options.Name)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return tool.NewError(tool.CodeTimeout, fmt.Sprintf("mcp client %q discovery did not finish", c.options.Name), ctx.Err())
		}
	}
}

// Tools returns the last discovered tool set. It is empty until the first
// discovery finishes and stays listed after a disconnect, so calls to those
// names fail as not ready instead of not found.
func (c *Client) Tools() []tool.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tools) == 0 {
		return nil
	}
	out := make([]tool.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// HasTool reports whether name is in the last discovered tool set.
func (c *Client) HasTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// HandleMessage dispatches one inbound message: pending-call responses first,
// then the reserved discovery ids, and anything else is logged.
func (c *Client) HandleMessage(ctx context.Context, message Message) {
	if message.JSONRPC != "" && message.JSONRPC != jsonRPCVersion {
		c.logger.Warn("ignoring message with unsupported jsonrpc version", "jsonrpc", message.JSONRPC)
		return
	}

	if message.IsResponse() {
		c.mu.Lock()
		call, ok := c.pending[message.ID]
		if ok {
			delete(c.pending, message.ID)
		}
		c.mu.Unlock()
		if ok {
			call.done <- outcomeFrom(message)
			return
		}

		switch message.ID {
		case InitializeID:
			c.handleInitialize(ctx, message)
		case ToolsListID:
			c.handleToolsList(ctx, message)
		default:
			c.logger.Debug("dropping response for unknown or expired call", "id", message.ID)
		}
		return
	}

	if message.Method == methodPing && message.ID != 0 {
		if err := c.sender.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: message.ID, Result: json.RawMessage(`{}`)}); err != nil {
			c.logger.Debug("ping reply failed", "error", err)
		}
		return
	}
	c.logger.Debug("server notification", "method", message.Method, "id", message.ID)
}

func (c *Client) handleInitialize(ctx context.Context, message Message) {
	if c.State() != StateDiscovering {
		c.logger.Debug("ignoring initialize response outside discovery")
		return
	}

	switch {
	case message.Error != nil:
		c.logger.Warn("initialize returned an error, continuing with discovery", "error", message.Error)
	default:
		var result InitializeResult
		if err := json.Unmarshal(message.Result, &result); err != nil {
			c.logger.Warn("malformed initialize result, continuing with discovery", "error", err)
			break
		}
		c.mu.Lock()
		c.serverInfo = result.ServerInfo
		c.mu.Unlock()
		c.logger.Info("capability server connected",
			"server", result.ServerInfo.Name,
			"server_version", result.ServerInfo.Version,
			"protocol_version", result.ProtocolVersion,
		)
	}

	if c.options.SendInitialized {
		if err := c.send(ctx, 0, methodInitialized, map[string]any{}); err != nil {
			c.failDiscovery(err)
			return
		}
	}
	if err := c.send(ctx, ToolsListID, methodToolsList, ToolsListParams{}); err != nil {
		c.failDiscovery(err)
	}
}

func (c *Client) handleToolsList(ctx context.Context, message Message) {
	if c.State() != StateDiscovering {
		c.logger.Debug("ignoring tools/list response outside discovery")
		return
	}
	if message.Error != nil {
		c.failDiscovery(tool.NewError(tool.CodeRemote, message.Error.Message, message.Error))
		return
	}

	var page ToolsListResult
	if err := json.Unmarshal(message.Result, &page); err != nil {
		c.failDiscovery(tool.NewError(tool.CodeRemote, "decode tools/list result", err))
		return
	}

	c.mu.Lock()
	c.pages++
	for _, remote := range page.Tools {
		if strings.TrimSpace(remote.Name) == "" {
			continue
		}
		c.stageLocked(tool.Tool{
			Name:        c.names.Add(remote.Name),
			Description: remote.Description,
			Parameters:  tool.NormalizeParameters(remote.InputSchema),
			Kind:        c.options.Source,
		})
	}
	cursor := page.NextCursor
	repeated := false
	if cursor != "" {
		_, repeated = c.cursors[cursor]
		c.cursors[cursor] = struct{}{}
	}
	c.mu.Unlock()

	if cursor != "" && !repeated {
		c.logger.Debug("requesting next tools page", "cursor", cursor)
		if err := c.send(ctx, ToolsListID, methodToolsList, ToolsListParams{Cursor: cursor}); err != nil {
			c.failDiscovery(err)
		}
		return
	}
	if repeated {
		c.logger.Warn("server repeated a tools/list cursor, ending discovery", "cursor", cursor)
	}
	c.finishDiscovery()
}

func (c *Client) stageLocked(t tool.Tool) {
	for i := range c.staged {
		if c.staged[i].Name == t.Name {
			c.staged[i] = t
			return
		}
	}
	c.staged = append(c.staged, t)
}

func (c *Client) finishDiscovery() {
	c.mu.Lock()
	if c.state != StateDiscovering {
		c.mu.Unlock()
		return
	}
	for i := range c.staged {
		c.staged[i].Description = c.names.RewriteReferences(c.staged[i].Description)
	}
	c.tools = c.staged
	c.staged = nil
	count := len(c.tools)
	pages := c.pages
	elapsed := time.Since(c.started)
	c.setStateLocked(StateReady)
	c.mu.Unlock()

	c.logger.Info("tool discovery complete", "tools", count, "pages", pages)
	c.options.Observer.ObserveDiscovery(tool.DiscoveryObservation{
		Source:     c.options.Source,
		Client:     c.options.Name,
		ToolCount:  count,
		Pages:      pages,
		DurationMS: elapsed.Milliseconds(),
	})
	c.Notify()
}

func (c *Client) failDiscovery(err error) {
	c.mu.Lock()
	elapsed := time.Since(c.started)
	pages := c.pages
	c.mu.Unlock()

	c.logger.Error("tool discovery failed", "error", err)
	c.options.Observer.ObserveDiscovery(tool.DiscoveryObservation{
		Source:     c.options.Source,
		Client:     c.options.Name,
		Pages:      pages,
		DurationMS: elapsed.Milliseconds(),
		ErrorCode:  tool.AsToolError(err, tool.CodeTransport).Code,
	})
	c.Reset(err)
}

// Reset returns the client to not-ready, failing every pending call. The last
// discovered tools stay listed; a later Start begins a fresh handshake.
func (c *Client) Reset(cause error) {
	c.reset(cause, false)
}

// Discard is Reset for a client that will not come back: the tool set and
// name table are dropped too.
func (c *Client) Discard(cause error) {
	c.reset(cause, true)
}

func (c *Client) reset(cause error, forget bool) {
	c.mu.Lock()
	changed := c.state != StateNotReady || (forget && len(c.tools) > 0)
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.staged = nil
	if forget {
		c.tools = nil
		c.names.Reset()
	}
	if c.state != StateNotReady {
		c.setStateLocked(StateNotReady)
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		err := tool.NewError(tool.CodeNotReady, fmt.Sprintf("mcp client %q disconnected", c.options.Name), cause)
		for _, call := range pending {
			call.done <- callOutcome{err: err}
		}
	}
	if changed {
		c.Notify()
	}
}

// CallTool invokes the tool exposed under the sanitized name and returns its
// text result.
func (c *Client) CallTool(ctx context.Context, name string, args any) (string, error) {
	arguments, err := tool.ParseArguments(args)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return "", tool.Errorf(tool.CodeNotReady, "mcp client %q is not ready", c.options.Name)
	}
	original, ok := c.names.Original(name)
	if !ok {
		c.mu.Unlock()
		return "", tool.Errorf(tool.CodeNotFound, "tool %q not found on %q", name, c.options.Name)
	}
	id := c.nextID
	c.nextID++
	call := &pendingCall{created: time.Now(), done: make(chan callOutcome, 1)}
	c.pending[id] = call
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.options.CallTimeout)
	defer cancel()

	if err := c.send(callCtx, id, methodToolsCall, ToolsCallParams{Name: original, Arguments: arguments}); err != nil {
		c.forget(id)
		return "", tool.AsToolError(err, tool.CodeTransport)
	}

	select {
	case outcome := <-call.done:
		if outcome.err != nil {
			return "", outcome.err
		}
		return extractCallResult(outcome.result)
	case <-callCtx.Done():
		c.forget(id)
		if ctx.Err() == nil || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", tool.NewError(tool.CodeTimeout,
				fmt.Sprintf("tool %q did not answer within %s", name, c.options.CallTimeout), callCtx.Err())
		}
		return "", tool.AsToolError(ctx.Err(), tool.CodeInvocationFailed)
	}
}

// PendingCalls returns the number of calls awaiting a response.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(state State) {
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) send(ctx context.Context, id int64, method string, params any) error {
	if c.sender == nil {
		return &RequestError{Method: method, Err: errors.New("sender is nil")}
	}
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	if err := c.sender.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsRaw,
	}); err != nil {
		return tool.NewError(tool.CodeTransport, "", &RequestError{Method: method, Err: err})
	}
	return nil
}

func outcomeFrom(message Message) callOutcome {
	if message.Error != nil {
		return callOutcome{err: tool.NewError(tool.CodeRemote, message.Error.Message, message.Error)}
	}
	return callOutcome{result: message.Result}
}

// extractCallResult returns the first text content item, or the whole payload
// when there is none. A payload flagged isError fails with its text.
func extractCallResult(raw json.RawMessage) (string, error) {
	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}

	text, found := "", false
	for _, block := range result.Content {
		if block.Type == "text" || (block.Type == "" && block.Text != "") {
			text, found = block.Text, true
			break
		}
	}
	if result.IsError {
		if !found {
			text = strings.TrimSpace(string(raw))
		}
		return "", tool.NewError(tool.CodeRemote, text, nil)
	}
	if found {
		return text, nil
	}
	return strings.TrimSpace(string(raw)), nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
