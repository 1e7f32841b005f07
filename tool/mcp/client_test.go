package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalvoice/tool"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
	// onSend, when set, runs after the message is recorded.
	onSend func(Message)
}

func (r *recordingSender) Send(ctx context.Context, message Message) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, message)
	onSend := r.onSend
	r.mu.Unlock()
	if onSend != nil {
		onSend(message)
	}
	return nil
}

func (r *recordingSender) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func (r *recordingSender) last(t *testing.T) Message {
	t.Helper()
	msgs := r.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	return msgs[len(msgs)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(sender Sender, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Name == "" {
		opts.Name = "test"
	}
	return NewClient(sender, opts)
}

func response(t *testing.T, id int64, result any) Message {
	t.Helper()
	return Message{JSONRPC: jsonRPCVersion, ID: id, Result: mustJSON(t, result)}
}

func toolsPage(t *testing.T, cursor string, names ...string) Message {
	t.Helper()
	tools := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tools = append(tools, map[string]any{
			"name":        name,
			"description": "Calls " + name,
			"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}
	result := map[string]any{"tools": tools}
	if cursor != "" {
		result["nextCursor"] = cursor
	}
	return response(t, ToolsListID, result)
}

func readyClient(t *testing.T, sender *recordingSender, opts Options, names ...string) *Client {
	t.Helper()
	client := newTestClient(sender, opts)
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{
		"protocolVersion": DefaultProtocolVersion,
		"serverInfo":      map[string]any{"name": "srv", "version": "1.0"},
	}))
	client.HandleMessage(ctx, toolsPage(t, "", names...))
	if !client.Ready() {
		t.Fatalf("client state = %s, want ready", client.State())
	}
	return client
}

func TestClientStartSendsInitialize(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{
		Capabilities: map[string]any{"vision": VisionCapability{URL: "http://v", Token: "tok"}},
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if client.State() != StateDiscovering {
		t.Fatalf("State() = %s, want discovering", client.State())
	}
	msg := sender.last(t)
	if msg.ID != InitializeID || msg.Method != "initialize" {
		t.Fatalf("sent = %+v, want initialize with id 1", msg)
	}
	params := decodeParams(t, msg.Params)
	if params["protocolVersion"] != DefaultProtocolVersion {
		t.Fatalf("protocolVersion = %v", params["protocolVersion"])
	}
	caps, _ := params["capabilities"].(map[string]any)
	vision, _ := caps["vision"].(map[string]any)
	if vision["url"] != "http://v" || vision["token"] != "tok" {
		t.Fatalf("vision capability = %v", caps["vision"])
	}
	if err := client.Start(context.Background()); err == nil {
		t.Fatal("second Start() error = nil, want error")
	}
}

func TestClientDiscoveryPaging(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{Source: tool.SourceEndpoint, SendInitialized: true})
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{"serverInfo": map[string]any{"name": "srv"}}))

	msgs := sender.messages()
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want initialize, initialized, tools/list", len(msgs))
	}
	if msgs[1].Method != "notifications/initialized" || msgs[1].ID != 0 {
		t.Fatalf("notification = %+v", msgs[1])
	}
	if msgs[2].Method != "tools/list" || msgs[2].ID != ToolsListID {
		t.Fatalf("list request = %+v", msgs[2])
	}

	client.HandleMessage(ctx, toolsPage(t, "page-2", "self.light.on"))
	if client.Ready() {
		t.Fatal("client ready while a continuation page is outstanding")
	}
	if client.Tools() != nil {
		t.Fatal("Tools() exposed before discovery finished")
	}
	next := sender.last(t)
	if next.ID != ToolsListID || decodeParams(t, next.Params)["cursor"] != "page-2" {
		t.Fatalf("continuation = %+v, want id 2 with cursor", next)
	}

	client.HandleMessage(ctx, toolsPage(t, "", "self.light.off"))
	if !client.Ready() {
		t.Fatalf("State() = %s, want ready", client.State())
	}
	tools := client.Tools()
	if len(tools) != 2 {
		t.Fatalf("Tools() = %v, want 2", tools)
	}
	if tools[0].Name != "self_light_on" || tools[1].Name != "self_light_off" {
		t.Fatalf("tool names = %q, %q", tools[0].Name, tools[1].Name)
	}
	if tools[0].Kind != tool.SourceEndpoint {
		t.Fatalf("Kind = %q, want %q", tools[0].Kind, tool.SourceEndpoint)
	}
	if client.ServerInfo().Name != "srv" {
		t.Fatalf("ServerInfo().Name = %q", client.ServerInfo().Name)
	}
}

func TestClientRewritesDescriptionReferences(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	ctx := context.Background()
	_ = client.Start(ctx)
	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{}))
	client.HandleMessage(ctx, response(t, ToolsListID, map[string]any{
		"tools": []map[string]any{
			{"name": "self.camera.take_photo", "description": "Take a photo."},
			{"name": "self.vision.explain", "description": "Use after self.camera.take_photo."},
		},
	}))
	tools := client.Tools()
	if got := tools[1].Description; got != "Use after self_camera_take_photo." {
		t.Fatalf("Description = %q", got)
	}
}

func TestClientRepeatedCursorEndsDiscovery(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	ctx := context.Background()
	_ = client.Start(ctx)
	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{}))
	client.HandleMessage(ctx, toolsPage(t, "c1", "a"))
	client.HandleMessage(ctx, toolsPage(t, "c1", "b"))
	if !client.Ready() {
		t.Fatalf("State() = %s, want ready after repeated cursor", client.State())
	}
	if len(client.Tools()) != 2 {
		t.Fatalf("Tools() = %v", client.Tools())
	}
}

func TestClientToleratesMalformedInitialize(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	ctx := context.Background()
	_ = client.Start(ctx)
	client.HandleMessage(ctx, Message{JSONRPC: jsonRPCVersion, ID: InitializeID, Result: json.RawMessage(`"nope"`)})
	if sender.last(t).Method != "tools/list" {
		t.Fatalf("last sent = %+v, want tools/list", sender.last(t))
	}
}

func TestClientToolsListErrorResetsToNotReady(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	ctx := context.Background()
	_ = client.Start(ctx)
	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{}))
	client.HandleMessage(ctx, Message{JSONRPC: jsonRPCVersion, ID: ToolsListID, Error: &RPCError{Code: -32601, Message: "no tools"}})
	if client.State() != StateNotReady {
		t.Fatalf("State() = %s, want not_ready", client.State())
	}
	err := client.WaitReady(ctx)
	if !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("WaitReady() error = %v, want not ready", err)
	}
}

func TestClientCallToolSuccess(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "self.audio.set_volume")
	sender.onSend = func(msg Message) {
		if msg.Method != "tools/call" {
			return
		}
		go client.HandleMessage(context.Background(), response(t, msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "volume set"}},
		}))
	}

	got, err := client.CallTool(context.Background(), "self_audio_set_volume", `{"volume":30}`)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got != "volume set" {
		t.Fatalf("CallTool() = %q, want %q", got, "volume set")
	}

	call := sender.last(t)
	if call.ID < 3 {
		t.Fatalf("call id = %d, want >= 3", call.ID)
	}
	params := decodeParams(t, call.Params)
	if params["name"] != "self.audio.set_volume" {
		t.Fatalf("wire name = %v, want original name", params["name"])
	}
	args, _ := params["arguments"].(map[string]any)
	if args["volume"] != float64(30) {
		t.Fatalf("arguments = %v", params["arguments"])
	}
	if client.PendingCalls() != 0 {
		t.Fatalf("PendingCalls() = %d, want 0", client.PendingCalls())
	}
}

func TestClientCallToolErrorFlag(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "x")
	sender.onSend = func(msg Message) {
		go client.HandleMessage(context.Background(), response(t, msg.ID, map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": "device busy"}},
		}))
	}
	_, err := client.CallTool(context.Background(), "x", nil)
	if !tool.IsCode(err, tool.CodeRemote) {
		t.Fatalf("CallTool() error = %v, want remote error", err)
	}
	if !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("error = %q, want server message", err.Error())
	}
}

func TestClientCallToolRPCError(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "x")
	sender.onSend = func(msg Message) {
		go client.HandleMessage(context.Background(), Message{
			JSONRPC: jsonRPCVersion,
			ID:      msg.ID,
			Error:   &RPCError{Code: -32000, Message: "bad request"},
		})
	}
	_, err := client.CallTool(context.Background(), "x", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("CallTool() error = %v, want RPCError", err)
	}
	if !tool.IsCode(err, tool.CodeRemote) {
		t.Fatalf("code = %q, want remote", tool.ErrorCode(err))
	}
}

func TestClientCallToolStringifiesNonTextResult(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "x")
	sender.onSend = func(msg Message) {
		go client.HandleMessage(context.Background(), response(t, msg.ID, map[string]any{"value": 7}))
	}
	got, err := client.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got != `{"value":7}` {
		t.Fatalf("CallTool() = %q", got)
	}
}

func TestClientCallToolTimeoutDropsLateResponse(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{CallTimeout: 20 * time.Millisecond}, "slow")

	_, err := client.CallTool(context.Background(), "slow", nil)
	if !tool.IsCode(err, tool.CodeTimeout) {
		t.Fatalf("CallTool() error = %v, want timeout", err)
	}
	if client.PendingCalls() != 0 {
		t.Fatalf("PendingCalls() = %d, want 0 after timeout", client.PendingCalls())
	}

	late := sender.last(t)
	client.HandleMessage(context.Background(), response(t, late.ID, map[string]any{"content": []map[string]any{{"type": "text", "text": "late"}}}))
	if !client.Ready() {
		t.Fatal("late response changed client state")
	}
}

func TestClientCallToolRejectsBeforeReady(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	_, err := client.CallTool(context.Background(), "x", nil)
	if !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("CallTool() error = %v, want not ready", err)
	}
	if len(sender.messages()) != 0 {
		t.Fatal("call was sent before ready")
	}
}

func TestClientCallToolArgumentAndNameErrors(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "x")
	if _, err := client.CallTool(context.Background(), "x", "not json"); !tool.IsCode(err, tool.CodeArgument) {
		t.Fatalf("CallTool(bad args) error = %v, want argument error", err)
	}
	if _, err := client.CallTool(context.Background(), "missing", nil); !tool.IsCode(err, tool.CodeNotFound) {
		t.Fatalf("CallTool(missing) error = %v, want not found", err)
	}
}

func TestClientResetFailsPendingCalls(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "x")
	changes := 0
	client.OnChange(func() { changes++ })

	sender.onSend = func(msg Message) {
		client.Reset(errors.New("socket closed"))
	}
	_, err := client.CallTool(context.Background(), "x", nil)
	if !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("CallTool() error = %v, want not ready", err)
	}
	if client.Ready() {
		t.Fatal("client ready after Reset")
	}
	if len(client.Tools()) != 1 || !client.HasTool("x") {
		t.Fatalf("Tools() = %v, want the last discovered set kept", client.Tools())
	}
	if _, err := client.CallTool(context.Background(), "x", nil); !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("CallTool() after Reset error = %v, want not ready", err)
	}
	if changes != 1 {
		t.Fatalf("change notifications = %d, want 1", changes)
	}
}

func TestClientDiscardForgetsTools(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "self.light.on")
	changes := 0
	client.OnChange(func() { changes++ })

	client.Reset(errors.New("socket closed"))
	if !client.HasTool("self_light_on") {
		t.Fatal("Reset() dropped the discovered tools")
	}
	client.Discard(errors.New("session closed"))
	if client.Tools() != nil || client.HasTool("self_light_on") {
		t.Fatalf("Tools() after Discard = %v, want none", client.Tools())
	}
	if _, err := client.CallTool(context.Background(), "self_light_on", nil); !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("CallTool() after Discard error = %v, want not ready", err)
	}
	if changes != 2 {
		t.Fatalf("change notifications = %d, want 2", changes)
	}
}

func TestClientRestartHidesStaleTools(t *testing.T) {
	sender := &recordingSender{}
	client := readyClient(t, sender, Options{}, "old")
	client.Reset(errors.New("socket closed"))

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if client.Tools() != nil {
		t.Fatalf("Tools() during rediscovery = %v, want none", client.Tools())
	}
}

func TestClientAnswersPing(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	client.HandleMessage(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 99, Method: "ping"})
	reply := sender.last(t)
	if reply.ID != 99 || string(reply.Result) != "{}" {
		t.Fatalf("ping reply = %+v", reply)
	}
}

func TestClientWaitReady(t *testing.T) {
	sender := &recordingSender{}
	client := newTestClient(sender, Options{})
	ctx := context.Background()
	_ = client.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- client.WaitReady(ctx) }()

	client.HandleMessage(ctx, response(t, InitializeID, map[string]any{}))
	client.HandleMessage(ctx, toolsPage(t, "", "a"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitReady() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady() did not return")
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	other := newTestClient(&recordingSender{}, Options{})
	_ = other.Start(ctx)
	if err := other.WaitReady(short); !tool.IsCode(err, tool.CodeTimeout) {
		t.Fatalf("WaitReady() error = %v, want timeout", err)
	}
}

func TestStartSendFailureResets(t *testing.T) {
	sender := &recordingSender{err: errors.New("pipe closed")}
	client := newTestClient(sender, Options{})
	err := client.Start(context.Background())
	if !tool.IsCode(err, tool.CodeTransport) {
		t.Fatalf("Start() error = %v, want transport error", err)
	}
	if client.State() != StateNotReady {
		t.Fatalf("State() = %s, want not_ready", client.State())
	}
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return data
}

func decodeParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("json.Unmarshal(params) error = %v", err)
	}
	return out
}
