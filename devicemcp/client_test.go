package devicemcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalvoice/tool"
	"github.com/petal-labs/petalvoice/tool/mcp"
)

// fakeDevice records envelopes and answers them like firmware would.
type fakeDevice struct {
	mu        sync.Mutex
	envelopes []Envelope
	client    *Client
	silent    bool
}

func (d *fakeDevice) SessionID() string { return "sess-1" }

func (d *fakeDevice) SendMessage(ctx context.Context, envelope any) error {
	env, ok := envelope.(Envelope)
	if !ok {
		return nil
	}
	d.mu.Lock()
	d.envelopes = append(d.envelopes, env)
	silent := d.silent
	d.mu.Unlock()
	if silent {
		return nil
	}

	var req mcp.Message
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.ID == 0 {
		return nil
	}
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{"serverInfo": map[string]any{"name": "firmware"}}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{
			"name":        "self.audio_speaker.set_volume",
			"description": "Set the speaker volume.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"volume": map[string]any{"type": "integer"}},
				"required":   []string{"volume"},
			},
		}}}
	case "tools/call":
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": "true"}}}
	}
	payload, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)})
	go func() { _ = d.client.HandlePayload(context.Background(), payload) }()
	return nil
}

func (d *fakeDevice) sent() []Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Envelope(nil), d.envelopes...)
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeviceClientDiscoveryAndCall(t *testing.T) {
	device := &fakeDevice{}
	client := NewClient(device, Options{
		Vision: &mcp.VisionCapability{URL: "http://vision.local/explain", Token: "tok"},
		Logger: quietLogger(),
	})
	device.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	envelopes := device.sent()
	if envelopes[0].Type != EnvelopeType || envelopes[0].SessionID != "sess-1" {
		t.Fatalf("envelope = %+v", envelopes[0])
	}
	var init mcp.Message
	_ = json.Unmarshal(envelopes[0].Payload, &init)
	var params map[string]any
	_ = json.Unmarshal(init.Params, &params)
	caps := params["capabilities"].(map[string]any)
	if vision, _ := caps["vision"].(map[string]any); vision["url"] != "http://vision.local/explain" {
		t.Fatalf("vision capability = %v", caps["vision"])
	}

	manager := tool.NewManager(tool.WithLogger(quietLogger()))
	if err := manager.Register(tool.SourceDeviceMCP, NewExecutor(client)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !manager.HasTool(ctx, "self_audio_speaker_set_volume") {
		t.Fatalf("tools = %v", manager.AllTools(ctx))
	}

	result := manager.Execute(ctx, device, "self_audio_speaker_set_volume", `{"volume": 40}`)
	if result.Action != tool.ActionReqLLM || result.Result != "true" {
		t.Fatalf("Execute() = %+v", result)
	}
}

func TestDeviceClientResetReportsNotReady(t *testing.T) {
	device := &fakeDevice{}
	client := NewClient(device, Options{Logger: quietLogger()})
	device.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Start(ctx)
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	manager := tool.NewManager(tool.WithLogger(quietLogger()))
	if err := manager.Register(tool.SourceDeviceMCP, NewExecutor(client)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	client.core.Reset(errors.New("device went quiet"))
	result := manager.Execute(ctx, device, "self_audio_speaker_set_volume", map[string]any{"volume": 1})
	if result.Action != tool.ActionError || !tool.IsCode(result.Err, tool.CodeNotReady) {
		t.Fatalf("Execute() after reset = %+v, want a not ready error", result)
	}

	client.Close()
	result = manager.Execute(ctx, device, "self_audio_speaker_set_volume", map[string]any{"volume": 1})
	if result.Action != tool.ActionNotFound {
		t.Fatalf("Execute() after Close = %+v, want not found", result)
	}
}

func TestDeviceClientCloseFailsPendingCalls(t *testing.T) {
	device := &fakeDevice{}
	client := NewClient(device, Options{Logger: quietLogger(), CallTimeout: 5 * time.Second})
	device.client = client

	ctx := context.Background()
	_ = client.Start(ctx)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	device.mu.Lock()
	device.silent = true
	device.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := client.CallTool(ctx, "self_audio_speaker_set_volume", map[string]any{"volume": 1})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(device.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	client.Close()

	select {
	case err := <-done:
		if !tool.IsCode(err, tool.CodeNotReady) {
			t.Fatalf("CallTool() error = %v, want not ready", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Close")
	}
	if client.Ready() || len(client.Tools()) != 0 {
		t.Fatal("client still exposes tools after Close")
	}
}

func TestExecutorWithoutClient(t *testing.T) {
	exec := NewExecutor(nil)
	if exec.HasTool("x") || len(exec.ListTools(context.Background())) != 0 {
		t.Fatal("nil executor exposes tools")
	}
	_, err := exec.Execute(context.Background(), nil, "x", nil)
	if !tool.IsCode(err, tool.CodeNotReady) {
		t.Fatalf("Execute() error = %v, want not ready", err)
	}
}
