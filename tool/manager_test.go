package tool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
)

type fakeExecutor struct {
	Notifier

	mu      sync.Mutex
	tools   []Tool
	listed  int
	calls   []string
	result  Result
	err     error
	panicOn string
}

func (f *fakeExecutor) Execute(_ context.Context, _ Conn, name string, _ any) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if name == f.panicOn {
		panic("kaboom")
	}
	return f.result, f.err
}

func (f *fakeExecutor) ListTools(context.Context) []Tool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	return append([]Tool(nil), f.tools...)
}

func (f *fakeExecutor) HasTool(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeExecutor) setTools(tools ...Tool) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
	f.Notify()
}

type recordingObserver struct {
	NoopObserver
	invokes []InvokeObservation
}

func (r *recordingObserver) ObserveInvoke(o InvokeObservation) { r.invokes = append(r.invokes, o) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerAllToolsCachedUntilInvalidated(t *testing.T) {
	exec := &fakeExecutor{tools: []Tool{{Name: "get_time"}}}
	m := NewManager(WithLogger(quietLogger()))
	if err := m.Register(SourcePlugin, exec); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	first := m.AllTools(context.Background())
	second := m.AllTools(context.Background())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("AllTools() not idempotent: %v vs %v", first, second)
	}
	if exec.listed != 1 {
		t.Fatalf("ListTools calls = %d, want 1", exec.listed)
	}
	if got := first["get_time"].Kind; got != SourcePlugin {
		t.Fatalf("Kind = %q, want %q", got, SourcePlugin)
	}

	exec.setTools(Tool{Name: "get_time"}, Tool{Name: "fetch_article"})
	third := m.AllTools(context.Background())
	if len(third) != 2 {
		t.Fatalf("AllTools() after change = %v, want 2 tools", third)
	}
	if exec.listed != 2 {
		t.Fatalf("ListTools calls = %d, want 2", exec.listed)
	}
}

func TestManagerDescriptorsDefaultSchema(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourcePlugin, &fakeExecutor{tools: []Tool{{Name: "ping", Description: "Ping."}}})

	descriptors := m.Descriptors(context.Background())
	if len(descriptors) != 1 {
		t.Fatalf("Descriptors() len = %d, want 1", len(descriptors))
	}
	d := descriptors[0]
	if d.Type != "function" || d.Function.Name != "ping" || d.Function.Description != "Ping." {
		t.Fatalf("descriptor = %+v", d)
	}
	if d.Function.Parameters["type"] != "object" {
		t.Fatalf("parameters = %v, want object schema", d.Function.Parameters)
	}
}

func TestManagerCollisionLastRegistrationWins(t *testing.T) {
	first := &fakeExecutor{tools: []Tool{{Name: "lamp_on", Description: "iot"}}, result: Respond("iot")}
	second := &fakeExecutor{tools: []Tool{{Name: "lamp_on", Description: "mcp"}}, result: Respond("mcp")}
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourceDeviceIoT, first)
	_ = m.Register(SourceDeviceMCP, second)

	tools := m.AllTools(context.Background())
	if tools["lamp_on"].Kind != SourceDeviceMCP {
		t.Fatalf("owner = %q, want %q", tools["lamp_on"].Kind, SourceDeviceMCP)
	}
	if n := len(m.Descriptors(context.Background())); n != 1 {
		t.Fatalf("Descriptors() len = %d, want 1", n)
	}
	got := m.Execute(context.Background(), nil, "lamp_on", nil)
	if got.Response != "mcp" {
		t.Fatalf("Execute() response = %q, want mcp", got.Response)
	}
	if len(first.calls) != 0 {
		t.Fatalf("shadowed executor received calls: %v", first.calls)
	}

	// Re-registering the first kind moves it to the end of the order.
	_ = m.Register(SourceDeviceIoT, first)
	if got := m.Execute(context.Background(), nil, "lamp_on", nil); got.Response != "iot" {
		t.Fatalf("Execute() after re-register = %q, want iot", got.Response)
	}
}

func TestManagerExecuteNotFound(t *testing.T) {
	obs := &recordingObserver{}
	m := NewManager(WithLogger(quietLogger()), WithObserver(obs))
	got := m.Execute(context.Background(), nil, "missing", nil)
	if got.Action != ActionNotFound {
		t.Fatalf("Action = %q, want %q", got.Action, ActionNotFound)
	}
	if !IsCode(got.Err, CodeNotFound) {
		t.Fatalf("Err = %v, want not found", got.Err)
	}
	if len(obs.invokes) != 1 || obs.invokes[0].Success {
		t.Fatalf("observations = %+v", obs.invokes)
	}
}

func TestManagerExecuteConvertsErrorsAndPanics(t *testing.T) {
	exec := &fakeExecutor{
		tools:   []Tool{{Name: "boom"}, {Name: "fail"}},
		err:     NewError(CodeTimeout, "no answer", nil),
		panicOn: "boom",
	}
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourceServerMCP, exec)

	failed := m.Execute(context.Background(), nil, "fail", nil)
	if failed.Action != ActionError || !IsCode(failed.Err, CodeTimeout) {
		t.Fatalf("Execute(fail) = %+v", failed)
	}

	panicked := m.Execute(context.Background(), nil, "boom", nil)
	if panicked.Action != ActionError || !IsCode(panicked.Err, CodeInvocationFailed) {
		t.Fatalf("Execute(boom) = %+v", panicked)
	}
}

func TestManagerExecuteWrapsPlainErrors(t *testing.T) {
	exec := &fakeExecutor{tools: []Tool{{Name: "x"}}, err: errors.New("socket closed")}
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourceEndpoint, exec)
	got := m.Execute(context.Background(), nil, "x", nil)
	if got.Action != ActionError {
		t.Fatalf("Action = %q, want error", got.Action)
	}
	if got.Result == "" {
		t.Fatal("Result empty, want error text for the model")
	}
}

func TestManagerNormalizesEmptyAction(t *testing.T) {
	exec := &fakeExecutor{tools: []Tool{{Name: "x"}}, result: Result{Result: "42"}}
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourcePlugin, exec)
	if got := m.Execute(context.Background(), nil, "x", nil); got.Action != ActionReqLLM {
		t.Fatalf("Action = %q, want %q", got.Action, ActionReqLLM)
	}
}

func TestManagerUnregister(t *testing.T) {
	exec := &fakeExecutor{tools: []Tool{{Name: "x"}}}
	m := NewManager(WithLogger(quietLogger()))
	_ = m.Register(SourcePlugin, exec)
	if !m.HasTool(context.Background(), "x") {
		t.Fatal("HasTool(x) = false, want true")
	}
	if !m.Unregister(SourcePlugin) {
		t.Fatal("Unregister() = false, want true")
	}
	if m.HasTool(context.Background(), "x") {
		t.Fatal("HasTool(x) after Unregister = true, want false")
	}
	// Change notifications from a removed executor are ignored.
	exec.setTools(Tool{Name: "y"})
	if m.HasTool(context.Background(), "y") {
		t.Fatal("HasTool(y) = true, want false")
	}
}

func TestManagerRegisterRejectsUnknownKind(t *testing.T) {
	m := NewManager(WithLogger(quietLogger()))
	if err := m.Register(SourceKind("nope"), &fakeExecutor{}); err == nil {
		t.Fatal("Register() error = nil, want error")
	}
	if err := m.Register(SourcePlugin, nil); err == nil {
		t.Fatal("Register(nil) error = nil, want error")
	}
}
