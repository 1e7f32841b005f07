package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalvoice/catalog"
	"github.com/petal-labs/petalvoice/tool"
)

func newTestRoot() *cobra.Command {
	return NewRootCmd("test")
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestConfig writes a petalvoice.yaml with no capability servers and
// returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
log:
  level: error
server_mcp:
  settings_path: servers.json
catalog:
  sqlite_path: catalog.db
plugins:
  enabled: [change_role]
  settings:
    change_role:
      roles:
        pirate: You are a pirate.
`
	path := filepath.Join(dir, "petalvoice.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	return exitErr.Code
}

func TestToolsListShowsPlugins(t *testing.T) {
	configPath := writeTestConfig(t)
	stdout, _, err := executeCommand(newTestRoot(), "tools", "list", "--config", configPath)
	if err != nil {
		t.Fatalf("tools list error = %v", err)
	}
	for _, want := range []string{"NAME", "get_time", "change_role", "handle_exit_intent"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("tools list output missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "fetch_article") {
		t.Fatalf("tools list shows a disabled plugin:\n%s", stdout)
	}
}

func TestToolsListJSON(t *testing.T) {
	configPath := writeTestConfig(t)
	stdout, _, err := executeCommand(newTestRoot(), "tools", "list", "--json", "--config", configPath)
	if err != nil {
		t.Fatalf("tools list --json error = %v", err)
	}
	if !strings.Contains(stdout, `"type": "function"`) {
		t.Fatalf("descriptor output = %s", stdout)
	}
}

func TestToolsListCached(t *testing.T) {
	configPath := writeTestConfig(t)
	store, err := catalog.Open(filepath.Join(filepath.Dir(configPath), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	err = store.SaveTools(context.Background(), "clock", tool.SourceServerMCP, []tool.Tool{
		{Name: "clock_now", Description: "Current time"},
	})
	_ = store.Close()
	if err != nil {
		t.Fatalf("SaveTools() error = %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(), "tools", "list", "--cached", "--config", configPath)
	if err != nil {
		t.Fatalf("tools list --cached error = %v", err)
	}
	if !strings.Contains(stdout, "clock_now") || !strings.Contains(stdout, "clock") {
		t.Fatalf("cached output = %s", stdout)
	}
}

func TestToolsCall(t *testing.T) {
	configPath := writeTestConfig(t)

	stdout, _, err := executeCommand(newTestRoot(), "tools", "call", "get_time", "--config", configPath)
	if err != nil {
		t.Fatalf("tools call error = %v", err)
	}
	if !strings.Contains(stdout, "Current time:") {
		t.Fatalf("tools call output = %q", stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(), "tools", "call", "change_role",
		"--args", `{"role_name":"pirate"}`, "--config", configPath)
	if err != nil {
		t.Fatalf("tools call change_role error = %v", err)
	}
	if !strings.Contains(stdout, "system prompt: You are a pirate.") || !strings.Contains(stdout, "Switched to pirate.") {
		t.Fatalf("change_role output = %q", stdout)
	}
}

func TestToolsCallErrors(t *testing.T) {
	configPath := writeTestConfig(t)

	_, _, err := executeCommand(newTestRoot(), "tools", "call", "nope", "--config", configPath)
	if code := exitCode(t, err); code != exitNotFound {
		t.Fatalf("unknown tool exit code = %d, want %d", code, exitNotFound)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "call", "get_time", "--args", "not json", "--config", configPath)
	if code := exitCode(t, err); code != exitInputParse {
		t.Fatalf("bad args exit code = %d, want %d", code, exitInputParse)
	}

	_, _, err = executeCommand(newTestRoot(), "tools", "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if code := exitCode(t, err); code != exitConfig {
		t.Fatalf("missing config exit code = %d, want %d", code, exitConfig)
	}
}
