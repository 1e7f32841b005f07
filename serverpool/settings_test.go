package serverpool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSettingsJSON(t *testing.T) {
	t.Setenv("WEATHER_KEY", "k-123")
	data := []byte(`{
  "mcpServers": {
    "weather": {"command": "npx", "args": ["-y", "weather-mcp"], "env": {"API_KEY": "${WEATHER_KEY}"}},
    "search": {"url": "https://search.example/mcp", "accessToken": "tok"}
  }
}`)
	settings, err := ParseSettings(data)
	if err != nil {
		t.Fatalf("ParseSettings() error = %v", err)
	}
	weather := settings.Servers["weather"]
	if kind, _ := weather.Transport(); kind != TransportStdio {
		t.Fatalf("weather transport = %q, want stdio", kind)
	}
	if weather.Env["API_KEY"] != "k-123" {
		t.Fatalf("env API_KEY = %q, want expanded value", weather.Env["API_KEY"])
	}
	search := settings.Servers["search"]
	if kind, _ := search.Transport(); kind != TransportHTTP {
		t.Fatalf("search transport = %q, want http", kind)
	}
	if names := settings.Names(); len(names) != 2 || names[0] != "search" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestParseSettingsYAML(t *testing.T) {
	data := []byte(`
mcpServers:
  files:
    command: ./files-server
    args: [--root, /tmp]
  old:
    disabled: true
`)
	settings, err := ParseSettings(data)
	if err != nil {
		t.Fatalf("ParseSettings() error = %v", err)
	}
	if names := settings.Names(); len(names) != 1 || names[0] != "files" {
		t.Fatalf("Names() = %v, want [files]", names)
	}
}

func TestParseSettingsRejectsAmbiguousServer(t *testing.T) {
	cases := map[string]string{
		"both":    `{"mcpServers": {"x": {"command": "a", "url": "http://b"}}}`,
		"neither": `{"mcpServers": {"x": {"args": ["a"]}}}`,
	}
	for name, data := range cases {
		if _, err := ParseSettings([]byte(data)); err == nil {
			t.Fatalf("%s: ParseSettings() error = nil, want error", name)
		}
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if len(settings.Servers) != 0 {
		t.Fatalf("Servers = %v, want empty", settings.Servers)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_server_settings.json")
	if err := os.WriteFile(path, []byte(`{"mcpServers": {"a": {"command": "srv"}}}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if settings.Servers["a"].Command != "srv" {
		t.Fatalf("command = %q", settings.Servers["a"].Command)
	}
}
