package dependency

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/petal-labs/petalvoice/config"
	"github.com/petal-labs/petalvoice/plugin"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.ServerMCP.SettingsPath = filepath.Join(dir, "missing.json")
	cfg.Catalog.SQLitePath = filepath.Join(dir, "catalog.db")
	cfg.Plugins.Settings = map[string]map[string]any{
		plugin.ChangeRoleName: {"roles": map[string]any{"pirate": "Arr."}},
		plugin.GetTimeName:    {"timezone": "UTC"},
	}
	return &cfg
}

func TestNewWiresServices(t *testing.T) {
	c, err := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if c.Pool() == nil || c.Gateway() == nil || c.Catalog() == nil || c.Observer() == nil {
		t.Fatal("New() left a service unwired")
	}
	if _, ok := c.Plugins().Lookup(plugin.ChangeRoleName); !ok {
		t.Fatal("builtin plugins not registered")
	}
	if len(c.Pool().Status()) != 0 {
		t.Fatalf("Status() = %v, want no servers", c.Pool().Status())
	}
}

func TestNewWithoutCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.SQLitePath = ""
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close(context.Background())
	if c.Catalog() != nil {
		t.Fatal("Catalog() != nil without a path")
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Settings[plugin.GetTimeName] = map[string]any{"timezone": "Mars/Olympus"}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() error = nil, want timezone error")
	}
}
