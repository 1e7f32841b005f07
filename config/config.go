// Package config loads petalvoice.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalvoice.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalvoice"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	DeviceMCP DeviceMCPConfig `yaml:"device_mcp"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	ServerMCP ServerMCPConfig `yaml:"server_mcp"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the device gateway listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PluginsConfig selects optional plugin functions. Settings are keyed by
// function name.
type PluginsConfig struct {
	Enabled  []string                  `yaml:"enabled"`
	Settings map[string]map[string]any `yaml:"settings"`
}

// VisionConfig is advertised to devices that can upload camera frames.
type VisionConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DeviceMCPConfig configures clients for capability servers embedded in devices.
type DeviceMCPConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Vision      VisionConfig  `yaml:"vision"`
}

// EndpointConfig configures the optional standalone capability endpoint.
type EndpointConfig struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
}

// ServerMCPConfig configures the local capability-server pool.
type ServerMCPConfig struct {
	SettingsPath  string        `yaml:"settings_path"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	CloseTimeout  time.Duration `yaml:"close_timeout"`
	HealthCheck   string        `yaml:"health_check"`
}

// CatalogConfig configures tool-catalog snapshots.
type CatalogConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8000", Path: "/voice/v1/"},
		Log:    LogConfig{Level: "info", Format: "text"},
		DeviceMCP: DeviceMCPConfig{
			CallTimeout: 30 * time.Second,
		},
		Endpoint: EndpointConfig{
			CallTimeout:      30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		ServerMCP: ServerMCPConfig{
			SettingsPath:  "mcp_server_settings.json",
			CallTimeout:   15 * time.Second,
			InitTimeout:   30 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  time.Second,
			CloseTimeout:  5 * time.Second,
		},
	}
}

// DeviceMCPEnabled reports whether device-embedded capability servers are used.
func (c Config) DeviceMCPEnabled() bool {
	return c.DeviceMCP.Enabled == nil || *c.DeviceMCP.Enabled
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the config. Without a file it returns Default.
func Load(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		return Default(), "", nil
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads one config file over the defaults. Relative paths inside it
// resolve against the file's directory.
func LoadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.ServerMCP.SettingsPath = resolveRelative(base, cfg.ServerMCP.SettingsPath)
	cfg.Catalog.SQLitePath = resolveRelative(base, cfg.Catalog.SQLitePath)
	return cfg, nil
}

// Parse decodes YAML over the defaults after expanding ${VAR} references.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.ServerMCP.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("server_mcp.retry_attempts must be at least 1, got %d", c.ServerMCP.RetryAttempts))
	}
	for name, d := range map[string]time.Duration{
		"device_mcp.call_timeout":  c.DeviceMCP.CallTimeout,
		"endpoint.call_timeout":    c.Endpoint.CallTimeout,
		"server_mcp.call_timeout":  c.ServerMCP.CallTimeout,
		"server_mcp.init_timeout":  c.ServerMCP.InitTimeout,
		"server_mcp.retry_backoff": c.ServerMCP.RetryBackoff,
		"server_mcp.close_timeout": c.ServerMCP.CloseTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if url := strings.TrimSpace(c.Endpoint.URL); url != "" &&
		!strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		errs = append(errs, fmt.Errorf("endpoint.url %q must use ws:// or wss://", url))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func resolveRelative(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
