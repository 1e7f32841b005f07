// Package serverpool launches the locally configured capability servers and
// routes calls to them with rebuild-and-retry.
package serverpool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransportKind is how a configured server is reached.
type TransportKind string

const (
	// TransportStdio launches the server as a child process.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP connects to a remote streamable HTTP server.
	TransportHTTP TransportKind = "http"
)

// Settings is the server settings file. JSON files parse as well, since the
// decoder accepts the JSON subset of YAML.
type Settings struct {
	Servers map[string]ServerConfig `yaml:"mcpServers" json:"mcpServers"`
}

// ServerConfig declares one capability server.
type ServerConfig struct {
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	AccessToken string            `yaml:"accessToken,omitempty" json:"accessToken,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Transport infers the transport from the populated fields.
func (c ServerConfig) Transport() (TransportKind, error) {
	hasCommand := strings.TrimSpace(c.Command) != ""
	hasURL := strings.TrimSpace(c.URL) != ""
	switch {
	case hasCommand && hasURL:
		return "", errors.New("command and url are mutually exclusive")
	case hasCommand:
		return TransportStdio, nil
	case hasURL:
		return TransportHTTP, nil
	default:
		return "", errors.New("either command or url is required")
	}
}

// LoadSettings reads and validates a server settings file. A missing file
// yields empty settings.
func LoadSettings(path string) (Settings, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return Settings{}, nil
	}
	// #nosec G304 -- path comes from the operator's config file.
	data, err := os.ReadFile(clean)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("reading server settings %q: %w", clean, err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes settings and expands ${VAR} references.
func ParseSettings(data []byte) (Settings, error) {
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parsing server settings: %w", err)
	}
	for name, cfg := range settings.Servers {
		cfg = expandServerConfig(cfg)
		if _, err := cfg.Transport(); err != nil && !cfg.Disabled {
			return Settings{}, fmt.Errorf("server %q: %w", name, err)
		}
		settings.Servers[name] = cfg
	}
	return settings, nil
}

// Names returns enabled server names in sorted order.
func (s Settings) Names() []string {
	names := make([]string, 0, len(s.Servers))
	for name, cfg := range s.Servers {
		if !cfg.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func expandServerConfig(cfg ServerConfig) ServerConfig {
	cfg.Command = os.ExpandEnv(strings.TrimSpace(cfg.Command))
	cfg.URL = os.ExpandEnv(strings.TrimSpace(cfg.URL))
	cfg.AccessToken = os.ExpandEnv(cfg.AccessToken)
	args := make([]string, 0, len(cfg.Args))
	for _, arg := range cfg.Args {
		args = append(args, os.ExpandEnv(arg))
	}
	cfg.Args = args
	cfg.Env = expandStringMap(cfg.Env)
	cfg.Headers = expandStringMap(cfg.Headers)
	return cfg
}

func expandStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = os.ExpandEnv(value)
	}
	return out
}
