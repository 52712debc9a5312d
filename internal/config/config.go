// Package config handles ferry configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectDirName is the per-project directory holding overrides and
// project-scoped state, relative to a workspace root.
const ProjectDirName = ".ferry"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ferry/config.yaml, /etc/ferry/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ferry", "config.yaml"))
	}

	paths = append(paths, "/etc/ferry/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ferry configuration.
type Config struct {
	ProductName string                     `yaml:"product_name"`
	DataDir     string                     `yaml:"data_dir"`
	LogLevel    string                     `yaml:"log_level"`
	LogFormat   string                     `yaml:"log_format"` // text or json
	Listen      ListenConfig               `yaml:"listen"`
	OAuth       OAuthConfig                `yaml:"oauth"`
	Tools       map[string]bool            `yaml:"tools"`
	MCPServers  map[string]MCPServerConfig `yaml:"mcp_servers"`
	Plugins     []string                   `yaml:"plugins"`
}

// ListenConfig defines where the websocket host accepts the UI process.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`    // Default: 7357
}

// OAuthConfig tunes interactive provider logins.
type OAuthConfig struct {
	// SessionTTL bounds how long an unfinished login may linger before
	// the next login sweeps it. Requests may pass their own timeout.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// MCPServerConfig describes one MCP server. Exactly one of Command or
// URL must be set.
type MCPServerConfig struct {
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      []string          `yaml:"env"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	Disabled bool              `yaml:"disabled"`
}

// Transport reports "stdio" or "http" depending on which field is set.
func (s MCPServerConfig) Transport() string {
	if s.URL != "" {
		return "http"
	}
	return "stdio"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ProductName == "" {
		c.ProductName = "ferry"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.ferry"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 7357
	}
	if c.OAuth.SessionTTL == 0 {
		c.OAuth.SessionTTL = 5 * time.Minute
	}
}

// Validate checks the configuration for values that would fail at
// runtime rather than at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.OAuth.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("oauth.session_ttl must not be negative"))
	}
	for name, srv := range c.MCPServers {
		if (srv.Command == "") == (srv.URL == "") {
			errs = append(errs, fmt.Errorf("mcp_servers.%s: exactly one of command or url is required", name))
		}
	}
	return errors.Join(errs...)
}

// Project holds per-project overrides read from
// <root>/.ferry/config.yaml.
type Project struct {
	Tools      map[string]bool            `yaml:"tools"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// LoadProject reads the project override file under root. A missing
// file is not an error and yields an empty Project.
func LoadProject(root string) (*Project, error) {
	path := filepath.Join(root, ProjectDirName, "config.yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Project{}, nil
	}
	if err != nil {
		return nil, err
	}

	p := &Project{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// Merge returns a copy of c with the project's tool entries and MCP
// servers layered on top. Project entries win on conflicts.
func (c *Config) Merge(p *Project) *Config {
	out := *c
	out.Tools = make(map[string]bool, len(c.Tools))
	for k, v := range c.Tools {
		out.Tools[k] = v
	}
	out.MCPServers = make(map[string]MCPServerConfig, len(c.MCPServers))
	for k, v := range c.MCPServers {
		out.MCPServers[k] = v
	}
	if p == nil {
		return &out
	}
	for k, v := range p.Tools {
		out.Tools[k] = v
	}
	for k, v := range p.MCPServers {
		out.MCPServers[k] = v
	}
	return &out
}
