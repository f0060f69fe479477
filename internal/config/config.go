package config

import (
	"errors"
	"os"
	"path/filepath"
	"text/template"
	"time"

	_ "embed"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/relay/internal/errs"
)

//go:embed config_template.yml
var configTemplate string

// Settings holds persisted configuration loaded from the YAML settings file
// and environment variables.
type Settings struct {
	HTTPAddr        string        `yaml:"http-addr" env:"HTTP_ADDR"`
	BaseURL         string        `yaml:"base-url" env:"BASE_URL"`
	APIKey          string        `yaml:"api-key" env:"API_KEY"`
	APIKeyEnv       string        `yaml:"api-key-env" env:"API_KEY_ENV"`
	APIKeyCmd       string        `yaml:"api-key-cmd" env:"API_KEY_CMD"`
	DefaultModel    string        `yaml:"default-model" env:"MODEL"`
	HTTPProxy       string        `yaml:"http-proxy" env:"HTTP_PROXY"`
	CatalogTTL      time.Duration `yaml:"catalog-ttl" env:"CATALOG_TTL"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT"`
	CachePath       string        `yaml:"cache-path" env:"CACHE_PATH"`
	Debug           bool          `yaml:"debug" env:"DEBUG"`

	MCPServers        map[string]MCPServerConfig `yaml:"mcp-servers"`
	MCPDisable        []string                   `yaml:"mcp-disable" env:"MCP_DISABLE"`
	MCPConnectTimeout time.Duration              `yaml:"mcp-connect-timeout" env:"MCP_CONNECT_TIMEOUT"`
	MCPCallTimeout    time.Duration              `yaml:"mcp-call-timeout" env:"MCP_CALL_TIMEOUT"`
	MCPNoInheritEnv   bool                       `yaml:"mcp-no-inherit-env" env:"MCP_NO_INHERIT_ENV"`
}

// Runtime holds CLI/runtime-only options that should not be loaded from the
// settings file.
type Runtime struct {
	SettingsPath string
}

// Config is the application configuration (settings + runtime-only options).
//
// Settings fields are promoted for ergonomic access, but runtime fields are
// explicitly excluded from YAML/env parsing.
type Config struct {
	Settings `yaml:",inline"`
	Runtime  `yaml:"-" env:"-"`
}

// MCPServerConfig holds configuration for an MCP server.
type MCPServerConfig struct {
	Type    string   `yaml:"type"`
	Command string   `yaml:"command"`
	Env     []string `yaml:"env"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

// Ensure loads settings from disk and environment and applies defaults.
//
// It also creates the default settings file if it does not exist.
func Ensure() (Config, error) {
	var c Config
	home, err := os.UserHomeDir()
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not determine home directory."}
	}

	sp := filepath.Join(home, ".config", "relay", "relay.yml")
	c.SettingsPath = sp

	dir := filepath.Dir(sp)
	if dirErr := os.MkdirAll(dir, 0o700); dirErr != nil {
		return c, errs.Error{Err: dirErr, Reason: "Could not create config directory."}
	}

	if dirErr := WriteConfigFile(sp); dirErr != nil {
		return c, dirErr
	}
	content, err := os.ReadFile(sp)
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not read settings file."}
	}
	if err := yaml.Unmarshal(content, &c); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse settings file."}
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: "RELAY_"}); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not parse environment into settings file."}
	}

	if c.CachePath == "" {
		c.CachePath = filepath.Join(home, ".config", "relay", "cache")
	}
	if err := os.MkdirAll(c.CachePath, 0o700); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not create cache directory."}
	}

	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Config) {
	def := Default()
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = def.APIKeyEnv
	}
	if c.DefaultModel == "" {
		c.DefaultModel = def.DefaultModel
	}
	if c.CatalogTTL == 0 {
		c.CatalogTTL = def.CatalogTTL
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MCPConnectTimeout == 0 {
		c.MCPConnectTimeout = def.MCPConnectTimeout
	}
	if c.MCPCallTimeout == 0 {
		c.MCPCallTimeout = def.MCPCallTimeout
	}
	if c.MCPServers == nil {
		c.MCPServers = def.MCPServers
	}
}

// WriteConfigFile creates the config file at path if it does not exist.
func WriteConfigFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createConfigFile(path)
	} else if err != nil {
		return errs.Error{Err: err, Reason: "Could not stat path."}
	}
	return nil
}

func createConfigFile(path string) error {
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	f, err := os.Create(path)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not create configuration file."}
	}
	defer func() { _ = f.Close() }()

	m := struct{ Config Config }{Config: Default()}
	if err := tmpl.Execute(f, m); err != nil {
		return errs.Error{Err: err, Reason: "Could not render template."}
	}
	return nil
}

// Default returns the default configuration values.
func Default() Config {
	return Config{
		Settings: Settings{
			HTTPAddr:          ":8000",
			BaseURL:           "https://openrouter.ai/api/v1",
			APIKeyEnv:         "OPENROUTER_API_KEY",
			DefaultModel:      "openai/gpt-4o-mini",
			CatalogTTL:        5 * time.Minute,
			ShutdownTimeout:   10 * time.Second,
			MCPConnectTimeout: 10 * time.Second,
			MCPCallTimeout:    5 * time.Second,
			MCPServers: map[string]MCPServerConfig{
				"filesystem": {
					Command: "npx",
					Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
				},
			},
		},
	}
}
