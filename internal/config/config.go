// Package config loads and validates the server configuration from file,
// environment and flags.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// TenantSpec configures one tenant.
type TenantSpec struct {
	Name          string `mapstructure:"name"`
	Version       string `mapstructure:"version"`
	BaseURL       string `mapstructure:"base_url"`
	LoadDir       string `mapstructure:"load_dir"`
	MaxResources  int    `mapstructure:"max_resources"`
	ProtectLoaded bool   `mapstructure:"protect_loaded"`
}

// ChatConfig holds the chat-webhook bot credentials.
type ChatConfig struct {
	Site     string `mapstructure:"site"`
	Identity string `mapstructure:"identity"`
	Key      string `mapstructure:"key"`
}

// SmartConfig holds the SMART token gate settings.
type SmartConfig struct {
	Secret   string   `mapstructure:"secret"`
	Issuer   string   `mapstructure:"issuer"`
	Required []string `mapstructure:"required"` // tenant names behind the gate
}

// Config is the full server configuration.
type Config struct {
	Listen  string       `mapstructure:"listen"`
	Tenants []TenantSpec `mapstructure:"tenants"`
	Smart   SmartConfig  `mapstructure:"smart"`
	Chat    ChatConfig   `mapstructure:"chat"`
}

// Load reads the configuration file (optional) and the environment.
// Chat credentials fall back to CHAT_SITE, CHAT_IDENTITY and CHAT_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", ":8080")

	v.SetEnvPrefix("BEACON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"chat.site":     "CHAT_SITE",
		"chat.identity": "CHAT_IDENTITY",
		"chat.key":      "CHAT_KEY",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ParseTenantSpec parses the compact flag form
// "name:version:baseURL[:loadDir][:maxResources]". The base URL keeps its
// scheme colon; a trailing integer segment is the resource cap.
func ParseTenantSpec(spec string) (TenantSpec, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return TenantSpec{}, fmt.Errorf("tenant spec %q needs name:version:baseURL", spec)
	}
	ts := TenantSpec{Name: parts[0], Version: parts[1]}
	rest := parts[2:]

	switch rest[0] {
	case "http", "https":
		if len(rest) < 2 {
			return TenantSpec{}, fmt.Errorf("tenant spec %q has a truncated base URL", spec)
		}
		ts.BaseURL = rest[0] + ":" + rest[1]
		rest = rest[2:]
		// "http://host:8080/path" splits once more at the port colon.
		if len(rest) > 0 && isPortSegment(rest[0]) {
			ts.BaseURL += ":" + rest[0]
			rest = rest[1:]
		}
	default:
		ts.BaseURL = rest[0]
		rest = rest[1:]
	}

	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[len(rest)-1]); err == nil {
			ts.MaxResources = n
			rest = rest[:len(rest)-1]
		}
	}
	if len(rest) > 0 {
		// A load directory may itself contain colons on exotic paths; keep
		// whatever remains intact.
		ts.LoadDir = strings.Join(rest, ":")
		ts.ProtectLoaded = true
	}
	return ts, ts.Validate()
}

// isPortSegment reports whether s looks like "8080/path", the remainder of a
// base URL that carried a port.
func isPortSegment(s string) bool {
	i := strings.IndexByte(s, '/')
	if i <= 0 {
		return false
	}
	_, err := strconv.Atoi(s[:i])
	return err == nil
}

// Validate checks one tenant spec.
func (t TenantSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tenant needs a name")
	}
	if strings.ContainsAny(t.Name, "/ ") {
		return fmt.Errorf("tenant name %q must be a single path segment", t.Name)
	}
	switch t.Version {
	case "R4", "R4B", "R5":
	default:
		return fmt.Errorf("tenant %s: version must be R4, R4B or R5, got %q", t.Name, t.Version)
	}
	if t.BaseURL == "" {
		return fmt.Errorf("tenant %s: base URL is required", t.Name)
	}
	if t.MaxResources < 0 {
		return fmt.Errorf("tenant %s: max resources must not be negative", t.Name)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tenant name %q", t.Name)
		}
		seen[t.Name] = true
	}
	for _, name := range c.Smart.Required {
		if !seen[name] {
			return fmt.Errorf("smart.required names unknown tenant %q", name)
		}
	}
	if len(c.Smart.Required) > 0 && c.Smart.Secret == "" {
		return fmt.Errorf("smart.secret is required when tenants are SMART-gated")
	}
	return nil
}

// SmartRequired reports whether a tenant sits behind the SMART gate.
func (c *Config) SmartRequired(tenant string) bool {
	for _, name := range c.Smart.Required {
		if name == tenant {
			return true
		}
	}
	return false
}
