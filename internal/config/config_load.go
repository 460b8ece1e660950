package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither the --config flag nor
// GATEWAY_CONFIG_PATH points elsewhere.
const DefaultPath = "config.yaml"

// ResolvePath picks the config file location: explicit value first, then
// the GATEWAY_CONFIG_PATH environment variable, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return ExpandHome(explicit)
	}
	if v := os.Getenv("GATEWAY_CONFIG_PATH"); v != "" {
		return ExpandHome(v)
	}
	return DefaultPath
}

// Load reads config from a YAML file, expands ${VAR} references, then
// overlays env vars. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		expandEnvRefs(&root)
		if err := root.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

var envRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnvRefs replaces scalar values of the exact form ${NAME} with the
// NAME environment variable. Unset variables become empty strings so a
// missing secret disables its channel instead of leaking the literal
// placeholder into the transport.
func expandEnvRefs(n *yaml.Node) {
	if n == nil {
		return
	}
	if n.Kind == yaml.ScalarNode {
		if m := envRefPattern.FindStringSubmatch(n.Value); m != nil {
			n.SetString(os.Getenv(m[1]))
		}
		return
	}
	for _, child := range n.Content {
		expandEnvRefs(child)
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("GATEWAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("GATEWAY_AUTH_TOKEN", &c.Gateway.Auth.Token)
}

// Save writes the config as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short fingerprint of the config. The watcher uses it to
// skip reload events that do not change anything.
func (c *Config) Hash() string {
	data, _ := yaml.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked. Used by the control-plane API to avoid exposing secrets.
func (c *Config) MaskedCopy() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := yaml.Unmarshal(data, cp); err != nil {
		return Default()
	}

	maskNonEmpty(&cp.Gateway.Auth.Token)
	maskNonEmpty(&cp.Gateway.Auth.Password)
	maskNonEmpty(&cp.Gateway.Tailscale.AuthKey)
	for _, ch := range cp.Channels {
		if ch != nil {
			maskNonEmpty(&ch.Token)
		}
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
