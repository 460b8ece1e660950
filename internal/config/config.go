// Package config loads, validates, and watches the gateway's YAML
// configuration.
package config

import "sort"

// Config is the root configuration. A loaded Config is immutable; hot
// reload produces a fresh instance handed to subscribers. The json tags
// serve the control plane, which broadcasts masked copies.
type Config struct {
	Gateway  GatewayConfig             `yaml:"gateway" json:"gateway"`
	Channels map[string]*ChannelConfig `yaml:"channels" json:"channels"`
}

// GatewayConfig holds the gateway-wide settings.
type GatewayConfig struct {
	Host           string          `yaml:"host" json:"host"`                       // default 127.0.0.1
	Port           int             `yaml:"port" json:"port"`                       // default 18900
	HotReload      bool            `yaml:"hot_reload" json:"hot_reload"`           // default true
	Verbose        bool            `yaml:"verbose" json:"verbose"`
	AllowedOrigins []string        `yaml:"allowed_origins" json:"allowed_origins"` // websocket Origin whitelist; empty = allow all
	Auth           AuthConfig      `yaml:"auth" json:"auth"`
	Session        SessionConfig   `yaml:"session" json:"session"`
	Agent          AgentConfig     `yaml:"agent" json:"agent"`
	Uploads        UploadsConfig   `yaml:"uploads" json:"uploads"`
	Tailscale      TailscaleConfig `yaml:"tailscale" json:"tailscale"`
	Tracing        TracingConfig   `yaml:"tracing" json:"tracing"`
}

// AuthConfig guards the control-plane API.
type AuthConfig struct {
	Token    string `yaml:"token" json:"token"`
	Password string `yaml:"password" json:"password"`
}

// SessionConfig tunes bridge session lifecycle.
type SessionConfig struct {
	MaxIdleHours           int `yaml:"max_idle_hours" json:"max_idle_hours"`                     // default 24
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds"` // default 3600
}

// AgentConfig locates the agent runtime endpoint.
type AgentConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`               // default http://127.0.0.1:18800
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"` // default 180
}

// UploadsConfig tunes the attachment staging area.
type UploadsConfig struct {
	Dir               string `yaml:"dir" json:"dir"`                                 // default <workdir>/tmp/uploads
	TTLHours          int    `yaml:"ttl_hours" json:"ttl_hours"`                     // default 24
	CleanupCron       string `yaml:"cleanup_cron" json:"cleanup_cron"`               // empty = hourly
	MaxImageDimension int    `yaml:"max_image_dimension" json:"max_image_dimension"` // 0 = no downscaling
}

// TailscaleConfig configures the optional tsnet listener.
type TailscaleConfig struct {
	Hostname  string `yaml:"hostname" json:"hostname"` // empty = disabled
	StateDir  string `yaml:"state_dir" json:"state_dir"`
	AuthKey   string `yaml:"auth_key" json:"auth_key"` // falls back to TS_AUTHKEY
	Ephemeral bool   `yaml:"ephemeral" json:"ephemeral"`
}

// TracingConfig configures optional OTLP trace export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"` // empty = disabled
	Protocol string `yaml:"protocol" json:"protocol"` // "grpc" (default) or "http"
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// RateLimitConfig is a per-channel sliding-window limit.
type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests" json:"max_requests"`     // default 10
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"` // default 60
}

// ChannelConfig configures one channel adapter. Unknown keys land in
// Extra so adapters can carry transport-specific options.
type ChannelConfig struct {
	Enabled        bool            `yaml:"enabled" json:"enabled"`
	AccountID      string          `yaml:"account_id" json:"account_id"` // default "default"
	Token          string          `yaml:"token" json:"token"`
	Language       string          `yaml:"language" json:"language"` // refusal language, default "zh"
	Whitelist      []string        `yaml:"whitelist" json:"whitelist"`
	Blacklist      []string        `yaml:"blacklist" json:"blacklist"`
	RequireMention *bool           `yaml:"require_mention" json:"require_mention"` // telegram, discord
	AllowedGuilds  []int64         `yaml:"allowed_guilds" json:"allowed_guilds"`   // discord
	RespondToDMs   *bool           `yaml:"respond_to_dms" json:"respond_to_dms"`   // discord
	Proxy          string          `yaml:"proxy" json:"proxy"`                     // telegram
	RateLimit      RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

// MentionRequired reports whether the channel only answers group
// messages that mention the bot. Defaults to true for group-capable
// channels when unset.
func (ch *ChannelConfig) MentionRequired() bool {
	if ch == nil || ch.RequireMention == nil {
		return true
	}
	return *ch.RequireMention
}

// DMsAllowed reports whether direct messages are answered. Defaults to
// true when unset.
func (ch *ChannelConfig) DMsAllowed() bool {
	if ch == nil || ch.RespondToDMs == nil {
		return true
	}
	return *ch.RespondToDMs
}

// UserAllowed applies the channel's user lists: the blacklist always
// wins, and a non-empty whitelist admits only its members. Adapters
// drop filtered users silently, before any placeholder or typing
// traffic.
func (ch *ChannelConfig) UserAllowed(userID string) bool {
	if ch == nil {
		return true
	}
	for _, id := range ch.Blacklist {
		if id == userID {
			return false
		}
	}
	if len(ch.Whitelist) == 0 {
		return true
	}
	for _, id := range ch.Whitelist {
		if id == userID {
			return true
		}
	}
	return false
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      18900,
			HotReload: true,
			Session: SessionConfig{
				MaxIdleHours:           24,
				CleanupIntervalSeconds: 3600,
			},
			Agent: AgentConfig{
				BaseURL:        "http://127.0.0.1:18800",
				TimeoutSeconds: 180,
			},
			Uploads: UploadsConfig{
				TTLHours: 24,
			},
			Tracing: TracingConfig{
				Protocol: "grpc",
				Insecure: true,
			},
		},
		Channels: make(map[string]*ChannelConfig),
	}
}

// normalize fills defaults for fields the YAML left at zero. Channels
// appear dynamically, so their defaults cannot be pre-seeded.
func (c *Config) normalize() {
	if c.Channels == nil {
		c.Channels = make(map[string]*ChannelConfig)
	}
	for name, ch := range c.Channels {
		if ch == nil {
			ch = &ChannelConfig{}
			c.Channels[name] = ch
		}
		if ch.AccountID == "" {
			ch.AccountID = "default"
		}
		if ch.Language == "" {
			ch.Language = "zh"
		}
		if ch.RateLimit.MaxRequests == 0 {
			ch.RateLimit.MaxRequests = 10
		}
		if ch.RateLimit.WindowSeconds == 0 {
			ch.RateLimit.WindowSeconds = 60
		}
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18900
	}
	if c.Gateway.Session.MaxIdleHours == 0 {
		c.Gateway.Session.MaxIdleHours = 24
	}
	if c.Gateway.Session.CleanupIntervalSeconds == 0 {
		c.Gateway.Session.CleanupIntervalSeconds = 3600
	}
	if c.Gateway.Agent.BaseURL == "" {
		c.Gateway.Agent.BaseURL = "http://127.0.0.1:18800"
	}
	if c.Gateway.Agent.TimeoutSeconds == 0 {
		c.Gateway.Agent.TimeoutSeconds = 180
	}
	if c.Gateway.Uploads.TTLHours == 0 {
		c.Gateway.Uploads.TTLHours = 24
	}
	if c.Gateway.Tracing.Protocol == "" {
		c.Gateway.Tracing.Protocol = "grpc"
	}
}

// Channel returns the named channel config, or nil when absent.
func (c *Config) Channel(name string) *ChannelConfig {
	if c == nil || c.Channels == nil {
		return nil
	}
	return c.Channels[name]
}

// EnabledChannels lists channel names with enabled=true, sorted for
// stable startup and log ordering.
func (c *Config) EnabledChannels() []string {
	var names []string
	for name, ch := range c.Channels {
		if ch != nil && ch.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
