// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete client configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// StateDir holds the history cache and other local state.
	StateDir string `yaml:"state_dir"`

	Server  ServerConfig  `yaml:"server"`
	User    UserConfig    `yaml:"user"`
	Hub     HubConfig     `yaml:"hub"`
	History HistoryConfig `yaml:"history"`
	Widget  WidgetConfig  `yaml:"widget"`
	Scroll  ScrollConfig  `yaml:"scroll"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the sections that can be overridden per
// environment. Zero fields leave the base value alone.
type Overrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Hub     *HubConfig     `yaml:"hub,omitempty"`
	Cache   *CacheConfig   `yaml:"cache,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	// APIURL is the REST root used for history pages, the
	// conversation list and uploads.
	APIURL string `yaml:"api_url"`

	NotificationHubURL string `yaml:"notification_hub_url"`
	MessageHubURL      string `yaml:"message_hub_url"`

	// Protocol is the hub frame format: "json" or "cbor".
	// Default: json
	Protocol string `yaml:"protocol"`

	// TokenFile holds the bearer token. It is re-read on every hub
	// reconnect so an external refresher can rotate it.
	TokenFile string `yaml:"token_file"`
}

// UserConfig identifies the signed-in user.
type UserConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Avatar string `yaml:"avatar"`
}

// HubConfig tunes both hub connections.
type HubConfig struct {
	// RetryDelays is the reconnect schedule. An empty list disables
	// reconnection.
	// Default: [0s, 2s, 10s, 30s]
	RetryDelays []Duration `yaml:"retry_delays"`

	// Default: 15s
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// InvokeTimeout bounds each request/response call.
	// Default: 30s
	InvokeTimeout Duration `yaml:"invoke_timeout"`
}

type HistoryConfig struct {
	// Default: 30
	PageSize int `yaml:"page_size"`
}

type WidgetConfig struct {
	// Mode is "widget" or "inbox".
	// Default: widget
	Mode string `yaml:"mode"`

	// Capacity caps visible windows in widget mode.
	// Default: 3
	Capacity int `yaml:"capacity"`
}

type ScrollConfig struct {
	// NearBottomThreshold is the distance, in rows, within which the
	// view counts as following the newest message.
	// Default: 2
	NearBottomThreshold int `yaml:"near_bottom_threshold"`

	// SettleDelay is how long the view must rest near the bottom
	// before the conversation is marked read.
	// Default: 750ms
	SettleDelay Duration `yaml:"settle_delay"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Default: ${CHATSYNC_STATE}/history.db
	Path string `yaml:"path"`

	// Default: 200
	MaxMessages int `yaml:"max_messages"`

	// Compression is "zstd", "lz4" or "none".
	// Default: zstd
	Compression string `yaml:"compression"`
}

type MetricsConfig struct {
	// Listen is the address for the Prometheus endpoint. Empty
	// disables it.
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration written in YAML as "750ms" or "2s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetrySchedule returns the reconnect delays as time.Durations. The
// result is non-nil even when empty, which disables reconnection.
func (h HubConfig) RetrySchedule() []time.Duration {
	delays := make([]time.Duration, len(h.RetryDelays))
	for i, delay := range h.RetryDelays {
		delays[i] = delay.Std()
	}
	return delays
}

// Default returns the default configuration, the base onto which the
// file is decoded.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local", "state", "chatsync")

	return &Config{
		Environment: Development,
		StateDir:    stateDir,
		Server: ServerConfig{
			Protocol: "json",
		},
		Hub: HubConfig{
			RetryDelays: []Duration{
				0,
				Duration(2 * time.Second),
				Duration(10 * time.Second),
				Duration(30 * time.Second),
			},
			HandshakeTimeout: Duration(15 * time.Second),
			InvokeTimeout:    Duration(30 * time.Second),
		},
		History: HistoryConfig{PageSize: 30},
		Widget:  WidgetConfig{Mode: "widget", Capacity: 3},
		Scroll: ScrollConfig{
			NearBottomThreshold: 2,
			SettleDelay:         Duration(750 * time.Millisecond),
		},
		Cache: CacheConfig{
			Enabled:     true,
			Path:        "${CHATSYNC_STATE}/history.db",
			MaxMessages: 200,
			Compression: "zstd",
		},
	}
}

// Load loads configuration from the file named by CHATSYNC_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("CHATSYNC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("CHATSYNC_CONFIG environment variable not set; " +
			"set it to the path of your chatsync.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Parse(data); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML onto c, then applies the matching environment
// section and expands variables.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyEnvironmentOverrides()
	c.expandVariables()
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		override(&c.Server.APIURL, server.APIURL)
		override(&c.Server.NotificationHubURL, server.NotificationHubURL)
		override(&c.Server.MessageHubURL, server.MessageHubURL)
		override(&c.Server.Protocol, server.Protocol)
		override(&c.Server.TokenFile, server.TokenFile)
	}
	if hub := overrides.Hub; hub != nil {
		if hub.RetryDelays != nil {
			c.Hub.RetryDelays = hub.RetryDelays
		}
		override(&c.Hub.HandshakeTimeout, hub.HandshakeTimeout)
		override(&c.Hub.InvokeTimeout, hub.InvokeTimeout)
	}
	if cache := overrides.Cache; cache != nil {
		// Enabled is a bool, so it is always taken from the override.
		c.Cache.Enabled = cache.Enabled
		override(&c.Cache.Path, cache.Path)
		override(&c.Cache.MaxMessages, cache.MaxMessages)
		override(&c.Cache.Compression, cache.Compression)
	}
	if metrics := overrides.Metrics; metrics != nil {
		override(&c.Metrics.Listen, metrics.Listen)
	}
}

func override[T comparable](target *T, value T) {
	var zero T
	if value != zero {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.StateDir = expandVars(c.StateDir, vars)
	vars["CHATSYNC_STATE"] = c.StateDir

	c.Server.APIURL = expandVars(c.Server.APIURL, vars)
	c.Server.NotificationHubURL = expandVars(c.Server.NotificationHubURL, vars)
	c.Server.MessageHubURL = expandVars(c.Server.MessageHubURL, vars)
	c.Server.TokenFile = expandVars(c.Server.TokenFile, vars)
	c.User.ID = expandVars(c.User.ID, vars)
	c.User.Name = expandVars(c.User.Name, vars)
	c.Cache.Path = expandVars(c.Cache.Path, vars)
	c.Metrics.Listen = expandVars(c.Metrics.Listen, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	errs = append(errs, validateURL("server.api_url", c.Server.APIURL, "http", "https"))
	errs = append(errs, validateURL("server.notification_hub_url", c.Server.NotificationHubURL, "ws", "wss"))
	errs = append(errs, validateURL("server.message_hub_url", c.Server.MessageHubURL, "ws", "wss"))
	if c.Server.Protocol != "json" && c.Server.Protocol != "cbor" {
		errs = append(errs, fmt.Errorf("server.protocol must be json or cbor, got %q", c.Server.Protocol))
	}
	if c.Server.TokenFile == "" {
		errs = append(errs, errors.New("server.token_file is required"))
	}
	if c.User.ID == "" {
		errs = append(errs, errors.New("user.id is required"))
	}

	for i, delay := range c.Hub.RetryDelays {
		if delay < 0 {
			errs = append(errs, fmt.Errorf("hub.retry_delays[%d] is negative", i))
		}
	}
	if c.Hub.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("hub.handshake_timeout must be positive"))
	}
	if c.Hub.InvokeTimeout <= 0 {
		errs = append(errs, errors.New("hub.invoke_timeout must be positive"))
	}
	if c.History.PageSize <= 0 {
		errs = append(errs, errors.New("history.page_size must be positive"))
	}
	if c.Widget.Mode != "widget" && c.Widget.Mode != "inbox" {
		errs = append(errs, fmt.Errorf("widget.mode must be widget or inbox, got %q", c.Widget.Mode))
	}
	if c.Widget.Capacity <= 0 {
		errs = append(errs, errors.New("widget.capacity must be positive"))
	}
	if c.Scroll.NearBottomThreshold < 0 {
		errs = append(errs, errors.New("scroll.near_bottom_threshold must not be negative"))
	}
	if c.Scroll.SettleDelay <= 0 {
		errs = append(errs, errors.New("scroll.settle_delay must be positive"))
	}
	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required when the cache is enabled"))
		}
		switch c.Cache.Compression {
		case "", "none", "lz4", "zstd":
		default:
			errs = append(errs, fmt.Errorf("cache.compression must be none, lz4 or zstd, got %q", c.Cache.Compression))
		}
	}

	return errors.Join(errs...)
}

func validateURL(field, value string, schemes ...string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", field, schemes[0]+"/"+schemes[1], value)
}
