package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wagate.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`                   // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // guards the admin API; empty disables auth
	// ShutdownTimeoutSec bounds how long cleanup may take on exit.
	ShutdownTimeoutSec int `json:"shutdownTimeoutSec" yaml:"shutdownTimeoutSec"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// SessionConfig holds the reconnection and send pacing policy shared by all providers.
type SessionConfig struct {
	MaxReconnectAttempts     int     `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	ReconnectDelayMs         int     `json:"reconnectDelayMs" yaml:"reconnectDelayMs"`
	MaxReconnectDelayMs      int     `json:"maxReconnectDelayMs" yaml:"maxReconnectDelayMs"`
	Backoff                  string  `json:"backoff" yaml:"backoff"`                 // "fixed" | "exponential"
	ReconnectJitter          float64 `json:"reconnectJitter" yaml:"reconnectJitter"` // fraction of the delay, 0 = none
	ExternalReconnectDelayMs int     `json:"externalReconnectDelayMs" yaml:"externalReconnectDelayMs"`
	MaxQRRegenerations       int     `json:"maxQRRegenerations" yaml:"maxQRRegenerations"` // 0 = unlimited
	SendRatePerMinute        int     `json:"sendRatePerMinute" yaml:"sendRatePerMinute"`   // 0 = unlimited
	SendBurst                int     `json:"sendBurst" yaml:"sendBurst"`
	BulkSendDelayMs          int     `json:"bulkSendDelayMs" yaml:"bulkSendDelayMs"`
	LoadConnectedOnStart     bool    `json:"loadConnectedOnStart" yaml:"loadConnectedOnStart"`
}

type ProvidersConfig struct {
	Baileys   BaileysConfig   `json:"baileys" yaml:"baileys"`
	Evolution EvolutionConfig `json:"evolution" yaml:"evolution"`
	WebJS     WebJSConfig     `json:"webjs" yaml:"webjs"`
}

// BaileysConfig configures the persistent-socket provider.
type BaileysConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	AuthDir string `json:"authDir" yaml:"authDir"` // one sub-directory per channel
	// DeviceName is shown under linked devices on the phone.
	DeviceName string `json:"deviceName,omitempty" yaml:"deviceName,omitempty"`
}

// EvolutionConfig configures the Evolution API REST provider.
type EvolutionConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	APIBase        string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	InstancePrefix string `json:"instancePrefix,omitempty" yaml:"instancePrefix,omitempty"`
	WebhookURL     string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"` // public base URL the instance posts to
	PollIntervalMs int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	TimeoutSec     int    `json:"timeoutSec" yaml:"timeoutSec"`
}

// WebJSConfig configures the headless-browser provider.
type WebJSConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	ProfileDir     string `json:"profileDir" yaml:"profileDir"` // one Chrome profile per channel
	Headless       bool   `json:"headless" yaml:"headless"`
	ExecPath       string `json:"execPath,omitempty" yaml:"execPath,omitempty"`
	URL            string `json:"url" yaml:"url"`
	PollIntervalMs int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
}

type WebhookConfig struct {
	Secret       string `json:"secret,omitempty" yaml:"secret,omitempty"` // HMAC-SHA256 key for X-Signature-256
	APIKey       string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"` // expected "apikey" header
	MaxBodyBytes int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
}

type AlertsConfig struct {
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	DedupeWindowSec int            `json:"dedupeWindowSec" yaml:"dedupeWindowSec"`
	Telegram        TelegramConfig `json:"telegram" yaml:"telegram"`
	Slack           SlackConfig    `json:"slack" yaml:"slack"`
	Discord         DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Token   string         `json:"token" yaml:"token"`
	ChatIDs FlexStringList `json:"chatIds" yaml:"chatIds"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"botToken" yaml:"botToken"`
	ChannelID string `json:"channelId" yaml:"channelId"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Token     string `json:"token" yaml:"token"`
	ChannelID string `json:"channelId" yaml:"channelId"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.wagate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves ~ in every filesystem path of the config.
func (c *Config) ExpandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Store.DBPath = ExpandPath(c.Store.DBPath)
	c.Providers.Baileys.AuthDir = ExpandPath(c.Providers.Baileys.AuthDir)
	c.Providers.WebJS.ProfileDir = ExpandPath(c.Providers.WebJS.ProfileDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	s := cfg.Session
	if s.MaxReconnectAttempts < 0 || s.MaxReconnectAttempts > 20 {
		errs = append(errs, "session.maxReconnectAttempts must be between 0 and 20")
	}
	if s.ReconnectDelayMs < 0 {
		errs = append(errs, "session.reconnectDelayMs must be >= 0")
	}
	if s.MaxReconnectDelayMs > 0 && s.MaxReconnectDelayMs < s.ReconnectDelayMs {
		errs = append(errs, "session.maxReconnectDelayMs must be >= session.reconnectDelayMs")
	}
	switch s.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, "session.backoff must be one of: fixed, exponential")
	}
	if s.MaxQRRegenerations < 0 {
		errs = append(errs, "session.maxQRRegenerations must be >= 0")
	}
	if s.SendRatePerMinute < 0 {
		errs = append(errs, "session.sendRatePerMinute must be >= 0")
	}
	if s.SendBurst < 0 {
		errs = append(errs, "session.sendBurst must be >= 0")
	}
	if s.ReconnectJitter < 0 || s.ReconnectJitter > 1 {
		errs = append(errs, "session.reconnectJitter must be between 0 and 1")
	}
	if s.BulkSendDelayMs < 0 {
		errs = append(errs, "session.bulkSendDelayMs must be >= 0")
	}

	p := cfg.Providers
	if !p.Baileys.Enabled && !p.Evolution.Enabled && !p.WebJS.Enabled {
		errs = append(errs, "providers: at least one provider must be enabled")
	}
	if p.Baileys.Enabled && p.Baileys.AuthDir == "" {
		errs = append(errs, "providers.baileys.authDir is required")
	}
	if p.Evolution.Enabled {
		if p.Evolution.APIBase == "" {
			errs = append(errs, "providers.evolution.apiBase is required")
		}
		if p.Evolution.APIKey == "" {
			errs = append(errs, "providers.evolution.apiKey is required")
		}
		if p.Evolution.PollIntervalMs < 500 {
			errs = append(errs, "providers.evolution.pollIntervalMs must be >= 500")
		}
	}
	if p.WebJS.Enabled && p.WebJS.ProfileDir == "" {
		errs = append(errs, "providers.webjs.profileDir is required")
	}

	if cfg.Alerts.Telegram.Enabled && cfg.Alerts.Telegram.Token == "" {
		errs = append(errs, "alerts.telegram.token is required when enabled")
	}
	if cfg.Alerts.Slack.Enabled && (cfg.Alerts.Slack.BotToken == "" || cfg.Alerts.Slack.ChannelID == "") {
		errs = append(errs, "alerts.slack.botToken and channelId are required when enabled")
	}
	if cfg.Alerts.Discord.Enabled && (cfg.Alerts.Discord.Token == "" || cfg.Alerts.Discord.ChannelID == "") {
		errs = append(errs, "alerts.discord.token and channelId are required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
