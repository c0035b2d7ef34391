package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Gateway  ConfigGateway  `toml:"gateway"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
	Journal  ConfigJournal  `toml:"journal"`
	Metrics  ConfigMetrics  `toml:"metrics"`
}

// ConfigGateway locates the command gateway.
type ConfigGateway struct {
	BaseURL  string `toml:"base_url"`
	Function string `toml:"function"`
	Timeout  string `toml:"timeout"`
}

// ConfigAuth holds the session credential.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigRealtime selects the change feed used by watch.
type ConfigRealtime struct {
	Transport     string `toml:"transport"`
	URL           string `toml:"url"`
	WebhookAddr   string `toml:"webhook_addr"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigJournal locates the pending-send journal.
type ConfigJournal struct {
	Path string `toml:"path"`
}

// ConfigMetrics controls the Prometheus endpoint served by watch.
type ConfigMetrics struct {
	Addr string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies CHATSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

var envOverrides = map[string]string{
	"CHATSYNC_BASE_URL":       "gateway.base_url",
	"CHATSYNC_FUNCTION":       "gateway.function",
	"CHATSYNC_TIMEOUT":        "gateway.timeout",
	"CHATSYNC_TOKEN":          "auth.token",
	"CHATSYNC_USER_ID":        "auth.user_id",
	"CHATSYNC_TRANSPORT":      "realtime.transport",
	"CHATSYNC_REALTIME_URL":   "realtime.url",
	"CHATSYNC_WEBHOOK_ADDR":   "realtime.webhook_addr",
	"CHATSYNC_WEBHOOK_SECRET": "realtime.webhook_secret",
	"CHATSYNC_JOURNAL":        "journal.path",
	"CHATSYNC_METRICS_ADDR":   "metrics.addr",
}

func applyEnv(cfg *Config) {
	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				jww.WARN.Printf("ignoring %s: %v", env, err)
			}
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "gateway":
		switch field {
		case "base_url":
			cfg.Gateway.BaseURL = value
		case "function":
			cfg.Gateway.Function = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid timeout %q: %w", value, err)
			}
			cfg.Gateway.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [gateway]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "ws", "sse", "webhook", "none":
			default:
				return fmt.Errorf("transport must be one of ws, sse, webhook, none")
			}
			cfg.Realtime.Transport = value
		case "url":
			cfg.Realtime.URL = value
		case "webhook_addr":
			cfg.Realtime.WebhookAddr = value
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "journal":
		if field != "path" {
			return fmt.Errorf("unknown field %q in section [journal]", field)
		}
		cfg.Journal.Path = value
	case "metrics":
		if field != "addr" {
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: gateway, auth, realtime, journal, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel int

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync engine CLI",
	Long:  "Command-line interface for the chat sync engine.\nBrowse chats, send messages, and watch live changes.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLog(jww.Threshold(logLevel))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&logLevel, "log-level", "l", int(jww.LevelWarn),
		"Log threshold: 0 = TRACE, 1 = DEBUG, 2 = INFO, 3 = WARN, 4 = ERROR")
}

// initLog sets the jww threshold for stdout.
func initLog(threshold jww.Threshold) {
	if threshold < jww.LevelTrace || threshold > jww.LevelFatal {
		threshold = jww.LevelWarn
	}
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.DEBUG.Printf("log level set to: %v", threshold)
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
