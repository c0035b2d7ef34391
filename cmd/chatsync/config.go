package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/teamflow/chatsync"
)

var configReveal bool

// configField describes one dotted config key as shown by config show.
type configField struct {
	key    string
	get    func(*Config) string
	def    string
	secret bool
}

var configSections = []struct {
	name   string
	fields []configField
}{
	{"gateway", []configField{
		{key: "gateway.base_url", get: func(c *Config) string { return c.Gateway.BaseURL }},
		{key: "gateway.function", get: func(c *Config) string { return c.Gateway.Function }, def: chatsync.DefaultFunction},
		{key: "gateway.timeout", get: func(c *Config) string { return c.Gateway.Timeout }, def: chatsync.DefaultTimeout.String()},
	}},
	{"auth", []configField{
		{key: "auth.user_id", get: func(c *Config) string { return c.Auth.UserID }},
		{key: "auth.token", get: func(c *Config) string { return c.Auth.Token }, secret: true},
		{key: "auth.token_expires", get: func(c *Config) string { return c.Auth.TokenExpires }},
	}},
	{"realtime", []configField{
		{key: "realtime.transport", get: func(c *Config) string { return c.Realtime.Transport }, def: "ws"},
		{key: "realtime.url", get: func(c *Config) string { return c.Realtime.URL }},
		{key: "realtime.webhook_addr", get: func(c *Config) string { return c.Realtime.WebhookAddr }, def: ":8787"},
		{key: "realtime.webhook_secret", get: func(c *Config) string { return c.Realtime.WebhookSecret }, secret: true},
	}},
	{"journal", []configField{
		{key: "journal.path", get: func(c *Config) string { return c.Journal.Path }, def: "~/.chatsync/journal.db"},
	}},
	{"metrics", []configField{
		{key: "metrics.addr", get: func(c *Config) string { return c.Metrics.Addr }, def: "(disabled)"},
	}},
}

// envFor returns the CHATSYNC_* variable currently overriding key, if any.
func envFor(key string) string {
	var names []string
	for env, k := range envOverrides {
		if k == key && os.Getenv(env) != "" {
			names = append(names, env)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// renderConfig writes the effective configuration grouped by section,
// noting defaults and environment overrides.
func renderConfig(w io.Writer, cfg *Config, reveal bool) {
	for i, section := range configSections {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", section.name)
		for _, f := range section.fields {
			value, note := f.get(cfg), ""
			switch {
			case value == "" && f.def != "":
				value, note = f.def, "default"
			case value == "":
				value = "(not set)"
			case f.secret && !reveal:
				value = maskKey(value)
			}
			if env := envFor(f.key); env != "" {
				note = "from $" + env
			}
			if note != "" {
				fmt.Fprintf(w, "  %-24s %s  # %s\n", f.key, value, note)
			} else {
				fmt.Fprintf(w, "  %-24s %s\n", f.key, value)
			}
		}
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration chatsync will use: the config file merged with\n" +
		"CHATSYNC_* environment overrides, grouped by section. Secrets are masked\n" +
		"unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if path, err := configPath(); err == nil {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s does not exist; run 'chatsync init <token> --user <id>'\n\n", path)
			}
		}
		renderConfig(cmd.OutOrStdout(), cfg, configReveal)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set realtime.transport sse",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		for _, section := range configSections {
			for _, f := range section.fields {
				if f.key == key && f.secret {
					value = maskKey(value)
				}
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		if env := envFor(key); env != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: $%s overrides this value in the current environment.\n", env)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Show secrets unmasked")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
