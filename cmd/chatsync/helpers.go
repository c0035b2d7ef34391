package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teamflow/chatsync"
)

// requireAuth loads the config and fails when no session is stored.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No session. Run 'chatsync init <token> --user <id>' first.")
		os.Exit(1)
	}
	return cfg
}

func clientOptions(cfg *Config) []chatsync.ClientOption {
	var opts []chatsync.ClientOption
	if cfg.Gateway.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Gateway.BaseURL))
	}
	if cfg.Gateway.Function != "" {
		opts = append(opts, chatsync.WithFunction(cfg.Gateway.Function))
	}
	if d, err := time.ParseDuration(cfg.Gateway.Timeout); err == nil && d > 0 {
		opts = append(opts, chatsync.WithTimeout(d))
	}
	return opts
}

// getClient creates a gateway client authenticated with the stored token.
func getClient() (*chatsync.Client, *Config) {
	cfg := requireAuth()
	return chatsync.NewClient(chatsync.StaticToken(cfg.Auth.Token), clientOptions(cfg)...), cfg
}

// openJournal opens the pending-send journal, ~/.chatsync/journal.db unless
// configured otherwise.
func openJournal(cfg *Config) (chatsync.Journal, error) {
	path := cfg.Journal.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "journal.db")
	}
	j, err := chatsync.OpenSQLiteJournal(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal %s: %w", path, err)
	}
	return j, nil
}

// openStore builds a store over the stored session and journal. The caller
// closes the returned journal.
func openStore() (*chatsync.Store, chatsync.Journal, error) {
	client, cfg := getClient()
	journal, err := openJournal(cfg)
	if err != nil {
		return nil, nil, err
	}
	store := chatsync.NewStore(client, cfg.Auth.UserID, &chatsync.StoreOptions{Journal: journal})
	return store, journal, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// failure renders err the way the UI would show it.
func failure(err error) error {
	return fmt.Errorf("%s (%v)", chatsync.NewMonitor(nil).Describe(err), err)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
