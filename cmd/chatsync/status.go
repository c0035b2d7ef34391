package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/teamflow/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and gateway reachability",
	Long:  "Display the current configuration, check whether the token is expired, and send a warm-up call to the gateway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Gateway:     %s\n", valueOrDefault(cfg.Gateway.BaseURL, "(not set)"))
		fmt.Printf("  Function:    %s\n", valueOrDefault(cfg.Gateway.Function, chatsync.DefaultFunction))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Realtime.Transport, "(not set)"))
		if cfg.Realtime.URL != "" {
			fmt.Printf("  Feed URL:    %s\n", cfg.Realtime.URL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Gateway:")
		client := chatsync.NewClient(chatsync.StaticToken(cfg.Auth.Token), clientOptions(cfg)...)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Warmup(ctx); err != nil {
			fmt.Printf("  Warm-up:     failed after %s: %v\n", time.Since(start).Round(time.Millisecond), err)
			if chatsync.IsTransient(err) {
				fmt.Println("  The gateway may be cold-starting; retry in a few seconds.")
			}
			return nil
		}
		fmt.Printf("  Warm-up:     ok in %s\n", time.Since(start).Round(time.Millisecond))

		journal, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer journal.Close()
		pending, err := journal.List(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Pending:     %d unresolved sends\n", len(pending))
		return nil
	},
}
