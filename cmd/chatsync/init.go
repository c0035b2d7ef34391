package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
	initExpires string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "User id the token belongs to (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Gateway base URL")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "Token expiry (RFC 3339)")
	initCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing a session token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		cfg.Auth.TokenExpires = initExpires
		if initBaseURL != "" {
			cfg.Gateway.BaseURL = initBaseURL
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", initUserID, path)
		return nil
	},
}
