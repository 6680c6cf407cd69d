package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("user", "", "user id the token belongs to")
	initCmd.Flags().String("base-url", "", "API origin (default https://chat.tern.im)")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.tern/config.toml",
	Long:  "Initialize the Tern CLI by storing your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			cfg.Default.UserID = user
		}
		if base, _ := cmd.Flags().GetString("base-url"); base != "" {
			cfg.Default.BaseURL = base
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
