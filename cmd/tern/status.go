package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tern "github.com/tern-im/tern-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the resolved configuration and check that the API is reachable with it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.BaseURL, tern.DefaultBaseURL))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.UserID, "(not set)"))
		if cfg.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if cfg.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		var opts []tern.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, tern.WithBaseURL(cfg.BaseURL))
		}
		client := tern.NewClient(cfg.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error reaching API: %v\n", err)
			return nil
		}

		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "..."
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
