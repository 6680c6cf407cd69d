package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sethvargo/go-envconfig"

	tern "github.com/tern-im/tern-go"
)

// envOverrides lets CI and scripts bypass the config file.
type envOverrides struct {
	Token   string `env:"TERN_TOKEN"`
	BaseURL string `env:"TERN_BASE_URL"`
	UserID  string `env:"TERN_USER_ID"`
}

// resolveConfig merges the config file with environment overrides.
func resolveConfig() (*ConfigDefault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	resolved := cfg.Default

	var env envOverrides
	if err := envconfig.Process(context.Background(), &env); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if env.Token != "" {
		resolved.Token = env.Token
	}
	if env.BaseURL != "" {
		resolved.BaseURL = env.BaseURL
	}
	if env.UserID != "" {
		resolved.UserID = env.UserID
	}
	return &resolved, nil
}

// getClient creates an API client from the resolved configuration.
func getClient() (*tern.Client, *ConfigDefault) {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'tern init <token>' or set TERN_TOKEN.")
		os.Exit(1)
	}

	var opts []tern.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, tern.WithBaseURL(cfg.BaseURL))
	}
	return tern.NewClient(cfg.Token, opts...), cfg
}

// requireUserID exits unless a user id is configured; the engine needs it to
// tell own sends apart from remote ones.
func requireUserID(cfg *ConfigDefault) string {
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'tern config set default.user_id <id>' or set TERN_USER_ID.")
		os.Exit(1)
	}
	return cfg.UserID
}
