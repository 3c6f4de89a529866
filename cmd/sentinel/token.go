package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"cybersentinel/pkg/auth"
	"cybersentinel/shared/config"
)

var (
	tokenSubject string
	tokenRoles   []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue or revoke API bearer tokens",
	Long: `Issue or revoke the HS256 bearer tokens accepted by the API.

Tokens are bound to one tenant. Revocation is shared between replicas only
when redis.url is configured.

Example:
  sentinel token issue acme --subject soc-bot
  sentinel token revoke eyJhbGciOi...`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <tenant>",
	Short: "Issue a token for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenIssue,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a token until it expires",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRevoke,
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject")
	tokenIssueCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim (repeatable)")
	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tm, closeFn, err := tokenManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	raw, exp, err := tm.Issue(args[0], tokenSubject, tokenRoles...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"token":      raw,
		"tenant_id":  args[0],
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.URL == "" {
		return errors.New("revocation needs redis.url; an in-memory list would not reach the server")
	}
	tm, closeFn, err := tokenManager(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := tm.Revoke(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "revoked")
	return nil
}

func tokenManager(ctx context.Context, cfg *config.Config) (*auth.TokenManager, func() error, error) {
	if cfg.Auth.Secret == "" {
		return nil, nil, auth.ErrMissingSecret
	}
	closeFn := func() error { return nil }
	var revocations auth.RevocationStore
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		revocations = auth.NewRedisRevocations(client)
		closeFn = client.Close
	}
	tm, err := auth.NewTokenManager(auth.Config{
		Secret:      cfg.Auth.Secret,
		Issuer:      cfg.Auth.Issuer,
		TTL:         cfg.Auth.TokenTTL,
		Revocations: revocations,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return tm, closeFn, nil
}
