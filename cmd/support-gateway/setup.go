// ABOUTME: First-run helpers for the gateway binary
// ABOUTME: init writes a starter config with a fresh secret; token mints JWTs for participants

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
)

func newInitCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long:  "Writes a commented configuration with a freshly generated JWT secret. Refuses to overwrite an existing file unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeConfig(*configPath, force); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Created config: %s\n", *configPath)
			fmt.Fprintln(cmd.OutOrStdout(), "\nTo start the server:\n  support-gateway serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func writeConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)
	content := strings.Replace(config.Example, `"${SUPPORT_JWT_SECRET}"`, `"`+secret+`"`, 1)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		id         string
		name       string
		role       string
		superAdmin bool
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			p, err := tokenPrincipal(id, name, role, superAdmin)
			if err != nil {
				return err
			}
			token, err := mintToken(cfg.Auth, p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "user or admin")
	cmd.Flags().BoolVar(&superAdmin, "super-admin", false, "grant unrestricted visibility (admins only)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tokenPrincipal(id, name, role string, superAdmin bool) (auth.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return auth.Principal{}, fmt.Errorf("--id cannot be empty")
	}
	r := auth.Role(role)
	if r != auth.RoleUser && r != auth.RoleOperator {
		return auth.Principal{}, fmt.Errorf("--role must be %q or %q, got %q", auth.RoleUser, auth.RoleOperator, role)
	}
	if superAdmin && r != auth.RoleOperator {
		return auth.Principal{}, fmt.Errorf("--super-admin requires --role %s", auth.RoleOperator)
	}
	return auth.Principal{ID: id, Name: strings.TrimSpace(name), Role: r, SuperAdmin: superAdmin}, nil
}

func mintToken(cfg config.AuthConfig, p auth.Principal, ttl time.Duration) (string, error) {
	if !cfg.Enabled() {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(p, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
