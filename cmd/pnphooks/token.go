package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nerrad567/pnp-hooks/internal/auth"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
)

// runToken implements "pnphooks token": it signs an admin API token with
// the configured JWT secret and writes it to out.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "token subject (required)")
	role := fs.String("role", string(auth.RoleViewer), "role: viewer, operator or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-sub is required")
	}
	if !auth.Role(*role).Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, err := loadConfigOrDefault(getConfigPath())
	if err != nil {
		return err
	}
	if cfg.Security.JWT.Secret == "" {
		return auth.ErrNoSecret
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// loadConfigOrDefault loads the config file, falling back to defaults
// plus environment overrides when the file does not exist.
func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
