package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/auth"
	"github.com/nerrad567/ovms-bridge/internal/infrastructure/config"
)

// defaultTokenTTL is one year; integrations are expected to be long-lived.
const defaultTokenTTL = 365 * 24 * time.Hour

// runToken implements `ovmsbridge token`: it prints a signed API token.
// The secret comes from -secret, or from the bridge configuration.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)

	configPath := fs.String("config", getConfigPath(), "Path to configuration file (env: OVMS_BRIDGE_CONFIG)")
	secret := fs.String("secret", "", "Signing secret; overrides security.jwt.secret")
	subject := fs.String("subject", "home-assistant", "Token subject")
	client := fs.String("client", "", "Optional client label stored in the token")
	ttl := fs.Duration("ttl", defaultTokenTTL, "Token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *secret == "" {
		if err := config.LoadDotEnv(dotEnvFiles...); err != nil {
			return fmt.Errorf("loading environment files: %w", err)
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		*secret = cfg.Security.JWT.Secret
	}
	if *secret == "" {
		return errors.New("no secret: set security.jwt.secret or pass -secret")
	}

	token, err := auth.GenerateToken(*subject, *client, *secret, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
