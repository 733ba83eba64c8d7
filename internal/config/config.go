// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the server's runtime configuration.
type Config struct {
	// Port the HTTP and websocket listener binds to.
	Port string

	// JWTSecret signs host tokens.
	JWTSecret string

	// HostSecret is the shared key hosts present to obtain a token.
	HostSecret string

	// TokenTTL bounds host token lifetime.
	TokenTTL time.Duration

	// Development switches the logger to its development preset.
	Development bool
}

// Default values used when the environment leaves a knob unset.
const (
	DefaultPort     = "8080"
	DefaultTokenTTL = 24 * time.Hour
)

// FromEnv builds a Config from environment variables. The two secrets are
// required; everything else has a default.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", DefaultPort),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		HostSecret: os.Getenv("HOST_SECRET"),
		TokenTTL:   DefaultTokenTTL,
	}

	if v := os.Getenv("TOKEN_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("invalid TOKEN_TTL_HOURS %q", v)
		}
		cfg.TokenTTL = time.Duration(hours) * time.Hour
	}
	if v := os.Getenv("DEVELOPMENT"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVELOPMENT %q", v)
		}
		cfg.Development = dev
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HostSecret == "" {
		return nil, fmt.Errorf("HOST_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
