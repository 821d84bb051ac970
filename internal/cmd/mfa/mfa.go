// Package mfa wires command-line configuration for the mfa server binary.
package mfa

import (
	"context"
	"flag"
	"strings"

	server "github.com/louisbranch/secondfactor/internal/mfa/app"
)

// Config holds mfa command configuration.
type Config struct {
	HTTPAddr    string
	StoragePath string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		HTTPAddr:    envOrDefault(lookup, []string{"MFA_HTTP_ADDR"}, "localhost:8086"),
		StoragePath: envOrDefault(lookup, []string{"MFA_DB_PATH"}, "data/mfa.db"),
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The mfa HTTP server address")
	fs.StringVar(&cfg.StoragePath, "db-path", cfg.StoragePath, "The mfa SQLite database path; empty keeps state in memory")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the mfa server.
func Run(ctx context.Context, cfg Config) error {
	return server.Run(ctx, cfg.HTTPAddr, cfg.StoragePath)
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
