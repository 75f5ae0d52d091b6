package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultShutdownTimeout  = 5 * time.Second
	defaultSignatureMaxSkew = 5 * time.Minute
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	WebhookSecret    string
	AdminJWTKey      string
	AdminJWTIssuer   string
	SignatureMaxSkew time.Duration
	ShutdownTimeout  time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.SignatureMaxSkew <= 0 {
		cfg.SignatureMaxSkew = defaultSignatureMaxSkew
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if strings.TrimSpace(cfg.AdminJWTKey) == "" {
		return fmt.Errorf("admin jwt key is required")
	}
	if strings.TrimSpace(cfg.AdminJWTIssuer) == "" {
		return fmt.Errorf("admin jwt issuer is required")
	}
	return nil
}

// ParseAllowedOrigins splits a comma-separated origin list.
func ParseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
