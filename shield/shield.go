// Package shield provides the HTTP middleware in front of the boardkeeper
// API: security headers, request body limits, request tracing, per-client
// rate limiting and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(shield.Config{}) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Config tunes the API stack.
type Config struct {
	// MaxBody caps request bodies. Board snapshots travel in bodies, so the
	// default is generous.
	MaxBody int64 `yaml:"max_body"`

	// RateLimits maps "METHOD /path/pattern" to a limit. Empty disables
	// rate limiting.
	RateLimits map[string]RateLimit `yaml:"rate_limits"`

	// Exclude lists path prefixes that bypass rate limiting.
	Exclude []string `yaml:"exclude"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 8 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// APIStack returns the standard middleware stack of a JSON API, ordered
// HeadToGet, SecurityHeaders, MaxBody, TraceID, then the rate limiter when
// limits are configured.
func APIStack(cfg Config) []func(http.Handler) http.Handler {
	cfg.defaults()
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(cfg.MaxBody),
		TraceID(cfg.Logger),
	}
	if len(cfg.RateLimits) > 0 {
		rl := NewRateLimiter(cfg.RateLimits, cfg.Exclude...)
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// GetLogger retrieves the per-request logger from the context, or
// slog.Default() when none was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// RateLimit allows MaxRequests per Window for one client on one endpoint.
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}
