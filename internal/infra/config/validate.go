package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateMatrix(cfg, ve)
	validatePrompt(cfg, ve)
	validateResilience(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
}

func validateMatrix(cfg *Config, ve *ValidationError) {
	m := cfg.Matrix
	if m.HomeserverURL == "" {
		ve.Add("matrix.homeserver_url is required")
	} else if u, err := url.Parse(m.HomeserverURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("matrix.homeserver_url must be an http(s) URL, got %q", m.HomeserverURL)
	}
	if m.AccessToken == "" {
		ve.Add("matrix.access_token is required")
	} else if strings.HasPrefix(m.AccessToken, encPrefix) {
		ve.Add("matrix.access_token is encrypted; set %sCONFIG_KEY", EnvPrefix)
	}
	if !strings.HasPrefix(m.UserID, "@") || !strings.Contains(m.UserID, ":") {
		ve.Add("matrix.user_id must look like @user:server, got %q", m.UserID)
	}
	if !strings.HasPrefix(m.RoomID, "!") || !strings.Contains(m.RoomID, ":") {
		ve.Add("matrix.room_id must look like !room:server, got %q", m.RoomID)
	}
	if m.SyncTimeout <= 0 {
		ve.Add("matrix.sync_timeout must be > 0")
	}
	if m.RequestTimeout <= m.SyncTimeout {
		ve.Add("matrix.request_timeout must exceed matrix.sync_timeout")
	}
}

func validatePrompt(cfg *Config, ve *ValidationError) {
	ns := cfg.Prompt.Namespace
	if ns == "" {
		ve.Add("prompt.namespace is required")
		return
	}
	if strings.ContainsAny(ns, " \t\n") || strings.HasPrefix(ns, ".") || strings.HasSuffix(ns, ".") {
		ve.Add("prompt.namespace %q must be a dotted identifier", ns)
	}
}

func validateResilience(cfg *Config, ve *ValidationError) {
	cb := cfg.Resilience.CircuitBreaker
	if cb.MaxFailures == 0 {
		ve.Add("resilience.circuit_breaker.max_failures must be > 0")
	}
	if cb.Timeout <= 0 {
		ve.Add("resilience.circuit_breaker.timeout must be > 0")
	}
	rl := cfg.Resilience.RateLimit
	if rl.RequestsPerSecond <= 0 {
		ve.Add("resilience.rate_limit.requests_per_second must be > 0")
	}
	if rl.Burst <= 0 {
		ve.Add("resilience.rate_limit.burst must be > 0")
	}
}
