package main

import (
	"log/slog"
	"strings"

	"github.com/univo/univo-rtc/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty while --mode=prod (browser clients from other origins fall back to same-host checks)",
			"warning_code", "allowed_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup security warning: no TURN server configured while --mode=prod (clients behind symmetric NAT cannot connect)",
			"warning_code", "no_turn_in_prod",
			"mode", cfg.Mode,
		)
	}

	// Warn if the signaling message cap is unusually large, since this weakens
	// oversized-message hardening on the WebSocket read path.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.RateLimitMaxRequests > 10_000 {
		logger.Warn("startup security warning: RATE_LIMIT_MAX_REQUESTS is very large (weakens signaling flood protection)",
			"warning_code", "rate_limit_max_requests_large",
			"rate_limit_max_requests", cfg.RateLimitMaxRequests,
			"rate_limit_window", cfg.RateLimitWindow,
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		for _, u := range server.URLs {
			u = strings.TrimSpace(u)
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
