package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// WithOriginPolicy gates a browser-facing handler on the configured origin
// allow-list; the server applies it to its own /webrtc/ice route and
// callers mount it around externally registered handlers such as the
// signaling WebSocket upgrade.
func (s *Server) WithOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return s.withOriginPolicy(next)
}

// withOriginPolicy is the policy itself. Requests without an Origin header
// (curl, server-to-server) pass through; browser requests must match the
// allow-list, or, when no list is configured, the request's own host.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, host, ok := normalizeOrigin(originHeader)
		if !ok || !s.originAllowed(normalized, host, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) originAllowed(normalized, originHost, requestHost string) bool {
	if allowed := s.cfg.AllowedOrigins; len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	// Default: same host:port only. Scheme is not compared because a
	// TLS-terminating proxy makes the request look like HTTP while the
	// browser Origin says HTTPS.
	if originHost == "" {
		return false
	}
	return strings.EqualFold(originHost, strings.TrimSpace(requestHost))
}

// normalizeOrigin validates an Origin header and returns the lowercased
// scheme://host[:port] form plus the host portion. The special value
// "null" is accepted (sandboxed iframes, file://) but only matches an
// explicit allow-list entry.
func normalizeOrigin(header string) (normalized string, host string, ok bool) {
	if header == "null" {
		return "null", "", true
	}

	u, err := url.Parse(header)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = strings.ToLower(u.Host)
	// Default ports are equivalent to no port.
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	return scheme + "://" + host, host, true
}
