package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/univo/univo-rtc/internal/turnrest"
)

// withTURNCredentials stamps ephemeral TURN REST credentials onto every
// TURN entry of the advertised ICE list. STUN entries pass through as-is.
func withTURNCredentials(servers []webrtc.ICEServer, creds turnrest.Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep empty non-nil slices encoding as [] rather than null.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
