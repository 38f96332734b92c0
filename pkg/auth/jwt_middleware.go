package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ExtractToken returns the bearer credential of a handshake request. Browsers
// cannot set headers on websocket upgrades, so the token query parameter is
// accepted as a fallback.
func ExtractToken(r *http.Request) string {
	if tok := extractBearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}
