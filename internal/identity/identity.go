// Package identity resolves the identifier triple used by admission:
// the full fingerprint (idempotency key), the stable identifier (bucket
// key), and the client IP (ban key). All three come from request headers.
package identity

import (
	"net"
	"net/http"
	"strings"
)

const (
	fingerprintHeader = "X-Fingerprint"
	cfConnectingIP    = "CF-Connecting-IP"
	xForwardedFor     = "X-Forwarded-For"
	fingerprintPrefix = "fp:"

	// UnknownIP marks requests whose remote address does not parse.
	UnknownIP = "unknown"
)

// Identity is the identifier triple of a request.
type Identity struct {
	// Fingerprint is the full `fp:<challenge>:<hash>` value, or the IP when
	// no fingerprint header is present. Idempotency key for windows.
	Fingerprint string
	// StableID is the trailing hash of the fingerprint, or the IP. Bucket
	// key for windows and throttles; rotating challenges does not change it.
	StableID string
	// IP keys progressive bans only.
	IP string
	// ChallengeID is the embedded challenge, empty when none.
	ChallengeID string
}

// HasFingerprint reports whether the client sent a structured fingerprint.
func (id Identity) HasFingerprint() bool {
	return strings.HasPrefix(id.Fingerprint, fingerprintPrefix)
}

// Resolve extracts the identifier triple from a request.
func Resolve(r *http.Request, trustXForwardedFor bool) Identity {
	ip := ClientIP(r, trustXForwardedFor)

	fp := strings.TrimSpace(r.Header.Get(fingerprintHeader))
	if fp == "" {
		return Identity{Fingerprint: ip, StableID: ip, IP: ip}
	}

	challengeID, stableID, ok := SplitFingerprint(fp)
	if !ok {
		// Malformed fingerprints degrade to IP identity rather than reject;
		// the challenge check downstream decides whether that is fatal.
		return Identity{Fingerprint: ip, StableID: ip, IP: ip}
	}

	return Identity{
		Fingerprint: fp,
		StableID:    stableID,
		IP:          ip,
		ChallengeID: challengeID,
	}
}

// SplitFingerprint parses `fp:<challenge>:<hash>` into its parts. The hash
// is everything after the last colon so the challenge segment may itself
// never contain one (32-byte hex by construction).
func SplitFingerprint(fp string) (challengeID, stableID string, ok bool) {
	if !strings.HasPrefix(fp, fingerprintPrefix) {
		return "", "", false
	}
	rest := fp[len(fingerprintPrefix):]
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ClientIP extracts the caller's IP with the configured trust rules:
// CF-Connecting-IP always wins when present and valid; X-Forwarded-For is
// honored only when explicitly trusted (leftmost hop); otherwise the
// transport remote address. Anything that fails to parse yields UnknownIP.
func ClientIP(r *http.Request, trustXForwardedFor bool) string {
	if ip := validIP(r.Header.Get(cfConnectingIP)); ip != "" {
		return ip
	}

	if trustXForwardedFor {
		if raw := r.Header.Get(xForwardedFor); raw != "" {
			first, _, _ := strings.Cut(raw, ",")
			if ip := validIP(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := validIP(host); ip != "" {
		return ip
	}
	return UnknownIP
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}
