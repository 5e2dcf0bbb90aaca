package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_FingerprintTriple(t *testing.T) {
	r := httptest.NewRequest("POST", "/chat/stream", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("X-Fingerprint", "fp:a1b2c3d4:stable9f")

	id := Resolve(r, false)
	assert.Equal(t, "fp:a1b2c3d4:stable9f", id.Fingerprint)
	assert.Equal(t, "stable9f", id.StableID)
	assert.Equal(t, "a1b2c3d4", id.ChallengeID)
	assert.Equal(t, "203.0.113.7", id.IP)
	assert.True(t, id.HasFingerprint())
}

func TestResolve_NoFingerprintFallsBackToIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/chat/stream", nil)
	r.RemoteAddr = "203.0.113.7:54321"

	id := Resolve(r, false)
	assert.Equal(t, "203.0.113.7", id.Fingerprint)
	assert.Equal(t, "203.0.113.7", id.StableID)
	assert.Empty(t, id.ChallengeID)
	assert.False(t, id.HasFingerprint())
}

func TestResolve_MalformedFingerprint(t *testing.T) {
	for _, fp := range []string{"fp:", "fp:onlyone", "fp::", "nonsense", "fp:a:"} {
		r := httptest.NewRequest("POST", "/chat/stream", nil)
		r.RemoteAddr = "203.0.113.7:54321"
		r.Header.Set("X-Fingerprint", fp)

		id := Resolve(r, false)
		assert.Equal(t, "203.0.113.7", id.StableID, "fp=%q", fp)
		assert.Empty(t, id.ChallengeID, "fp=%q", fp)
	}
}

func TestSplitFingerprint(t *testing.T) {
	ch, stable, ok := SplitFingerprint("fp:abc:def")
	assert.True(t, ok)
	assert.Equal(t, "abc", ch)
	assert.Equal(t, "def", stable)

	_, _, ok = SplitFingerprint("abc:def")
	assert.False(t, ok)
}

func TestClientIP_CFConnectingIPWins(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("CF-Connecting-IP", "198.51.100.4")
	r.Header.Set("X-Forwarded-For", "192.0.2.9")

	assert.Equal(t, "198.51.100.4", ClientIP(r, true))
}

func TestClientIP_XForwardedForOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "192.0.2.9, 198.51.100.4")

	assert.Equal(t, "192.0.2.9", ClientIP(r, true))
	// Untrusted: the header never contributes.
	assert.Equal(t, "10.0.0.1", ClientIP(r, false))
}

func TestClientIP_InvalidForwardedFallsThrough(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "not-an-ip")

	assert.Equal(t, "10.0.0.1", ClientIP(r, true))
}

func TestClientIP_IPv6(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "[2001:db8::1]:443"

	assert.Equal(t, "2001:db8::1", ClientIP(r, false))
}

func TestClientIP_Unparseable(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "bogus"

	assert.Equal(t, UnknownIP, ClientIP(r, false))
}
