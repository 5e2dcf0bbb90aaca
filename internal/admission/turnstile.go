package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// siteverifyURL is Cloudflare Turnstile's server-side validation endpoint.
const siteverifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// BotVerifier validates a bot-check token. A false result or an error
// never blocks a request; it moves the caller to the strict bucket.
type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// TurnstileVerifier validates tokens against Cloudflare Turnstile.
type TurnstileVerifier struct {
	secret string
	client *http.Client
}

// NewTurnstileVerifier builds a verifier with the given shared secret.
func NewTurnstileVerifier(secret string, timeout time.Duration) *TurnstileVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TurnstileVerifier{
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify posts the token to siteverify. Network and decode failures are
// returned as errors so the caller can distinguish "denied" from
// "unavailable".
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, siteverifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("turnstile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("turnstile verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("turnstile verify: status %d", resp.StatusCode)
	}

	var decoded siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("turnstile verify: %w", err)
	}
	return decoded.Success, nil
}
