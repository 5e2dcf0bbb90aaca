// Package admission implements the request admission gate: progressive
// bans, global and per-identifier sliding windows, challenge-response
// fingerprinting, bot verification, and per-identifier cost throttling.
// Checks run in a fixed order and the first rejection wins. KV store
// failures never take the service down; the gate fails open and records
// the fact.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"knowledgehub/internal/config"
	"knowledgehub/internal/identity"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
	"knowledgehub/internal/settings"
	"knowledgehub/internal/spend"
)

// Rejection reasons, used for metrics labels and response payloads.
const (
	ReasonRateLimit       = "rate_limit"
	ReasonGlobalRateLimit = "global_rate_limit"
	ReasonBan             = "ban"
	ReasonChallenge       = "challenge"
	ReasonCostThrottle    = "cost_throttle"
)

// Stable error codes carried in rejection bodies.
const (
	CodeRateLimited     = "rate_limited"
	CodeChallengeFailed = "challenge_failed"
	CodeSpendLimit      = "spend_limit_exceeded"
)

// Cost-throttle detail values.
const (
	DetailDailyLimit  = "daily_limit"
	DetailWindowBurst = "window_burst"
)

// Window buckets. Callers that fail bot verification are admitted through
// the strict bucket, which carries limits divided by StrictMultiplier.
const (
	bucketChat   = "chat"
	bucketStrict = "strict"
)

const (
	turnstileTokenHeader = "X-Turnstile-Token"
	violationsTTL        = 24 * time.Hour
)

// User-facing rejection messages. Internal detail never leaks here.
const (
	msgRateLimited  = "Too many requests. Please slow down and try again shortly."
	msgBanned       = "Access temporarily suspended due to repeated limit violations."
	msgBadChallenge = "Session validation failed. Please refresh the page and try again."
	msgBurst        = "You're sending expensive requests too quickly. Please wait a moment."
	msgDailyBudget  = "You've reached today's usage limit. Please come back tomorrow."
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	StatusCode int
	Reason     string
	// Detail subdivides a reason, e.g. cost throttle "window_burst" vs
	// "daily_limit".
	Detail     string
	Message    string
	RetryAfter time.Duration
	Identity   identity.Identity

	// ErrorCode is the stable code clients switch on.
	ErrorCode string
	// PerMinuteLimit and PerHourLimit report the limits of the window
	// that rejected, zero otherwise.
	PerMinuteLimit int64
	PerHourLimit   int64
	// BanExpiresAt and ViolationCount are set on ban rejections.
	BanExpiresAt   time.Time
	ViolationCount int64
}

func allowed(id identity.Identity) Decision {
	return Decision{Allowed: true, Identity: id}
}

// Request carries one admission check's inputs.
type Request struct {
	HTTP    *http.Request
	Query   string
	History []string
	// Admin requests skip the global windows and the cost throttle; they
	// still hit the per-identifier windows and bans.
	Admin bool
}

// Gate evaluates admission for incoming requests.
type Gate struct {
	engine   kv.Engine
	settings *settings.Store
	cfg      config.AdmissionConfig
	spendCfg config.SpendConfig
	verifier BotVerifier
	// model prices the pre-flight cost estimate for throttling.
	model string

	now func() time.Time
}

// NewGate builds the admission gate. verifier may be nil when bot
// verification is disabled.
func NewGate(engine kv.Engine, st *settings.Store, cfg config.AdmissionConfig, spendCfg config.SpendConfig, verifier BotVerifier, model string) *Gate {
	return &Gate{
		engine:   engine,
		settings: st,
		cfg:      cfg,
		spendCfg: spendCfg,
		verifier: verifier,
		model:    model,
		now:      time.Now,
	}
}

// ClientIP resolves the caller's IP under the gate's proxy trust rules.
func (g *Gate) ClientIP(r *http.Request) string {
	return identity.ClientIP(r, g.cfg.TrustXForwardedFor)
}

// MintChallenge creates a single-use challenge bound to the caller's IP.
// The token is 32 random bytes hex-encoded. Returns false when the caller
// already holds the maximum number of active challenges.
func (g *Gate) MintChallenge(ctx context.Context, ip string) (string, bool, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("mint challenge: %w", err)
	}
	id := hex.EncodeToString(buf)
	ok, err := g.engine.MintChallenge(ctx, id, ip, g.cfg.ChallengeTTL, int64(g.cfg.MaxActiveChallenges))
	if err != nil {
		return "", false, fmt.Errorf("mint challenge: %w", err)
	}
	return id, ok, nil
}

// ChallengeEnabled reports whether challenge validation is currently on,
// honoring the runtime settings overlay.
func (g *Gate) ChallengeEnabled(ctx context.Context) bool {
	return g.settings.Current(ctx).EnableChallenge
}

// ChallengeTTL is the configured challenge lifetime.
func (g *Gate) ChallengeTTL() time.Duration { return g.cfg.ChallengeTTL }

// Check runs the admission sequence. CORS preflights pass untouched.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	if req.HTTP.Method == http.MethodOptions {
		return Decision{Allowed: true}
	}

	kvCtx, cancel := context.WithTimeout(ctx, g.cfg.KVTimeout)
	defer cancel()

	id := identity.Resolve(req.HTTP, g.cfg.TrustXForwardedFor)
	eff := g.settings.Current(kvCtx)
	timer := logging.StartTimer(logging.CategoryAdmission, "admission check")
	defer timer.Stop()

	if d, rejected := g.checkBan(kvCtx, id); rejected {
		return d
	}

	if !req.Admin && eff.EnableGlobalLimit {
		if d, rejected := g.checkGlobalWindows(kvCtx, id, eff); rejected {
			return d
		}
	}

	// Per-identifier windows run before challenge consumption so a
	// rate-limited caller keeps its unused challenge for the retry.
	if d, rejected := g.checkIdentifierWindows(kvCtx, id, bucketChat, eff.RequestsPerMinute, eff.RequestsPerHour); rejected {
		return d
	}

	if eff.EnableChallenge {
		if d, rejected := g.checkChallenge(kvCtx, id); rejected {
			return d
		}
	}

	if eff.EnableBotCheck && g.verifier != nil {
		if !g.verifyBot(kvCtx, req.HTTP, id) {
			perMinute := atLeastOne(eff.RequestsPerMinute / int64(g.cfg.StrictMultiplier))
			perHour := atLeastOne(eff.RequestsPerHour / int64(g.cfg.StrictMultiplier))
			if d, rejected := g.checkIdentifierWindows(kvCtx, id, bucketStrict, perMinute, perHour); rejected {
				return d
			}
		}
	}

	if !req.Admin && eff.EnableCostThrottle {
		if d, rejected := g.checkCostThrottle(kvCtx, id, eff, req.Query, req.History); rejected {
			return d
		}
	}

	return allowed(id)
}

// checkBan rejects callers with an active progressive ban. The retry-after
// is the ban's remaining TTL.
func (g *Gate) checkBan(ctx context.Context, id identity.Identity) (Decision, bool) {
	value, banned, err := g.engine.Get(ctx, kv.BanKey(bucketChat, id.IP))
	if err != nil {
		return g.failOpen(id, "ban check", err), false
	}
	if !banned {
		return Decision{}, false
	}

	retryAfter, err := g.engine.TTL(ctx, kv.BanKey(bucketChat, id.IP))
	if err != nil || retryAfter <= 0 {
		retryAfter = g.cfg.BanLadder[0]
	}
	// The ban value is the violation count that earned it.
	violations, _ := strconv.ParseInt(value, 10, 64)
	metrics.AdmissionRejected(ReasonBan)
	logging.Admission("rejected banned ip %s (retry in %s)", id.IP, retryAfter)
	return Decision{
		StatusCode:     http.StatusTooManyRequests,
		Reason:         ReasonBan,
		ErrorCode:      CodeRateLimited,
		Message:        msgBanned,
		RetryAfter:     retryAfter,
		BanExpiresAt:   g.now().Add(retryAfter),
		ViolationCount: violations,
		Identity:       id,
	}, true
}

func (g *Gate) checkGlobalWindows(ctx context.Context, id identity.Identity, eff settings.Abuse) (Decision, bool) {
	member := uuid.NewString()
	windows := []struct {
		suffix string
		window time.Duration
		limit  int64
	}{
		{"m", time.Minute, eff.GlobalPerMinute},
		{"h", time.Hour, eff.GlobalPerHour},
	}
	for _, w := range windows {
		res, err := g.engine.SlidingWindowAdmit(ctx, kv.SlidingWindowInput{
			BucketKey:      kv.GlobalWindowKey(w.suffix),
			NowMillis:      g.now().UnixMilli(),
			Window:         w.window,
			Limit:          w.limit,
			IdempotencyKey: member,
			Expire:         w.window + time.Minute,
		})
		if err != nil {
			return g.failOpen(id, "global window", err), false
		}
		if !res.Allowed {
			metrics.AdmissionRejected(ReasonGlobalRateLimit)
			logging.Admission("global %s window saturated (%d entries)", w.suffix, res.Count)
			return Decision{
				StatusCode:     http.StatusTooManyRequests,
				Reason:         ReasonGlobalRateLimit,
				ErrorCode:      CodeRateLimited,
				Message:        msgRateLimited,
				RetryAfter:     res.RetryAfter(w.window, g.now().UnixMilli()),
				PerMinuteLimit: eff.GlobalPerMinute,
				PerHourLimit:   eff.GlobalPerHour,
				Identity:       id,
			}, true
		}
	}
	return Decision{}, false
}

// checkChallenge consumes the single-use challenge embedded in the
// fingerprint. A request without a parseable fingerprint, or whose
// challenge is absent, expired, consumed, or bound to another caller, is
// rejected outright.
func (g *Gate) checkChallenge(ctx context.Context, id identity.Identity) (Decision, bool) {
	reject := func() (Decision, bool) {
		metrics.AdmissionRejected(ReasonChallenge)
		logging.Admission("challenge rejected for ip %s", id.IP)
		return Decision{
			StatusCode: http.StatusForbidden,
			Reason:     ReasonChallenge,
			ErrorCode:  CodeChallengeFailed,
			Message:    msgBadChallenge,
			Identity:   id,
		}, true
	}

	if !id.HasFingerprint() || id.ChallengeID == "" {
		return reject()
	}
	ok, err := g.engine.ConsumeChallenge(ctx, id.ChallengeID, id.IP)
	if err != nil {
		return g.failOpen(id, "challenge consume", err), false
	}
	if !ok {
		return reject()
	}
	return Decision{}, false
}

// verifyBot returns false when the caller belongs in the strict bucket:
// missing token, failed verification, or a verifier outage.
func (g *Gate) verifyBot(ctx context.Context, r *http.Request, id identity.Identity) bool {
	token := r.Header.Get(turnstileTokenHeader)
	if token == "" {
		logging.AdmissionDebug("no bot token from %s, using strict bucket", id.IP)
		return false
	}
	ok, err := g.verifier.Verify(ctx, token, id.IP)
	if err != nil {
		logging.Admission("bot verification unavailable, using strict bucket: %v", err)
		return false
	}
	if !ok {
		logging.AdmissionDebug("bot verification failed for %s, using strict bucket", id.IP)
	}
	return ok
}

func (g *Gate) checkIdentifierWindows(ctx context.Context, id identity.Identity, bucket string, perMinute, perHour int64) (Decision, bool) {
	// The fingerprint doubles as the idempotency key: a client retry of
	// the same request refreshes its window entry instead of consuming
	// another slot. Degraded IP-only identities get a unique member.
	member := id.Fingerprint
	if !id.HasFingerprint() {
		member = uuid.NewString()
	}

	windows := []struct {
		suffix string
		window time.Duration
		limit  int64
	}{
		{"m", time.Minute, perMinute},
		{"h", time.Hour, perHour},
	}
	for _, w := range windows {
		res, err := g.engine.SlidingWindowAdmit(ctx, kv.SlidingWindowInput{
			BucketKey:      kv.WindowKey(bucket, id.StableID, w.suffix),
			NowMillis:      g.now().UnixMilli(),
			Window:         w.window,
			Limit:          w.limit,
			IdempotencyKey: member,
			Expire:         w.window + time.Minute,
		})
		if err != nil {
			return g.failOpen(id, "identifier window", err), false
		}
		if !res.Allowed {
			retryAfter := res.RetryAfter(w.window, g.now().UnixMilli())
			g.recordViolation(ctx, id)
			metrics.AdmissionRejected(ReasonRateLimit)
			logging.Admission("rate limited %s (%s window, %d entries)", id.StableID, w.suffix, res.Count)
			return Decision{
				StatusCode:     http.StatusTooManyRequests,
				Reason:         ReasonRateLimit,
				ErrorCode:      CodeRateLimited,
				Message:        msgRateLimited,
				RetryAfter:     retryAfter,
				PerMinuteLimit: perMinute,
				PerHourLimit:   perHour,
				Identity:       id,
			}, true
		}
	}
	return Decision{}, false
}

// recordViolation advances the 24h violation counter and applies the
// corresponding rung of the ban ladder, keyed on IP so rotating
// fingerprints does not shed the ban. Bans always live under the chat
// bucket so the ban check catches strict-bucket offenders too.
// Best-effort.
func (g *Gate) recordViolation(ctx context.Context, id identity.Identity) {
	count, err := g.engine.IncrWithTTL(ctx, kv.ViolationsKey(bucketChat, id.IP), violationsTTL)
	if err != nil {
		logging.Admission("violation counter unavailable: %v", err)
		return
	}

	idx := int(count) - 1
	if idx >= len(g.cfg.BanLadder) {
		idx = len(g.cfg.BanLadder) - 1
	}
	if idx < 0 {
		idx = 0
	}
	duration := g.cfg.BanLadder[idx]

	if err := g.engine.Set(ctx, kv.BanKey(bucketChat, id.IP), strconv.FormatInt(count, 10), duration); err != nil {
		logging.Admission("ban write failed: %v", err)
		return
	}
	metrics.BanApplied()
	logging.Admission("banned ip %s for %s (violation %d)", id.IP, duration, count)
}

func (g *Gate) checkCostThrottle(ctx context.Context, id identity.Identity, eff settings.Abuse, query string, history []string) (Decision, bool) {
	estimated := spend.EstimateQueryCost(g.model, query, history)
	member := uuid.NewString() + ":" + strconv.FormatFloat(estimated, 'f', -1, 64)
	day := g.now().UTC()
	throttleDuration := time.Duration(eff.ThrottleDurationSecs) * time.Second

	res, err := g.engine.CostThrottle(ctx, kv.ThrottleInput{
		WindowSetKey:    kv.ThrottleWindowKey(id.StableID),
		DailySetKey:     kv.ThrottleDailyKey(id.StableID, day),
		MarkerKey:       kv.ThrottleMarkerKey(id.StableID),
		NowMillis:       g.now().UnixMilli(),
		Window:          g.spendCfg.ThrottleWindow,
		EstimatedCost:   estimated,
		WindowThreshold: eff.WindowThresholdUSD,
		DailyLimit:      eff.UserDailyLimitUSD,
		Duration:        throttleDuration,
		Member:          member,
		DailyTTL:        26 * time.Hour,
	})
	if err != nil {
		return g.failOpen(id, "cost throttle", err), false
	}

	switch res.Status {
	case kv.ThrottleOK:
		return Decision{}, false
	case kv.ThrottleDailyLimit:
		metrics.AdmissionRejected(ReasonCostThrottle)
		logging.Admission("daily cost limit for %s (est $%.4f)", id.StableID, estimated)
		return Decision{
			StatusCode: http.StatusTooManyRequests,
			Reason:     ReasonCostThrottle,
			ErrorCode:  CodeSpendLimit,
			Detail:     DetailDailyLimit,
			Message:    msgDailyBudget,
			RetryAfter: res.RetryAfter,
			Identity:   id,
		}, true
	default: // ThrottleActive, ThrottleBurst
		metrics.AdmissionRejected(ReasonCostThrottle)
		logging.Admission("cost throttled %s (status %d, est $%.4f)", id.StableID, res.Status, estimated)
		return Decision{
			StatusCode: http.StatusTooManyRequests,
			Reason:     ReasonCostThrottle,
			ErrorCode:  CodeSpendLimit,
			Detail:     DetailWindowBurst,
			Message:    msgBurst,
			RetryAfter: res.RetryAfter,
			Identity:   id,
		}, true
	}
}

// failOpen logs a KV failure and lets the request through. Availability
// beats strictness for every gate check.
func (g *Gate) failOpen(id identity.Identity, stage string, err error) Decision {
	metrics.AdmissionFailOpen()
	logging.Admission("%s failed open: %v", stage, err)
	return allowed(id)
}

func atLeastOne(v int64) int64 {
	if v < 1 {
		return 1
	}
	return v
}
