package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"knowledgehub/internal/admission"
	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/pipeline"
)

// chatRequest is the streaming chat payload.
type chatRequest struct {
	Query   string     `json:"query"`
	History []llm.Turn `json:"history"`
}

type rejectionLimits struct {
	PerMinute int64 `json:"per_minute"`
	PerHour   int64 `json:"per_hour"`
}

// rejectionBody is the JSON payload of admission rejections.
type rejectionBody struct {
	Error             string           `json:"error"`
	Message           string           `json:"message"`
	Type              string           `json:"type,omitempty"`
	Limits            *rejectionLimits `json:"limits,omitempty"`
	RetryAfterSeconds int              `json:"retry_after_seconds,omitempty"`
	BanExpiresAt      string           `json:"ban_expires_at,omitempty"`
	ViolationCount    int64            `json:"violation_count,omitempty"`
}

func rejectionPayload(d admission.Decision) rejectionBody {
	body := rejectionBody{Error: d.ErrorCode, Message: d.Message}
	if d.Reason == admission.ReasonCostThrottle {
		if d.Detail == admission.DetailDailyLimit {
			body.Type = "daily"
		} else {
			body.Type = "hourly"
		}
	}
	if d.PerMinuteLimit > 0 || d.PerHourLimit > 0 {
		body.Limits = &rejectionLimits{PerMinute: d.PerMinuteLimit, PerHour: d.PerHourLimit}
	}
	if d.RetryAfter > 0 {
		body.RetryAfterSeconds = int(d.RetryAfter.Seconds() + 0.5)
	}
	if !d.BanExpiresAt.IsZero() {
		body.BanExpiresAt = d.BanExpiresAt.UTC().Format(time.RFC3339)
	}
	if d.ViolationCount > 0 {
		body.ViolationCount = d.ViolationCount
	}
	return body
}

// challengeResponse is the /auth/challenge payload. Challenge is the
// literal "disabled" when the feature is off.
type challengeResponse struct {
	Challenge        string `json:"challenge"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// handleChatStream validates, admits, and streams the answer as
// server-sent events. Validation and admission failures are plain JSON;
// once the stream starts every failure is an in-band error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := pipeline.ValidateQuery(req.Query, s.maxQueryLength); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyQuery):
			writeError(w, http.StatusUnprocessableEntity, "query must not be empty")
		case errors.Is(err, pipeline.ErrQueryTooLong):
			writeError(w, http.StatusUnprocessableEntity, "query is too long")
		default:
			writeError(w, http.StatusUnprocessableEntity, "invalid query")
		}
		return
	}

	decision := s.gate.Check(r.Context(), admission.Request{
		HTTP:    r,
		Query:   req.Query,
		History: turnTexts(req.History),
	})
	if !decision.Allowed {
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+0.5)))
		}
		writeJSON(w, decision.StatusCode, rejectionPayload(decision))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(e pipeline.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.pipeline.Run(r.Context(), req.Query, req.History, emit); err != nil {
		logging.API("chat stream ended with error: %v", err)
	}
}

// handleChallenge mints a single-use challenge bound to the caller's IP.
// With the feature off, callers get the "disabled" sentinel so clients
// need no separate discovery call.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.gate.ChallengeEnabled(r.Context()) {
		writeJSON(w, http.StatusOK, challengeResponse{Challenge: "disabled"})
		return
	}
	token, ok, err := s.gate.MintChallenge(r.Context(), s.gate.ClientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "challenge unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, "too many active challenges")
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{
		Challenge:        token,
		ExpiresInSeconds: int(s.gate.ChallengeTTL().Seconds()),
	})
}

func turnTexts(history []llm.Turn) []string {
	out := make([]string, 0, len(history))
	for _, t := range history {
		out = append(out, t.Text)
	}
	return out
}
