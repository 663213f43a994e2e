package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"postpilot/internal/dispatch"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
	logx "postpilot/pkg/logx"
)

// envelope is the response body of every endpoint.
type envelope struct {
	Status    int      `json:"status"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
	Details   []string `json:"details,omitempty"`
	Current   string   `json:"current_status,omitempty"`
	RetryIn   float64  `json:"retry_after_seconds,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Data      any      `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{
		Status:    status,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
	})
}

// respondError maps domain errors to HTTP statuses.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	env := envelope{RequestID: middleware.GetReqID(r.Context()), Error: err.Error()}

	var (
		ve  *queue.ValidationError
		be  *bindError
		rle *queue.RateLimitExceededError
		ist *queue.InvalidStateTransitionError
		mre *queue.MaxRetriesExceededError
	)
	switch {
	case errors.As(err, &be):
		env.Status, env.Code, env.Details = http.StatusBadRequest, "bad_request", be.Errors
	case errors.As(err, &ve):
		env.Status, env.Code, env.Details = http.StatusUnprocessableEntity, "validation", ve.Errors
	case errors.As(err, &rle):
		env.Status, env.Code = http.StatusTooManyRequests, "rate_limited"
		env.RetryIn = rle.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
	case errors.Is(err, platform.ErrInvalidPlatform):
		env.Status, env.Code = http.StatusBadRequest, "invalid_platform"
	case errors.Is(err, queue.ErrNotFound):
		env.Status, env.Code = http.StatusNotFound, "not_found"
	case errors.As(err, &ist):
		env.Status, env.Code, env.Current = http.StatusConflict, "invalid_state", string(ist.Current)
	case errors.As(err, &mre):
		env.Status, env.Code = http.StatusConflict, "max_retries_exceeded"
	case errors.Is(err, dispatch.ErrPollInProgress):
		env.Status, env.Code = http.StatusConflict, "busy"
	default:
		env.Status, env.Code, env.Error = http.StatusInternalServerError, "internal", "internal error"
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, env.Status, env)
}
