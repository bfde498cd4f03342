package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/schoolsync/internal/errs"
)

// Machine-readable error codes carried in errorCode.
const (
	codeValidation   = "validation"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeRateLimited  = "rate_limited"
	codeInternal     = "internal"
)

type errorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and a JSON error body. Internal errors are
// logged and never echoed to the client.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var rl *errs.RateLimitError
	switch {
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many attempts", ErrorCode: codeRateLimited})
	case errors.Is(err, errs.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many attempts", ErrorCode: codeRateLimited})
	case errors.Is(err, errs.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), ErrorCode: codeValidation})
	case errors.Is(err, errs.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", ErrorCode: codeUnauthorized})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", ErrorCode: codeNotFound})
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), ErrorCode: codeConflict})
	default:
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", ErrorCode: codeInternal})
	}
}
