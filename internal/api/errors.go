package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/store"
)

// statusOf maps reason codes to HTTP statuses. Codes not listed are
// business-rule conflicts and map to 409.
var statusOf = map[codes.Code]int{
	codes.Internal:            http.StatusInternalServerError,
	codes.Forbidden:           http.StatusForbidden,
	codes.Unauthorized:        http.StatusUnauthorized,
	codes.RateLimited:         http.StatusTooManyRequests,
	codes.NotFound:            http.StatusNotFound,
	codes.UnknownMarket:       http.StatusNotFound,
	codes.TradeNotFound:       http.StatusNotFound,
	codes.OptionNotFound:      http.StatusNotFound,
	codes.SlippageAboveMax:    http.StatusBadRequest,
	codes.FeeBelowMin:         http.StatusBadRequest,
	codes.PeriodOutOfRange:    http.StatusBadRequest,
	codes.InvalidRecipient:    http.StatusBadRequest,
	codes.InvalidConfig:       http.StatusBadRequest,
	codes.InvalidParameters:   http.StatusBadRequest,
	codes.AmountTooSmall:      http.StatusBadRequest,
	codes.AmountTooLarge:      http.StatusBadRequest,
	codes.InvalidMaxLiquidity: http.StatusBadRequest,
	codes.SignatureMismatch:   http.StatusUnprocessableEntity,
	codes.TimestampMismatch:   http.StatusUnprocessableEntity,
}

// HTTPStatus returns the status for a reason code.
func HTTPStatus(c codes.Code) int {
	if s, ok := statusOf[c]; ok {
		return s
	}
	return http.StatusConflict
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code codes.Code) {
	writeJSON(w, HTTPStatus(code), map[string]string{"error": message, "code": string(code)})
}

// writeErr maps err to its code and status. Internal errors are logged and
// their text withheld.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), codes.NotFound)
		return
	}
	code := codes.CodeOf(err)
	if code == codes.Internal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", code)
		return
	}
	writeError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), codes.InvalidParameters)
		return false
	}
	return true
}
