// Package httpx holds the JSON plumbing shared by the API handlers and the
// mapping from apperr kinds to HTTP statuses.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"dealflow/apperr"
)

// MaxBodyBytes bounds request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID returns the id chi's RequestID middleware assigned, or a fresh one.
func RequestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the body into dst, rejecting unknown fields and trailing data.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("empty_body", "request body is required")
		}
		return apperr.Validation("malformed_body", "request body is not valid JSON: %v", err)
	}
	if dec.More() {
		return apperr.Validation("malformed_body", "request body has trailing data")
	}
	return nil
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	RequestID string      `json:"request_id"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Status maps an error kind to the HTTP status used on operator routes.
func Status(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBusinessRule, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// WriteStatus writes an error body with an explicit status, for failures that
// are not domain errors such as 401 and 403.
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{
		RequestID: RequestID(r),
		Error:     ErrorDetail{Code: code, Message: message},
	})
}

func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, false)
}

// WritePublicError is WriteError for token routes: business rule failures and
// lost races are reported as 400 invalid_state so callers see exactly three
// failure kinds.
func WritePublicError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, true)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, public bool) {
	kind := apperr.KindOf(err)
	status := Status(kind)
	body := ErrorBody{RequestID: RequestID(r)}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && kind != apperr.KindInternal {
		body.Error = ErrorDetail{Code: appErr.Code, Message: appErr.Message, Details: appErr.Fields}
	} else {
		slog.ErrorContext(r.Context(), "request failed",
			"request_id", body.RequestID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		body.Error = ErrorDetail{Code: "internal", Message: "internal error"}
	}

	if public && (kind == apperr.KindBusinessRule || kind == apperr.KindConflict) {
		status = http.StatusBadRequest
		body.Error = ErrorDetail{Code: "invalid_state", Message: body.Error.Message}
	}
	WriteJSON(w, status, body)
}
