package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/apperr"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWriteError_MapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Invalid(apperr.Fields{"currency": "invalid"}), http.StatusBadRequest, "invalid_input"},
		{apperr.NotFound("quote", "q1"), http.StatusNotFound, "quote_not_found"},
		{apperr.BusinessRule("invalid_transition", "nope"), http.StatusConflict, "invalid_transition"},
		{apperr.Conflict("concurrent_update", "lost race"), http.StatusConflict, "concurrent_update"},
		{apperr.Expired("token_expired", "link expired"), http.StatusGone, "token_expired"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/quotes/q1", nil)
		rec := httptest.NewRecorder()

		WriteError(rec, req, tc.err)

		assert.Equal(t, tc.status, rec.Code, "%v", tc.err)
		body := decodeError(t, rec)
		assert.Equal(t, tc.code, body.Error.Code)
		assert.True(t, strings.HasPrefix(body.RequestID, "req_"))
	}
}

func TestWriteError_CarriesFieldDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodPost, "/quotes", nil), apperr.Invalid(apperr.Fields{"valid_until": "must_be_in_future"}))

	body := decodeError(t, rec)
	assert.Equal(t, map[string]string{"valid_until": "must_be_in_future"}, body.Error.Details)
}

func TestWritePublicError_BusinessRuleIsInvalidState(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/public/quotes/qt_x/accept", nil)

	rec := httptest.NewRecorder()
	WritePublicError(rec, req, apperr.BusinessRule("invalid_state", "action not available in status accepted"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Error.Code)

	rec = httptest.NewRecorder()
	WritePublicError(rec, req, apperr.Expired("token_expired", "link expired"))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = httptest.NewRecorder()
	WritePublicError(rec, req, apperr.NotFound("quote", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWritePublicError_LostRaceIsInvalidState(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/public/quotes/qt_x/reject", nil)
	rec := httptest.NewRecorder()

	WritePublicError(rec, req, apperr.Conflict("concurrent_update", "quote q-1 was modified concurrently"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Error.Code)

	rec = httptest.NewRecorder()
	WriteError(rec, req, apperr.Conflict("concurrent_update", "quote q-1 was modified concurrently"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	var p payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ada"}`))
	require.NoError(t, ReadJSON(httptest.NewRecorder(), req, &p))
	assert.Equal(t, "Ada", p.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ada","admin":true}`))
	err := ReadJSON(httptest.NewRecorder(), req, &p)
	assert.Equal(t, "malformed_body", apperr.CodeOf(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	err = ReadJSON(httptest.NewRecorder(), req, &p)
	assert.Equal(t, "empty_body", apperr.CodeOf(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	err = ReadJSON(httptest.NewRecorder(), req, &p)
	assert.Equal(t, "malformed_body", apperr.CodeOf(err))
}

func TestLogger_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/healthz")
}
