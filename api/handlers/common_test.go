package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/nodeflow/internal/ctxkeys"
	"github.com/BaSui01/nodeflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, []int{1, 2, 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-42"))
	w := httptest.NewRecorder()

	WriteSuccess(w, r, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"key": "value"}, resp.Data)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		retryable      bool
	}{
		{"validation", types.NewError(types.ErrValidation, "name is required"), http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"explicit status wins", types.NewError(types.ErrInvalidRequest, "too big").WithHTTPStatus(413), 413, "INVALID_REQUEST", false},
		{"not found", types.NewError(types.ErrTaskNotFound, "task not found"), http.StatusNotFound, "TASK_NOT_FOUND", false},
		{"no agent", types.NewError(types.ErrNoAvailableAgent, "none"), http.StatusConflict, "NO_AVAILABLE_AGENT", false},
		{"upstream", types.NewError(types.ErrUpstreamError, "bad gateway").WithRetryable(true), http.StatusBadGateway, "UPSTREAM_ERROR", true},
		{"comm timeout", types.NewError(types.ErrCommunicationTimeout, "slow"), http.StatusGatewayTimeout, "COMMUNICATION_TIMEOUT", false},
		{"plain error hidden", errors.New("db password leaked"), http.StatusInternalServerError, "INTERNAL_ERROR", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, zap.NewNop())

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
			assert.NotContains(t, resp.Error.Message, "password")
		})
	}
}

func TestWriteError_WrappedTypedError(t *testing.T) {
	inner := types.NewError(types.ErrAgentNotFound, "agent not found").WithHTTPStatus(404)
	w := httptest.NewRecorder()
	WriteError(w, nil, errors.Join(errors.New("lookup"), inner), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "AGENT_NOT_FOUND", decodeEnvelope(t, w).Error.Code)
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
		var p payload
		require.NoError(t, DecodeJSONBody(httptest.NewRecorder(), r, &p, nil))
		assert.Equal(t, "x", p.Name)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
		w := httptest.NewRecorder()
		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid JSON body", decodeEnvelope(t, w).Error.Message)
	})

	t.Run("empty", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		w := httptest.NewRecorder()
		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, "request body is empty", decodeEnvelope(t, w).Error.Message)
	})

	t.Run("too large", func(t *testing.T) {
		big := `{"name":"` + strings.Repeat("a", maxBodyBytes+10) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
		w := httptest.NewRecorder()
		var p payload
		require.Error(t, DecodeJSONBody(w, r, &p, nil))
		assert.Equal(t, "request body too large", decodeEnvelope(t, w).Error.Message)
	})
}

func TestValidateContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                true,
		"application/json; charset=UTF-8": true,
		"text/plain":                      false,
		"":                                false,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", ct)
		w := httptest.NewRecorder()
		assert.Equal(t, want, ValidateContentType(w, r, nil), ct)
		if !want {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestResponseWriter_CapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	rw.Flush()

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, int64(5), rw.Bytes)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, rw.Unwrap())

	_, _, err = rw.Hijack()
	assert.Error(t, err, "recorder cannot be hijacked")
}
