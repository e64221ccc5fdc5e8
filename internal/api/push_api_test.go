package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-gateway/internal/api"
	"github.com/tinywideclouds/go-apns-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// --- Mocks ---
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string, opts dispatch.Options) (string, []string, error) {
	args := m.Called(ctx, tokens, content, data, opts)
	invalid, _ := args.Get(1).([]string)
	return args.String(0), invalid, args.Error(2)
}

// --- Setup ---
func setupAPI(t *testing.T) (*api.PushAPI, *MockDispatcher) {
	t.Helper()
	mockDispatcher := new(MockDispatcher)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.NewPushAPI(mockDispatcher, nil, logger), mockDispatcher
}

// Helper to inject UserID into context (simulating Auth Middleware)
func withUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func TestPush(t *testing.T) {
	const user = "urn:test:user:123"

	t.Run("Success", func(t *testing.T) {
		apiHandler, mockDispatcher := setupAPI(t)
		body := `{"tokens":["good","dead"],"content":{"title":"Hi"},"options":{"priority":5}}`
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(body)), user)
		w := httptest.NewRecorder()

		mockDispatcher.On("Dispatch", mock.Anything, []string{"good", "dead"},
			notification.NotificationContent{Title: "Hi"}, mock.Anything, dispatch.Options{Priority: 5}).
			Return("success:1 invalid:1 total_fail:1", []string{"dead"}, nil)

		apiHandler.Push(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.PushResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		_, err := uuid.Parse(resp.JobID)
		assert.NoError(t, err)
		assert.Equal(t, "success:1 invalid:1 total_fail:1", resp.Receipt)
		assert.Equal(t, []string{"dead"}, resp.InvalidTokens)
		mockDispatcher.AssertExpectations(t)
	})

	t.Run("Empty invalid list is an array", func(t *testing.T) {
		apiHandler, mockDispatcher := setupAPI(t)
		body := `{"tokens":["good"],"content":{"title":"Hi"}}`
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(body)), user)
		w := httptest.NewRecorder()
		mockDispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("success:1 invalid:0 total_fail:0", nil, nil)

		apiHandler.Push(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"invalid_tokens":[]`)
	})

	t.Run("Requires a user", func(t *testing.T) {
		apiHandler, mockDispatcher := setupAPI(t)
		req := httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(`{"tokens":["a"]}`))
		w := httptest.NewRecorder()

		apiHandler.Push(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockDispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Rejects Malformed JSON", func(t *testing.T) {
		apiHandler, _ := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", bytes.NewReader([]byte("nope"))), user)
		w := httptest.NewRecorder()

		apiHandler.Push(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Job Without Tokens", func(t *testing.T) {
		apiHandler, _ := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(`{"tokens":[]}`)), user)
		w := httptest.NewRecorder()

		apiHandler.Push(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Oversized Body", func(t *testing.T) {
		apiHandler, _ := setupAPI(t)
		big := `{"tokens":["` + strings.Repeat("a", 2<<20) + `"]}`
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(big)), user)
		w := httptest.NewRecorder()

		apiHandler.Push(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("Dispatch Failure", func(t *testing.T) {
		apiHandler, mockDispatcher := setupAPI(t)
		req := withUser(httptest.NewRequest("POST", "/api/v1/push", strings.NewReader(`{"tokens":["a"]}`)), user)
		w := httptest.NewRecorder()
		mockDispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("success:0 invalid:0 total_fail:1", nil, errors.New("transport down"))

		apiHandler.Push(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}
