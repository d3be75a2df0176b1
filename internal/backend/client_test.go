package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagify-app/imagify-desk/internal/config"
	"github.com/imagify-app/imagify-desk/internal/models"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.Config{
		BackendBaseURL:  baseURL,
		RequestTimeout:  2 * time.Second,
		PaymentProvider: "razorpay",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLogin_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/user/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@b.com", body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"token":   "T1",
			"user":    map[string]any{"id": "1", "name": "A", "creditBalance": 5},
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Login(context.Background(), "a@b.com", "x")
	require.NoError(t, err)
	assert.Equal(t, "T1", resp.Token)
	require.NotNil(t, resp.User)
	assert.Equal(t, 5, resp.User.CreditBalance)
}

func TestLogin_BackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "Invalid credentials",
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Login(context.Background(), "a@b.com", "bad")
	require.Error(t, err)
	msg, ok := models.BackendMessage(err)
	require.True(t, ok)
	assert.Equal(t, "Invalid credentials", msg)
}

func TestGenerate_SendsTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/image/generate-image", r.URL.Path)
		assert.Equal(t, "T1", r.Header.Get("token"))

		var req models.GenerationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a cat", req.Prompt)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"resultImage":   "data:image/png;base64,aGk=",
			"creditBalance": 4,
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Generate(context.Background(), "T1", models.GenerationRequest{Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGk=", resp.ResultImage)
	require.NotNil(t, resp.CreditBalance)
	assert.Equal(t, 4, *resp.CreditBalance)
}

func TestUnauthorizedBecomesAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Credits(context.Background(), "stale")
	require.ErrorIs(t, err, models.ErrAuthRequired)
}

func TestTransportFailureBecomesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newTestClient(srv.URL).Credits(context.Background(), "T1")
	require.ErrorIs(t, err, models.ErrNetwork)
}

func TestUninterpretableResponseBecomesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Login(context.Background(), "a@b.com", "x")
	require.ErrorIs(t, err, models.ErrNetwork)
}

func TestCreateOrder_UsesProviderPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/pay-razorpay", r.URL.Path)
		assert.Equal(t, "T1", r.Header.Get("token"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"order":   map[string]any{"id": "order_1", "amount": 1000},
		})
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).CreateOrder(context.Background(), "T1", "Basic")
	require.NoError(t, err)
	assert.Contains(t, string(resp.Order), "order_1")
}

func TestVerifyPayment_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/verify-razorpay", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "signature mismatch",
		})
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).VerifyPayment(context.Background(), "T1", json.RawMessage(`{}`))
	require.Error(t, err)
	msg, ok := models.BackendMessage(err)
	require.True(t, ok)
	assert.Equal(t, "signature mismatch", msg)
}
