package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagify-app/imagify-desk/internal/backend"
	"github.com/imagify-app/imagify-desk/internal/models"
	"github.com/imagify-app/imagify-desk/internal/session"
)

type fakeBackend struct {
	loginResp    *backend.AuthResponse
	loginErr     error
	generateResp *backend.GenerateResponse
	generateErr  error
	orderResp    *backend.OrderResponse
	creditsResp  *backend.CreditsResponse
	verifyErr    error
}

func (f *fakeBackend) Login(ctx context.Context, email, password string) (*backend.AuthResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Register(ctx context.Context, name, email, password string) (*backend.AuthResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Credits(ctx context.Context, token string) (*backend.CreditsResponse, error) {
	return f.creditsResp, nil
}

func (f *fakeBackend) Generate(ctx context.Context, token string, req models.GenerationRequest) (*backend.GenerateResponse, error) {
	return f.generateResp, f.generateErr
}

func (f *fakeBackend) CreateOrder(ctx context.Context, token, planID string) (*backend.OrderResponse, error) {
	return f.orderResp, nil
}

func (f *fakeBackend) VerifyPayment(ctx context.Context, token string, providerResponse json.RawMessage) error {
	return f.verifyErr
}

type memTokens struct{ token string }

func (m *memTokens) Token() (string, bool)   { return m.token, m.token != "" }
func (m *memTokens) SetToken(t string) error { m.token = t; return nil }
func (m *memTokens) ClearToken() error       { m.token = ""; return nil }

type memHistory struct {
	entries map[string][]models.HistoryEntry
}

func (m *memHistory) Append(userID string, e models.HistoryEntry) error {
	if m.entries == nil {
		m.entries = make(map[string][]models.HistoryEntry)
	}
	m.entries[userID] = append([]models.HistoryEntry{e}, m.entries[userID]...)
	return nil
}

func (m *memHistory) List(userID string) ([]models.HistoryEntry, error) {
	return m.entries[userID], nil
}

func newTestServer(t *testing.T, fb *fakeBackend) (*Server, *session.Manager, *memHistory) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.NewManager(fb, &memTokens{}, log)
	t.Cleanup(sess.Dispose)
	history := &memHistory{}
	srv, err := NewServer("127.0.0.1:0", log, sess, history, nil, "key_test", "razorpay")
	require.NoError(t, err)
	return srv, sess, history
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func login(t *testing.T, srv *Server) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/login", `{"email":"a@b.com","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func authBackend() *fakeBackend {
	return &fakeBackend{
		loginResp: &backend.AuthResponse{
			Success: true,
			Token:   "T1",
			User:    &models.User{ID: "u1", Name: "Alice", Email: "a@b.com", CreditBalance: 5},
		},
	}
}

func TestSessionEndpoint_Anonymous(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeBackend{})

	rec := doJSON(t, srv, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "anonymous", body["state"])
	assert.Nil(t, body["user"])
}

func TestLoginThenSession(t *testing.T) {
	srv, _, _ := newTestServer(t, authBackend())

	login(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/session", "")
	body := decodeBody(t, rec)
	assert.Equal(t, "authenticated", body["state"])
	assert.Equal(t, float64(5), body["credits"])
}

func TestLogin_BackendRejection(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeBackend{
		loginResp: nil,
		loginErr:  &models.BackendError{Message: "Invalid credentials"},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/login", `{"email":"a@b.com","password":"bad"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Invalid credentials", body["message"])
}

func TestLogin_ValidationFailure(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeBackend{})

	rec := doJSON(t, srv, http.MethodPost, "/api/login", `{"email":"","password":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_AnonymousAsksForLogin(t *testing.T) {
	srv, sess, _ := newTestServer(t, &fakeBackend{})

	rec := doJSON(t, srv, http.MethodPost, "/api/generate", `{"prompt":"a cat"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["loginRequired"])
	assert.True(t, sess.Snapshot().LoginRequired)
}

func TestGenerate_AppendsHistoryForUser(t *testing.T) {
	fb := authBackend()
	fb.generateResp = &backend.GenerateResponse{
		Success:     true,
		ResultImage: "data:image/png;base64,aGk=",
	}
	srv, _, history := newTestServer(t, fb)

	login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/generate", `{"prompt":"a cat"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "data:image/png;base64,aGk=", body["image"])

	require.Len(t, history.entries["u1"], 1)
	assert.Equal(t, "a cat", history.entries["u1"][0].Prompt)
}

func TestGenerate_BackendRejection(t *testing.T) {
	fb := authBackend()
	fb.generateErr = &models.BackendError{Message: "Insufficient credits"}
	srv, _, history := newTestServer(t, fb)

	login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/generate", `{"prompt":"a cat"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Insufficient credits", body["message"])
	assert.Empty(t, history.entries["u1"])
}

func TestHistory_AnonymousIsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeBackend{})

	rec := doJSON(t, srv, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPurchaseFlow(t *testing.T) {
	fb := authBackend()
	fb.orderResp = &backend.OrderResponse{
		Success: true,
		Order:   json.RawMessage(`{"id":"order_1","amount":1000}`),
	}
	fb.creditsResp = &backend.CreditsResponse{Success: true, Credits: 105}
	srv, sess, _ := newTestServer(t, fb)

	login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/purchase", `{"planId":"Basic"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "key_test", body["keyId"])
	assert.Equal(t, "razorpay", body["provider"])
	require.Contains(t, body, "order")

	rec = doJSON(t, srv, http.MethodPost, "/api/purchase/verify", `{"response":{"razorpay_payment_id":"pay_1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(105), body["credits"])
	assert.Equal(t, 105, sess.Snapshot().Credits)
}

func TestPurchase_UnknownPlan(t *testing.T) {
	srv, _, _ := newTestServer(t, authBackend())

	login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/purchase", `{"planId":"Platinum"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_Failure(t *testing.T) {
	fb := authBackend()
	fb.verifyErr = &models.BackendError{Message: "signature mismatch"}
	srv, _, _ := newTestServer(t, fb)

	login(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/purchase/verify", `{"response":{}}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLogout_AlwaysSucceeds(t *testing.T) {
	srv, sess, _ := newTestServer(t, authBackend())

	login(t, srv)
	rec := doJSON(t, srv, http.MethodPost, "/api/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateAnonymous, sess.Snapshot().State)

	// Logging out while anonymous is a no-op, not an error.
	rec = doJSON(t, srv, http.MethodPost, "/api/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPages_Render(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeBackend{})

	for _, path := range []string{"/", "/result", "/buy"} {
		rec := doJSON(t, srv, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html", path)
	}
}
