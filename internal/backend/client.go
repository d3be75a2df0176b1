// Package backend is the typed HTTP client for the Imagify API. It is the
// only place that talks to the network; every failure is normalized here
// into the session error taxonomy before it reaches the session manager.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imagify-app/imagify-desk/internal/config"
	"github.com/imagify-app/imagify-desk/internal/models"
)

type Client struct {
	baseURL    string
	provider   string
	httpClient *http.Client
	log        *slog.Logger
}

// AuthResponse is the wire shape shared by login and register.
type AuthResponse struct {
	Success bool         `json:"success"`
	Token   string       `json:"token"`
	User    *models.User `json:"user"`
	Message string       `json:"message"`
}

// CreditsResponse carries the authoritative balance for the current user.
type CreditsResponse struct {
	Success bool         `json:"success"`
	Credits int          `json:"credits"`
	User    *models.User `json:"user"`
	Message string       `json:"message"`
}

// GenerateResponse carries the image payload; CreditBalance is set when the
// backend reports the post-generation balance inline.
type GenerateResponse struct {
	Success       bool   `json:"success"`
	ResultImage   string `json:"resultImage"`
	CreditBalance *int   `json:"creditBalance"`
	Message       string `json:"message"`
}

// OrderResponse returns the opaque order handle consumed by the payment
// collaborator.
type OrderResponse struct {
	Success bool            `json:"success"`
	Order   json.RawMessage `json:"order"`
	Message string          `json:"message"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BackendBaseURL, "/"),
		provider: cfg.PaymentProvider,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.postJSON(ctx, "/api/user/login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &models.BackendError{Message: out.Message}
	}
	if out.Token == "" || out.User == nil {
		return nil, fmt.Errorf("login response missing token or user: %w", models.ErrNetwork)
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.postJSON(ctx, "/api/user/register", "", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &models.BackendError{Message: out.Message}
	}
	if out.Token == "" || out.User == nil {
		return nil, fmt.Errorf("register response missing token or user: %w", models.ErrNetwork)
	}
	return &out, nil
}

// Credits resolves the authoritative balance (and profile) for the token.
// It doubles as the silent token-to-profile resolution at startup.
func (c *Client) Credits(ctx context.Context, token string) (*CreditsResponse, error) {
	var out CreditsResponse
	if err := c.getJSON(ctx, "/api/user/credits", token, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &models.BackendError{Message: out.Message}
	}
	return &out, nil
}

func (c *Client) Generate(ctx context.Context, token string, req models.GenerationRequest) (*GenerateResponse, error) {
	var out GenerateResponse
	if err := c.postJSON(ctx, "/api/image/generate-image", token, req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &models.BackendError{Message: out.Message}
	}
	if out.ResultImage == "" {
		return nil, fmt.Errorf("generate response missing image: %w", models.ErrNetwork)
	}
	return &out, nil
}

// CreateOrder asks the backend for an order handle for the plan. The handle
// is opaque to the client and handed straight to the payment collaborator.
func (c *Client) CreateOrder(ctx context.Context, token, planID string) (*OrderResponse, error) {
	var out OrderResponse
	err := c.postJSON(ctx, "/api/user/pay-"+c.provider, token, map[string]string{
		"planId": planID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &models.BackendError{Message: out.Message}
	}
	if len(out.Order) == 0 {
		return nil, fmt.Errorf("order response missing order handle: %w", models.ErrNetwork)
	}
	return &out, nil
}

// VerifyPayment confirms a completed purchase with the backend. The provider
// response is opaque; the backend is the party that understands it.
func (c *Client) VerifyPayment(ctx context.Context, token string, providerResponse json.RawMessage) error {
	var out verifyResponse
	err := c.postJSON(ctx, "/api/user/verify-"+c.provider, token, map[string]json.RawMessage{
		"response": providerResponse,
	}, &out)
	if err != nil {
		return err
	}
	if !out.Success {
		return &models.BackendError{Message: out.Message}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, token, bytes.NewReader(body), out)
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	return c.do(ctx, http.MethodGet, path, token, nil, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	fullURL := base.ResolveReference(endpoint).String()

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, models.ErrNetwork)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", models.ErrNetwork)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return models.ErrAuthRequired
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		if c.log != nil {
			c.log.Error("backend response not interpretable",
				"status", resp.StatusCode, "path", path, "body", truncateBody(rawBody))
		}
		return fmt.Errorf("decode response (status=%d): %w", resp.StatusCode, models.ErrNetwork)
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
