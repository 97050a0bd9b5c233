// Package siweauth is the Go SDK for the sign-in service: Client talks to
// its HTTP API and Verifier checks its tokens in downstream services.
package siweauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/layer-3/siwe-auth/core"
)

// TokenPair is returned by Verify and Refresh.
type TokenPair = core.TokenPair

// Client represents the public interface for interacting with the auth service
type Client interface {
	// Nonce requests a fresh nonce to embed in the sign-in message
	Nonce(ctx context.Context) (string, error)

	// Verify exchanges a signed sign-in message for a token pair
	Verify(ctx context.Context, message, signature string) (*TokenPair, error)

	// Refresh rotates an expired access token and its refresh token
	Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, error)

	// Introspect returns the claims of a token the service still accepts
	Introspect(ctx context.Context, token string) (map[string]any, error)
}

// HTTPClient implements Client over the service's JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Nonce(ctx context.Context) (string, error) {
	var resp struct {
		Nonce string `json:"nonce"`
	}
	if err := c.do(ctx, http.MethodGet, "/siwe/nonce", nil, &resp); err != nil {
		return "", err
	}
	return resp.Nonce, nil
}

func (c *HTTPClient) Verify(ctx context.Context, message, signature string) (*TokenPair, error) {
	req := map[string]string{"message": message, "signature": signature}

	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/siwe/verify", req, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *HTTPClient) Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, error) {
	req := map[string]string{"accessToken": accessToken, "refreshToken": refreshToken}

	var pair TokenPair
	if err := c.do(ctx, http.MethodPost, "/siwe/verify/refresh", req, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *HTTPClient) Introspect(ctx context.Context, token string) (map[string]any, error) {
	var resp struct {
		Payload map[string]any `json:"payload"`
	}
	if err := c.do(ctx, http.MethodPost, "/siwe/verify/token", map[string]string{"token": token}, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedResponse, method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
