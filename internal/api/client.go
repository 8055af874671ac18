// Package api is the HTTP client of the inference backend: model catalogue,
// paid prompt submission, chat sessions, free quota and the signature oracle.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/verigate/internal/domain"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	defaultTimeout   = 120 * time.Second
	defaultUserAgent = "verigate/1.0"
)

// ErrQuotaExhausted is returned by UseFreeRequest when the server refused to
// consume quota, typically because another client used the last request.
var ErrQuotaExhausted = errors.New("free request quota exhausted")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sends a bearer token with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client talks to the inference backend.
type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a backend client. Requests are traced through otelhttp
// unless a custom HTTP client is supplied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListModels retrieves the model catalogue.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var result ModelList
	if err := c.do(ctx, http.MethodGet, "/models", nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// SubmitPrompt sends a prompt together with its proof of payment.
func (c *Client) SubmitPrompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var result PromptResponse
	if err := c.do(ctx, http.MethodPost, "/prompts", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession opens a new chat session for wallet.
func (c *Client) CreateSession(ctx context.Context, wallet string) (*Session, error) {
	var result Session
	if err := c.do(ctx, http.MethodPost, "/sessions/create", &CreateSessionRequest{WalletAddress: wallet}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions returns the sessions owned by wallet, newest first.
func (c *Client) ListSessions(ctx context.Context, wallet string) ([]Session, error) {
	var result SessionList
	path := "/sessions?wallet_address=" + url.QueryEscape(wallet)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// GetSession returns one session with its message history.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var result Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// Verify asks the backend oracle to check signature over hash.
func (c *Client) Verify(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error) {
	req := &VerifyRequest{
		VerificationHash: hash,
		Signature:        signature,
		ExpectedAddress:  expected,
	}
	var result VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", req, &result); err != nil {
		return nil, err
	}
	return result.Outcome(), nil
}

// Signer returns the address the backend signs with.
func (c *Client) Signer(ctx context.Context) (string, error) {
	var result SignerResponse
	if err := c.do(ctx, http.MethodGet, "/signer", nil, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

// FreeRequests returns the server's remaining free quota for wallet.
func (c *Client) FreeRequests(ctx context.Context, wallet string) (int, error) {
	var result FreeRequestsResponse
	if err := c.do(ctx, http.MethodGet, "/free-requests/"+url.PathEscape(wallet), nil, &result); err != nil {
		return 0, err
	}
	return result.RemainingFreeRequests, nil
}

// UseFreeRequest consumes one free request and returns what the server
// reports as remaining. ErrQuotaExhausted is returned, along with the reported
// remainder, when the server declined.
func (c *Client) UseFreeRequest(ctx context.Context, wallet string) (int, error) {
	var result FreeRequestsResponse
	if err := c.do(ctx, http.MethodPost, "/free-requests/"+url.PathEscape(wallet)+"/use", nil, &result); err != nil {
		return 0, err
	}
	if result.Success != nil && !*result.Success {
		return result.RemainingFreeRequests, ErrQuotaExhausted
	}
	return result.RemainingFreeRequests, nil
}

// FlagMessage reports a message for review.
func (c *Client) FlagMessage(ctx context.Context, messageID string, req *FlagRequest) error {
	if _, err := ParseFlagReason(string(req.Reason)); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/flag", req, nil)
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become canonical pipeline errors; transport failures are network
// errors.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, in != nil)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.ErrNetwork(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrNetwork("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ParseErrorResponse(resp.StatusCode, respBody).ToCanonical()
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.ErrNetwork("failed to unmarshal response", err)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
}
