package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/verigate/internal/domain"
)

// Model is one entry of the backend model catalogue.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// ModelList is the response of GET /models.
type ModelList struct {
	Models []Model `json:"models"`
}

// PromptRequest is the body of POST /prompts.
type PromptRequest struct {
	Prompt          string               `json:"prompt"`
	Model           string               `json:"model"`
	UserAddress     string               `json:"user_address"`
	SessionID       string               `json:"session_id"`
	PaymentMethod   domain.PaymentMethod `json:"payment_method"`
	TransactionHash string               `json:"transaction_hash,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	MaxTokens       *int                 `json:"max_tokens,omitempty"`
	SystemPrompt    *string              `json:"system_prompt,omitempty"`
}

// PromptResponse is the backend answer to a paid prompt.
type PromptResponse struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`

	// RemainingFreeRequests is reported when the prompt consumed free quota.
	RemainingFreeRequests *int `json:"remaining_free_requests,omitempty"`
}

// Message is a stored chat message. Verification material may sit at the top
// level or inside Metadata; use Resolve to read it.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	ModelID   string `json:"model_id,omitempty"`

	VerificationHash string                     `json:"verification_hash,omitempty"`
	Signature        string                     `json:"signature,omitempty"`
	TransactionHash  string                     `json:"transaction_hash,omitempty"`
	IPFSCID          string                     `json:"ipfs_cid,omitempty"`
	Metadata         map[string]json.RawMessage `json:"message_metadata,omitempty"`
}

// Resolve returns the single resolved form of the message's verification data.
func (m *Message) Resolve() domain.MessageMetadata {
	return domain.ResolveMetadata(domain.RawMessage{
		VerificationHash: m.VerificationHash,
		Signature:        m.Signature,
		TransactionHash:  m.TransactionHash,
		IPFSCID:          m.IPFSCID,
		Metadata:         m.Metadata,
	})
}

// Session is a chat session owned by a wallet.
type Session struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"wallet_address"`
	Title         string    `json:"title,omitempty"`
	CreatedAt     string    `json:"created_at,omitempty"`
	UpdatedAt     string    `json:"updated_at,omitempty"`
	Messages      []Message `json:"messages,omitempty"`
}

// SessionList is the response of GET /sessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// CreateSessionRequest is the body of POST /sessions/create.
type CreateSessionRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	VerificationHash string `json:"verification_hash"`
	Signature        string `json:"signature"`
	ExpectedAddress  string `json:"expected_address,omitempty"`
}

// VerifyResponse is the oracle's verdict.
type VerifyResponse struct {
	IsValid          bool   `json:"is_valid"`
	RecoveredAddress string `json:"recovered_address"`
	ExpectedAddress  string `json:"expected_address,omitempty"`
	Match            bool   `json:"match"`
}

// Outcome converts the verdict into the domain type.
func (r *VerifyResponse) Outcome() *domain.VerificationOutcome {
	return &domain.VerificationOutcome{
		IsValid:          r.IsValid,
		RecoveredAddress: r.RecoveredAddress,
		ExpectedAddress:  r.ExpectedAddress,
		Match:            r.Match,
	}
}

// SignerResponse is the response of GET /signer.
type SignerResponse struct {
	Address string `json:"address"`
}

// FreeRequestsResponse is returned by both quota endpoints.
type FreeRequestsResponse struct {
	WalletAddress         string `json:"wallet_address,omitempty"`
	RemainingFreeRequests int    `json:"remaining_free_requests"`
	Success               *bool  `json:"success,omitempty"`
}

// FlagReason is why a message is reported.
type FlagReason string

const (
	FlagHallucination FlagReason = "hallucination"
	FlagInappropriate FlagReason = "inappropriate"
	FlagInaccurate    FlagReason = "inaccurate"
	FlagOther         FlagReason = "other"
)

// ParseFlagReason validates a flag reason.
func ParseFlagReason(s string) (FlagReason, error) {
	switch r := FlagReason(strings.ToLower(strings.TrimSpace(s))); r {
	case FlagHallucination, FlagInappropriate, FlagInaccurate, FlagOther:
		return r, nil
	}
	return "", domain.ErrInput(domain.ErrorCodeMalformedRecord, fmt.Sprintf("unknown flag reason %q", s))
}

// FlagRequest is the body of POST /messages/{id}/flag.
type FlagRequest struct {
	Reason        FlagReason `json:"reason"`
	Details       string     `json:"details,omitempty"`
	WalletAddress string     `json:"wallet_address,omitempty"`
}

// ErrorResponse is the backend error envelope.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
}

// ToCanonical converts the backend error to a pipeline error. Client errors
// are rejections of the request itself; everything else is a network fault.
func (e *APIError) ToCanonical() *domain.Error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.NewError(domain.ErrorTypeInput, domain.ErrorCodeNotFound, e.Detail).WithCause(e)
	case e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests:
		return domain.NewError(domain.ErrorTypeInput, domain.ErrorCodeBackendRejected, e.Detail).WithCause(e)
	default:
		return domain.ErrNetwork("backend unavailable", e)
	}
}

// ParseErrorResponse builds an APIError from a response body. FastAPI reports
// detail either as a string or as a list of validation errors.
func ParseErrorResponse(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var env ErrorResponse
	if err := json.Unmarshal(data, &env); err != nil || len(env.Detail) == 0 {
		apiErr.Detail = strings.TrimSpace(string(data))
		return apiErr
	}

	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		apiErr.Detail = s
		return apiErr
	}
	apiErr.Detail = string(env.Detail)
	return apiErr
}
