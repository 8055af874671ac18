package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/fingerprint"
	"github.com/tjfontaine/verigate/internal/storage"
	"github.com/tjfontaine/verigate/internal/submission"
	"github.com/tjfontaine/verigate/internal/transcript"
)

const maxBodyBytes = 1 << 20

// Backend is the part of the backend client the HTTP surface calls directly.
// *api.Client satisfies it.
type Backend interface {
	ListModels(ctx context.Context) ([]api.Model, error)
	DeleteSession(ctx context.Context, id string) error
	FlagMessage(ctx context.Context, messageID string, req *api.FlagRequest) error
}

// Quota reads the free request mirror. *payment.Coordinator satisfies it.
type Quota interface {
	FreeRemaining(wallet string) (int, bool)
}

// Handler serves the /v1 API.
type Handler struct {
	machine  *submission.Machine
	backend  Backend
	verifier submission.Verifier
	quota    Quota
	logger   *slog.Logger
}

// NewHandler creates the API handler. quota may be nil.
func NewHandler(machine *submission.Machine, backend Backend, verifier submission.Verifier, quota Quota, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		machine:  machine,
		backend:  backend,
		verifier: verifier,
		quota:    quota,
		logger:   logger,
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/transcript", h.handleTranscript)
		r.Post("/compose", h.handleCompose)
		r.Post("/model", h.handleSelectModel)
		r.Post("/submit", h.handleSubmit)
		r.Post("/retry", h.handleRetry)
		r.Get("/charges", h.handleListCharges)
		r.Post("/charges/{id}/reconcile", h.handleReconcile)
		r.Post("/verify", h.handleVerify)
		r.Get("/models", h.handleModels)
		r.Get("/sessions", h.handleListSessions)
		r.Post("/sessions/{id}/load", h.handleLoadSession)
		r.Delete("/sessions/{id}", h.handleDeleteSession)
		r.Post("/messages/{id}/flag", h.handleFlag)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	submission.Status
	FreeRequestsRemaining *int `json:"free_requests_remaining,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.machine.Snapshot()}
	if h.quota != nil && resp.Wallet != "" {
		if n, ok := h.quota.FreeRemaining(resp.Wallet); ok {
			resp.FreeRequestsRemaining = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type transcriptResponse struct {
	Entries []transcript.Entry `json:"entries"`
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transcriptResponse{Entries: h.machine.Transcript().Entries()})
}

type composeRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.machine.Compose(req.Text); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.machine.Snapshot())
}

type selectModelRequest struct {
	Model string `json:"model"`
}

func (h *Handler) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req selectModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "model is required"))
		return
	}
	h.machine.SelectModel(r.Context(), req.Model)
	writeJSON(w, http.StatusOK, h.machine.Snapshot())
}

// SubmitRequest is the body of POST /v1/submit. Empty fields fall back to the
// composed draft and the current selection.
type SubmitRequest struct {
	Prompt        string   `json:"prompt,omitempty"`
	Model         string   `json:"model,omitempty"`
	WalletAddress string   `json:"wallet_address,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	PaymentMethod string   `json:"payment_method,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	SystemPrompt  *string  `json:"system_prompt,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if !decodeBody(w, r, &body) {
		return
	}

	req := submission.Request{
		Wallet:       body.WalletAddress,
		Model:        body.Model,
		Prompt:       body.Prompt,
		SessionID:    body.SessionID,
		Temperature:  body.Temperature,
		MaxTokens:    body.MaxTokens,
		SystemPrompt: body.SystemPrompt,
	}
	if body.PaymentMethod != "" {
		method, ok := domain.ParsePaymentMethod(body.PaymentMethod)
		if !ok {
			writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "unknown payment method "+strconv.Quote(body.PaymentMethod)))
			return
		}
		req.Method = method
	}

	res, err := h.machine.Submit(r.Context(), req)
	h.writeResult(w, r, res, err)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := h.machine.Retry(r.Context())
	h.writeResult(w, r, res, err)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "charge_id", id)
	res, err := h.machine.Reconcile(r.Context(), id)
	h.writeResult(w, r, res, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res *submission.Result, err error) {
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Type == domain.ErrorTypePostPayment {
			AddLogField(r.Context(), "session_id", de.SessionID)
			AddLogField(r.Context(), "tx_hash", de.TxHash)
		}
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "session_id", res.SessionID)
	AddLogField(r.Context(), "state", string(res.State))
	writeJSON(w, http.StatusOK, res)
}

type chargeListResponse struct {
	Charges []*storage.Charge `json:"charges"`
}

func (h *Handler) handleListCharges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ChargeListOptions{
		WalletAddress: q.Get("wallet_address"),
		Status:        storage.ChargeStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	charges, err := h.machine.Charges(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if charges == nil {
		charges = []*storage.Charge{}
	}
	writeJSON(w, http.StatusOK, chargeListResponse{Charges: charges})
}

// VerifyRequest is the body of POST /v1/verify. When Record is present its
// hash is recomputed first and a mismatch is reported without asking the
// oracle.
type VerifyRequest struct {
	VerificationHash string          `json:"verification_hash"`
	Signature        string          `json:"signature"`
	ExpectedAddress  string          `json:"expected_address,omitempty"`
	Record           json.RawMessage `json:"record,omitempty"`
}

// VerifyResponse reports the verdict for a stored interaction.
type VerifyResponse struct {
	Status    domain.VerificationStatus   `json:"status"`
	LocalHash string                      `json:"local_hash,omitempty"`
	Outcome   *domain.VerificationOutcome `json:"outcome,omitempty"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VerificationHash == "" || req.Signature == "" {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeIncompleteRecord, "verification_hash and signature are required"))
		return
	}

	var resp VerifyResponse
	if len(req.Record) > 0 {
		record, err := fingerprint.RecordFromJSON(req.Record)
		if err != nil {
			writeError(w, r, err)
			return
		}
		local, err := fingerprint.ComputeHash(record)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.LocalHash = local
		if !strings.EqualFold(local, fingerprint.NormalizeHash(req.VerificationHash)) {
			resp.Status = domain.StatusInvalidSignature
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	outcome, err := h.verifier.Verify(r.Context(), req.VerificationHash, req.Signature, req.ExpectedAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp.Outcome = outcome
	resp.Status = domain.StatusOf(outcome)
	writeJSON(w, http.StatusOK, resp)
}

type modelListResponse struct {
	Models []api.Model `json:"models"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.backend.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, modelListResponse{Models: models})
}

type sessionListResponse struct {
	Sessions []api.Session `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet_address")
	if wallet == "" {
		wallet = h.machine.Snapshot().Wallet
	}
	if wallet == "" {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeWalletNotConnected, "wallet_address is required"))
		return
	}

	sessions, err := h.machine.RefreshSessions(r.Context(), wallet)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []api.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: sessions})
}

func (h *Handler) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)
	if err := h.machine.LoadSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Entries: h.machine.Transcript().Entries()})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)
	if err := h.backend.DeleteSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.machine.ForgetSession(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFlag(w http.ResponseWriter, r *http.Request) {
	var req api.FlagRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reason, err := api.ParseFlagReason(string(req.Reason))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.Reason = reason
	if req.WalletAddress == "" {
		req.WalletAddress = h.machine.Snapshot().Wallet
	}

	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "message_id", id)
	if err := h.backend.FlagMessage(r.Context(), id, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flagged"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "failed to read request body").WithCause(err))
		return false
	}
	if len(body) > maxBodyBytes {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "request body too large"))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, r, domain.ErrInput(domain.ErrorCodeMalformedRecord, "invalid JSON body").WithCause(err))
		return false
	}
	return true
}
