// Package submission drives one prompt at a time from draft through payment,
// the protected backend call and verification of the signed response.
package submission

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/payment"
	"github.com/tjfontaine/verigate/internal/storage"
	"github.com/tjfontaine/verigate/internal/tokens"
	"github.com/tjfontaine/verigate/internal/transcript"
)

var tracer = otel.Tracer("github.com/tjfontaine/verigate/internal/submission")

// State is the position of the machine in a submission attempt.
type State string

const (
	StateIdle                State = "idle"
	StateComposing           State = "composing"
	StateAwaitingPayment     State = "awaiting_payment"
	StatePaymentConfirmed    State = "payment_confirmed"
	StateAwaitingResponse    State = "awaiting_response"
	StateResponseReceived    State = "response_received"
	StateSubmissionFailed    State = "submission_failed"
	StateVerificationPending State = "verification_pending"
	StateVerified            State = "verified"
	StateUnverified          State = "unverified"
	StateVerificationError   State = "verification_error"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateSubmissionFailed, StateVerified, StateUnverified, StateVerificationError:
		return true
	}
	return false
}

// ErrSubmissionInFlight is returned when an attempt is already running.
var ErrSubmissionInFlight = domain.NewError(domain.ErrorTypeInput, domain.ErrorCodeSubmissionBusy,
	"a submission is already in flight")

// Payer establishes the payment for an attempt. *payment.Coordinator satisfies it.
type Payer interface {
	Pay(ctx context.Context, req payment.Request) (*domain.PaymentSession, error)
}

// Backend is the protected inference service. *api.Client satisfies it.
type Backend interface {
	SubmitPrompt(ctx context.Context, req *api.PromptRequest) (*api.PromptResponse, error)
	CreateSession(ctx context.Context, wallet string) (*api.Session, error)
	ListSessions(ctx context.Context, wallet string) ([]api.Session, error)
	GetSession(ctx context.Context, id string) (*api.Session, error)
}

// Verifier checks a signature over a verification hash.
// *sigverify.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error)
}

// ClientSessionStore persists which wallet, session and model the client has
// selected. storage.Store implementations satisfy it.
type ClientSessionStore interface {
	GetSelection(ctx context.Context) (*storage.Selection, error)
	SetSelection(ctx context.Context, sel *storage.Selection) error
	ClearSelection(ctx context.Context) error
}

// Request is one prompt submission.
type Request struct {
	Wallet string
	Model  string

	// Prompt defaults to the composed draft.
	Prompt string
	Method domain.PaymentMethod

	// SessionID overrides the selected session.
	SessionID string

	Temperature  *float64
	MaxTokens    *int
	SystemPrompt *string
}

// Result describes a finished attempt.
type Result struct {
	State        State                       `json:"state"`
	SessionID    string                      `json:"session_id"`
	Payment      *domain.PaymentSession      `json:"payment,omitempty"`
	Message      *api.Message                `json:"message,omitempty"`
	EntryID      string                      `json:"entry_id,omitempty"`
	Verification domain.VerificationStatus   `json:"verification,omitempty"`
	Outcome      *domain.VerificationOutcome `json:"outcome,omitempty"`
}

// Status is a snapshot of the machine for the UI.
type Status struct {
	State     State         `json:"state"`
	Draft     string        `json:"draft"`
	Wallet    string        `json:"wallet,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Model     string        `json:"model,omitempty"`
	LastError *domain.Error `json:"last_error,omitempty"`
	Sessions  []api.Session `json:"sessions,omitempty"`
	Detached  bool          `json:"detached"`
}

// attempt is the in-flight submission, kept after a failure so Retry can
// resume it.
type attempt struct {
	req      Request
	pending  *transcript.Pending
	payment  *domain.PaymentSession
	chargeID string

	// epoch is the session epoch the attempt started in.
	epoch uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithBudget rejects prompts over budget before any payment.
func WithBudget(b *tokens.Budget) Option {
	return func(m *Machine) {
		m.budget = b
	}
}

// WithSessionStore persists the selected session.
func WithSessionStore(s ClientSessionStore) Option {
	return func(m *Machine) {
		m.sessions = s
	}
}

// WithChargeStore records payments whose protected call failed.
func WithChargeStore(s storage.ChargeStore) Option {
	return func(m *Machine) {
		m.charges = s
	}
}

// WithExpectedSigner sets how the expected signer address is resolved. An
// empty result skips the signer comparison.
func WithExpectedSigner(fn func(ctx context.Context) (string, error)) Option {
	return func(m *Machine) {
		m.expectedSigner = fn
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// Machine is the submission state machine. One attempt runs at a time.
type Machine struct {
	payer    Payer
	backend  Backend
	verifier Verifier
	log      *transcript.Log

	budget         *tokens.Budget
	sessions       ClientSessionStore
	charges        storage.ChargeStore
	expectedSigner func(ctx context.Context) (string, error)
	now            func() time.Time
	logger         *slog.Logger

	inFlight atomic.Bool
	detached atomic.Bool

	mu          sync.Mutex
	state       State
	draft       string
	wallet      string
	sessionID   string
	model       string
	lastErr     *domain.Error
	sessionList []api.Session
	current     *attempt

	// epoch advances on every ResetSession. An attempt from an older epoch
	// belongs to a previous wallet and must not touch the current session.
	epoch uint64
}

// New creates a machine writing to log.
func New(payer Payer, backend Backend, verifier Verifier, log *transcript.Log, opts ...Option) *Machine {
	m := &Machine{
		payer:    payer,
		backend:  backend,
		verifier: verifier,
		log:      log,
		now:      time.Now,
		logger:   slog.Default(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transcript returns the transcript the machine writes to.
func (m *Machine) Transcript() *transcript.Log {
	return m.log
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the machine's status.
func (m *Machine) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:     m.state,
		Draft:     m.draft,
		Wallet:    m.wallet,
		SessionID: m.sessionID,
		Model:     m.model,
		LastError: m.lastErr,
		Sessions:  append([]api.Session(nil), m.sessionList...),
		Detached:  m.detached.Load(),
	}
}

// Compose sets the draft.
func (m *Machine) Compose(text string) error {
	if m.inFlight.Load() {
		return ErrSubmissionInFlight
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.draft = text
	if text == "" {
		m.state = StateIdle
	} else {
		m.state = StateComposing
	}
	return nil
}

// Detach stops verification results from being applied to the transcript and
// state. Side effects already started still complete.
func (m *Machine) Detach() {
	m.detached.Store(true)
}

// Attach resumes applying results.
func (m *Machine) Attach() {
	m.detached.Store(false)
}

// Submit runs a full attempt: payment, the protected call and verification.
func (m *Machine) Submit(ctx context.Context, req Request) (*Result, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer m.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "submission.Submit")
	defer span.End()

	res, err := m.submit(ctx, req)
	return res, m.finishSpan(span, res, err)
}

func (m *Machine) submit(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.resetLocked()
	if req.Prompt == "" {
		req.Prompt = m.draft
	} else {
		m.draft = req.Prompt
	}
	if req.Wallet == "" {
		req.Wallet = m.wallet
	}
	if req.Model == "" {
		req.Model = m.model
	}
	if req.SessionID == "" && strings.EqualFold(req.Wallet, m.wallet) {
		req.SessionID = m.sessionID
	}
	m.mu.Unlock()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, m.reject(domain.ErrInput(domain.ErrorCodeMalformedRecord, "prompt is empty"))
	}
	if !common.IsHexAddress(req.Wallet) {
		return nil, m.reject(domain.ErrInput(domain.ErrorCodeWalletNotConnected, "a connected wallet address is required"))
	}
	if req.Model == "" {
		return nil, m.reject(domain.ErrInput(domain.ErrorCodeMalformedRecord, "model is required"))
	}

	var system string
	if req.SystemPrompt != nil {
		system = *req.SystemPrompt
	}
	if _, err := m.budget.Check(system, req.Prompt); err != nil {
		return nil, m.reject(err)
	}

	if req.SessionID == "" {
		sess, err := m.backend.CreateSession(ctx, req.Wallet)
		if err != nil {
			return nil, m.reject(err)
		}
		req.SessionID = sess.ID
	}

	m.mu.Lock()
	m.wallet = req.Wallet
	m.model = req.Model
	m.sessionID = req.SessionID
	m.state = StateAwaitingPayment
	epoch := m.epoch
	m.mu.Unlock()

	att := &attempt{req: req, pending: m.log.Append(transcript.RoleUser, req.Prompt), epoch: epoch}
	m.mu.Lock()
	m.current = att
	m.mu.Unlock()

	return m.run(ctx, att)
}

// Retry resumes the failed attempt. A settled payment is not repeated.
func (m *Machine) Retry(ctx context.Context) (*Result, error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer m.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "submission.Retry")
	defer span.End()

	m.mu.Lock()
	att := m.current
	if m.state != StateSubmissionFailed || att == nil {
		m.mu.Unlock()
		return nil, m.finishSpan(span, nil, domain.ErrInput(domain.ErrorCodeNotFound, "no failed submission to retry"))
	}
	m.lastErr = nil
	m.mu.Unlock()

	res, err := m.run(ctx, att)
	return res, m.finishSpan(span, res, err)
}

func (m *Machine) run(ctx context.Context, att *attempt) (*Result, error) {
	if att.payment == nil {
		m.setState(StateAwaitingPayment)
		sess, err := m.payer.Pay(ctx, payment.Request{
			Wallet:    att.req.Wallet,
			SessionID: att.req.SessionID,
			Method:    att.req.Method,
		})
		if err != nil {
			return nil, m.paymentFailed(att, err)
		}
		att.payment = sess
		m.setState(StatePaymentConfirmed)
	}

	resp, err := m.callBackend(ctx, att)
	if err != nil {
		return nil, m.postPaymentFailed(ctx, att, err)
	}
	return m.received(ctx, att, resp), nil
}

func (m *Machine) callBackend(ctx context.Context, att *attempt) (*api.PromptResponse, error) {
	m.setState(StateAwaitingResponse)
	return m.backend.SubmitPrompt(ctx, promptRequest(att.req, att.payment))
}

func promptRequest(req Request, p *domain.PaymentSession) *api.PromptRequest {
	return &api.PromptRequest{
		Prompt:          req.Prompt,
		Model:           req.Model,
		UserAddress:     req.Wallet,
		SessionID:       req.SessionID,
		PaymentMethod:   p.Method,
		TransactionHash: p.Proof(),
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		SystemPrompt:    req.SystemPrompt,
	}
}

// paymentFailed applies the compensating inverse for a declined payment and
// keeps the entry for a retry otherwise.
func (m *Machine) paymentFailed(att *attempt, err error) error {
	de := asDomain(err)
	if m.abandonStale(att) {
		return de
	}
	if de.Type == domain.ErrorTypeUserDeclined {
		att.pending.Rollback()
		m.mu.Lock()
		m.current = nil
		m.state = StateIdle
		m.lastErr = de
		m.mu.Unlock()
		m.logger.Info("payment declined, submission rolled back",
			slog.String("session_id", att.req.SessionID))
		return de
	}

	att.pending.MarkFailed(de)
	m.mu.Lock()
	m.state = StateSubmissionFailed
	m.lastErr = de
	m.mu.Unlock()
	m.logger.Warn("payment failed",
		slog.String("session_id", att.req.SessionID),
		slog.String("type", string(de.Type)),
		slog.String("code", string(de.Code)),
		slog.String("error", de.Error()))
	return de
}

// postPaymentFailed records the settled payment so the call can be replayed
// without paying again.
func (m *Machine) postPaymentFailed(ctx context.Context, att *attempt, cause error) error {
	perr := domain.ErrPostPayment(att.req.SessionID, att.payment.TxHash, cause)

	m.logger.Error("prompt submission failed after payment",
		slog.String("session_id", att.req.SessionID),
		slog.String("tx_hash", att.payment.TxHash),
		slog.String("method", string(att.payment.Method)),
		slog.String("error", cause.Error()))

	m.recordCharge(ctx, att, cause)
	if m.abandonStale(att) {
		return perr
	}

	att.pending.MarkFailed(perr)
	m.mu.Lock()
	m.state = StateSubmissionFailed
	m.lastErr = perr
	m.mu.Unlock()
	return perr
}

func (m *Machine) recordCharge(ctx context.Context, att *attempt, cause error) {
	if m.charges == nil {
		return
	}
	if att.chargeID != "" {
		if err := m.charges.UpdateChargeStatus(ctx, att.chargeID, storage.ChargeUnsettled, cause.Error()); err != nil {
			m.logger.Error("failed to update charge", slog.String("charge_id", att.chargeID), slog.String("error", err.Error()))
		}
		return
	}

	now := m.now().UTC()
	charge := &storage.Charge{
		ID:            uuid.NewString(),
		WalletAddress: att.req.Wallet,
		SessionID:     att.req.SessionID,
		Method:        att.payment.Method,
		TxHash:        att.payment.Proof(),
		ModelID:       att.req.Model,
		Prompt:        att.req.Prompt,
		Error:         cause.Error(),
		Status:        storage.ChargeUnsettled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.charges.RecordCharge(ctx, charge); err != nil {
		m.logger.Error("failed to record unsettled charge",
			slog.String("session_id", att.req.SessionID),
			slog.String("tx_hash", att.payment.TxHash),
			slog.String("error", err.Error()))
		return
	}
	att.chargeID = charge.ID
}

// received commits the user entry, appends the answer and verifies it.
func (m *Machine) received(ctx context.Context, att *attempt, resp *api.PromptResponse) *Result {
	if m.isStale(att) {
		return m.receivedStale(ctx, att, resp)
	}
	if att.pending != nil {
		m.setState(StateResponseReceived)
	}

	sessionID := att.req.SessionID
	if resp.SessionID != "" {
		sessionID = resp.SessionID
	}

	if att.pending != nil {
		att.pending.Commit()
	} else if m.isCurrentSession(sessionID) {
		m.log.Add(transcript.Entry{Role: transcript.RoleUser, Content: att.req.Prompt})
	}

	msg := resp.Message
	md := msg.Resolve()
	entryID := ""
	if m.isCurrentSession(sessionID) || att.pending != nil {
		entryID = m.log.Add(transcript.Entry{
			ID:           msg.ID,
			Role:         transcript.RoleAssistant,
			Content:      msg.Content,
			ModelID:      msg.ModelID,
			Metadata:     md,
			Verification: domain.StatusVerifying,
		})
	}

	m.markReconciled(ctx, att)

	m.mu.Lock()
	stale := m.staleLocked(att)
	if att.pending != nil && !stale {
		m.current = nil
		m.draft = ""
		m.sessionID = sessionID
	}
	if !stale {
		m.lastErr = nil
	}
	m.mu.Unlock()

	if !stale {
		m.persistSelection(ctx, att.req.Wallet, sessionID, att.req.Model)
		m.refreshSessions(ctx, att.req.Wallet)
	}

	res := &Result{
		SessionID: sessionID,
		Payment:   att.payment,
		Message:   &msg,
		EntryID:   entryID,
	}
	m.verifyResponse(ctx, att, &msg, md, res)
	return res
}

// receivedStale finishes an attempt whose wallet was reset while it ran. The
// charge is settled and the caller gets the verdict, but the transcript,
// selection and session list of the new wallet are left alone.
func (m *Machine) receivedStale(ctx context.Context, att *attempt, resp *api.PromptResponse) *Result {
	m.logger.Info("wallet changed during submission, response not applied",
		slog.String("session_id", att.req.SessionID),
		slog.String("wallet", att.req.Wallet))

	m.markReconciled(ctx, att)
	m.abandonStale(att)

	sessionID := att.req.SessionID
	if resp.SessionID != "" {
		sessionID = resp.SessionID
	}
	msg := resp.Message
	md := msg.Resolve()
	res := &Result{SessionID: sessionID, Payment: att.payment, Message: &msg}
	res.State, res.Verification, res.Outcome = m.verify(ctx, att.req, &msg, md)
	return res
}

func (m *Machine) markReconciled(ctx context.Context, att *attempt) {
	if att.chargeID == "" || m.charges == nil {
		return
	}
	if err := m.charges.UpdateChargeStatus(ctx, att.chargeID, storage.ChargeReconciled, ""); err != nil {
		m.logger.Error("failed to mark charge reconciled",
			slog.String("charge_id", att.chargeID),
			slog.String("error", err.Error()))
	}
}

func (m *Machine) isStale(att *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleLocked(att)
}

func (m *Machine) staleLocked(att *attempt) bool {
	return att.epoch != m.epoch
}

// abandonStale drops att if its session was reset while it ran and reports
// whether it did. The optimistic entry is removed and the machine returns to
// the draft.
func (m *Machine) abandonStale(att *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.staleLocked(att) {
		return false
	}
	if att.pending != nil {
		att.pending.Rollback()
	}
	if m.current == att {
		m.current = nil
	}
	if att.pending != nil {
		if m.draft == "" {
			m.state = StateIdle
		} else {
			m.state = StateComposing
		}
	}
	return true
}

func (m *Machine) isCurrentSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID == id
}

// reject records a local input error. No entry was appended and nothing was
// charged.
func (m *Machine) reject(err error) error {
	de := asDomain(err)
	m.mu.Lock()
	m.lastErr = de
	if m.draft == "" {
		m.state = StateIdle
	} else {
		m.state = StateComposing
	}
	m.mu.Unlock()
	return de
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// resetLocked returns a finished machine to Idle. A failed attempt's pending
// entry is rolled back when a new attempt starts instead of retrying it.
func (m *Machine) resetLocked() {
	if !m.state.Terminal() {
		return
	}
	if m.state == StateSubmissionFailed && m.current != nil && m.current.pending != nil && m.current.payment == nil {
		m.current.pending.Rollback()
	}
	m.current = nil
	m.lastErr = nil
	m.state = StateIdle
}

func (m *Machine) finishSpan(span trace.Span, res *Result, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("submission.state", string(res.State)),
			attribute.String("submission.session_id", res.SessionID),
			attribute.String("submission.verification", string(res.Verification)),
		)
	}
	return nil
}

func asDomain(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.ErrNetwork("unexpected failure", err)
}
