package submission

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/storage"
	"github.com/tjfontaine/verigate/internal/transcript"
)

// Restore loads the persisted selection.
func (m *Machine) Restore(ctx context.Context) error {
	if m.sessions == nil {
		return nil
	}
	sel, err := m.sessions.GetSelection(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.wallet = sel.WalletAddress
	m.sessionID = sel.SessionID
	m.model = sel.ModelID
	m.mu.Unlock()

	m.logger.Debug("restored session selection",
		slog.String("wallet", sel.WalletAddress),
		slog.String("session_id", sel.SessionID))
	return nil
}

// LoadSession makes id the current session and rebuilds the transcript from
// its stored messages.
func (m *Machine) LoadSession(ctx context.Context, id string) error {
	if m.inFlight.Load() {
		return ErrSubmissionInFlight
	}
	sess, err := m.backend.GetSession(ctx, id)
	if err != nil {
		return err
	}

	entries := make([]transcript.Entry, 0, len(sess.Messages))
	for i := range sess.Messages {
		entries = append(entries, entryFromMessage(&sess.Messages[i]))
	}
	m.log.Replace(entries)

	m.mu.Lock()
	m.resetLocked()
	m.sessionID = sess.ID
	if sess.WalletAddress != "" {
		m.wallet = sess.WalletAddress
	}
	wallet, model := m.wallet, m.model
	m.mu.Unlock()

	m.persistSelection(ctx, wallet, sess.ID, model)
	return nil
}

func entryFromMessage(msg *api.Message) transcript.Entry {
	e := transcript.Entry{
		ID:      msg.ID,
		Role:    transcript.Role(msg.Role),
		Content: msg.Content,
		ModelID: msg.ModelID,
	}
	if msg.Role == string(transcript.RoleAssistant) {
		e.Metadata = msg.Resolve()
	}
	return e
}

// SelectModel sets the model used when a request names none.
func (m *Machine) SelectModel(ctx context.Context, model string) {
	m.mu.Lock()
	m.model = model
	wallet, session := m.wallet, m.sessionID
	m.mu.Unlock()
	if wallet != "" {
		m.persistSelection(ctx, wallet, session, model)
	}
}

// ResetSession drops the current session, transcript and session list. It is
// used when the wallet account or chain changes.
func (m *Machine) ResetSession(ctx context.Context) {
	m.mu.Lock()
	if !m.inFlight.Load() {
		m.resetLocked()
		m.current = nil
		if m.draft == "" {
			m.state = StateIdle
		} else {
			m.state = StateComposing
		}
	}
	m.sessionID = ""
	m.wallet = ""
	m.sessionList = nil
	m.epoch++
	m.mu.Unlock()

	m.log.Reset()
	if m.sessions != nil {
		if err := m.sessions.ClearSelection(ctx); err != nil {
			m.logger.Warn("failed to clear session selection", slog.String("error", err.Error()))
		}
	}
}

// RefreshSessions reloads the wallet's session list.
func (m *Machine) RefreshSessions(ctx context.Context, wallet string) ([]api.Session, error) {
	list, err := m.backend.ListSessions(ctx, wallet)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessionList = list
	m.mu.Unlock()
	return list, nil
}

// ForgetSession removes id from the local session list and, if it was
// selected, clears the selection.
func (m *Machine) ForgetSession(ctx context.Context, id string) {
	m.mu.Lock()
	kept := make([]api.Session, 0, len(m.sessionList))
	for _, s := range m.sessionList {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	m.sessionList = kept
	current := m.sessionID == id
	if current {
		m.sessionID = ""
	}
	m.mu.Unlock()

	if current {
		m.log.Reset()
		if m.sessions != nil {
			if err := m.sessions.ClearSelection(ctx); err != nil {
				m.logger.Warn("failed to clear session selection", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Machine) refreshSessions(ctx context.Context, wallet string) {
	if _, err := m.RefreshSessions(ctx, wallet); err != nil {
		m.logger.Warn("failed to refresh session list",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()))
	}
}

func (m *Machine) persistSelection(ctx context.Context, wallet, sessionID, model string) {
	if m.sessions == nil {
		return
	}
	err := m.sessions.SetSelection(ctx, &storage.Selection{
		WalletAddress: wallet,
		SessionID:     sessionID,
		ModelID:       model,
		UpdatedAt:     m.now().UTC(),
	})
	if err != nil {
		m.logger.Warn("failed to persist session selection",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// Reconcile replays the protected call of an unsettled charge with its stored
// proof of payment. Nothing is paid again.
func (m *Machine) Reconcile(ctx context.Context, chargeID string) (*Result, error) {
	if m.charges == nil {
		return nil, domain.ErrInput(domain.ErrorCodeNotFound, "charge tracking is not enabled")
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer m.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "submission.Reconcile")
	defer span.End()

	res, err := m.reconcile(ctx, chargeID)
	return res, m.finishSpan(span, res, err)
}

func (m *Machine) reconcile(ctx context.Context, chargeID string) (*Result, error) {
	charge, err := m.charges.GetCharge(ctx, chargeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrInput(domain.ErrorCodeNotFound, "unknown charge "+chargeID)
	}
	if err != nil {
		return nil, err
	}
	if charge.Status != storage.ChargeUnsettled {
		return nil, domain.ErrInput(domain.ErrorCodeNotFound, "no unsettled charge "+chargeID)
	}

	// The failed attempt that recorded this charge, if still held, resumes with
	// its transcript entry.
	m.mu.Lock()
	att := m.current
	if att == nil || att.chargeID != chargeID {
		att = nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	if att == nil {
		sess := &domain.PaymentSession{SessionID: charge.SessionID, Method: charge.Method}
		if charge.Method.OnChain() {
			sess.TxHash = charge.TxHash
		}
		att = &attempt{
			req: Request{
				Wallet:    charge.WalletAddress,
				Model:     charge.ModelID,
				Prompt:    charge.Prompt,
				Method:    charge.Method,
				SessionID: charge.SessionID,
			},
			payment:  sess,
			chargeID: chargeID,
			epoch:    epoch,
		}
	}

	m.logger.Info("reconciling charge",
		slog.String("charge_id", chargeID),
		slog.String("session_id", charge.SessionID),
		slog.String("tx_hash", charge.TxHash))

	resp, err := m.backend.SubmitPrompt(ctx, promptRequest(att.req, att.payment))
	if err != nil {
		perr := domain.ErrPostPayment(charge.SessionID, att.payment.TxHash, err)
		m.logger.Error("reconciliation failed",
			slog.String("charge_id", chargeID),
			slog.String("session_id", charge.SessionID),
			slog.String("tx_hash", charge.TxHash),
			slog.String("error", err.Error()))
		if uerr := m.charges.UpdateChargeStatus(ctx, chargeID, storage.ChargeUnsettled, err.Error()); uerr != nil {
			m.logger.Error("failed to update charge", slog.String("charge_id", chargeID), slog.String("error", uerr.Error()))
		}
		return nil, perr
	}
	return m.received(ctx, att, resp), nil
}

// Charges lists recorded charges.
func (m *Machine) Charges(ctx context.Context, opts storage.ChargeListOptions) ([]*storage.Charge, error) {
	if m.charges == nil {
		return nil, nil
	}
	return m.charges.ListCharges(ctx, opts)
}
