package submission

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/fingerprint"
)

// verifyResponse runs the local hash check and then the oracle. The result is
// always returned to the caller; it is applied to state and transcript only
// while the machine is attached.
func (m *Machine) verifyResponse(ctx context.Context, att *attempt, msg *api.Message, md domain.MessageMetadata, res *Result) {
	ctx, span := tracer.Start(ctx, "submission.Verify")
	defer span.End()

	if att.pending != nil {
		m.setStateAttached(StateVerificationPending)
	}

	state, status, outcome := m.verify(ctx, att.req, msg, md)
	res.State = state
	res.Verification = status
	res.Outcome = outcome

	if m.isStale(att) {
		return
	}
	if m.detached.Load() {
		m.logger.Debug("verification finished while detached",
			slog.String("message_id", msg.ID),
			slog.String("status", string(status)))
		return
	}
	if res.EntryID != "" {
		m.log.SetVerification(res.EntryID, status)
	}
	if att.pending != nil {
		m.setState(state)
	}
}

func (m *Machine) verify(ctx context.Context, req Request, msg *api.Message, md domain.MessageMetadata) (State, domain.VerificationStatus, *domain.VerificationOutcome) {
	if !md.Signed() {
		m.logger.Warn("response carries no signature", slog.String("message_id", msg.ID))
		return StateVerificationError, domain.StatusError, nil
	}

	record, err := RecordFor(req, msg, md)
	if err == nil {
		var ok bool
		ok, err = fingerprint.VerifyHash(record, md.VerificationHash)
		if err == nil && !ok {
			m.logger.Warn("local hash does not match signed hash",
				slog.String("message_id", msg.ID),
				slog.String("verification_hash", md.VerificationHash))
			return StateUnverified, domain.StatusInvalidSignature, nil
		}
	}
	if err != nil {
		m.logger.Warn("verification record is incomplete",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return StateVerificationError, domain.StatusError, nil
	}

	expected := m.resolveExpected(ctx)
	outcome, err := m.verifier.Verify(ctx, md.VerificationHash, md.Signature, expected)
	if err != nil {
		m.logger.Warn("signature verification failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return StateVerificationError, domain.StatusError, nil
	}

	status := domain.StatusOf(outcome)
	if status == domain.StatusVerified {
		return StateVerified, status, outcome
	}
	return StateUnverified, status, outcome
}

func (m *Machine) resolveExpected(ctx context.Context) string {
	if m.expectedSigner == nil {
		return ""
	}
	addr, err := m.expectedSigner(ctx)
	if err != nil {
		m.logger.Warn("expected signer unavailable", slog.String("error", err.Error()))
		return ""
	}
	return addr
}

// RecordFor rebuilds the verification record of an assistant message. Fields
// the backend returned in the message metadata take precedence over values
// known from the request.
func RecordFor(req Request, msg *api.Message, md domain.MessageMetadata) (fingerprint.Record, error) {
	in := fingerprint.Interaction{
		Prompt:       req.Prompt,
		Response:     msg.Content,
		ModelName:    msg.ModelName,
		ModelID:      msg.ModelID,
		Temperature:  req.Temperature,
		SystemPrompt: req.SystemPrompt,
	}
	if in.ModelID == "" {
		in.ModelID = req.Model
	}
	if req.MaxTokens != nil {
		n := float64(*req.MaxTokens)
		in.MaxTokens = &n
	}
	record := in.Record()
	if msg.Timestamp != "" {
		record[fingerprint.FieldTimestamp] = msg.Timestamp
	}

	if len(md.Fields) == 0 {
		return record, nil
	}

	known := make(map[string]json.RawMessage)
	for _, f := range recordFields {
		if v, ok := md.Fields[f]; ok {
			known[f] = v
		}
	}
	if len(known) == 0 {
		return record, nil
	}

	data, err := json.Marshal(known)
	if err != nil {
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, "metadata is not encodable").WithCause(err)
	}
	overlay, err := fingerprint.RecordFromJSON(data)
	if err != nil {
		return nil, err
	}
	for k, v := range overlay {
		if v == nil {
			continue
		}
		record[k] = v
	}
	return record, nil
}

var recordFields = []string{
	fingerprint.FieldPrompt,
	fingerprint.FieldResponse,
	fingerprint.FieldModelName,
	fingerprint.FieldModelID,
	fingerprint.FieldTemperature,
	fingerprint.FieldMaxTokens,
	fingerprint.FieldSystemPrompt,
	fingerprint.FieldTimestamp,
	fingerprint.FieldWalletAddress,
	fingerprint.FieldSessionID,
	fingerprint.FieldRAGSources,
	fingerprint.FieldToolCalls,
}

func (m *Machine) setStateAttached(s State) {
	if m.detached.Load() {
		return
	}
	m.setState(s)
}
