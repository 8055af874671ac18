package domain

import "strings"

// PaymentMethod identifies how a submission was paid for.
type PaymentMethod string

const (
	PaymentFree  PaymentMethod = "FREE"
	PaymentETH   PaymentMethod = "ETH"
	PaymentToken PaymentMethod = "NEURO"
)

// ParsePaymentMethod maps user input onto a payment method. The empty string
// selects automatic resolution (free quota first).
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "FREE":
		return PaymentFree, true
	case "ETH", "NATIVE":
		return PaymentETH, true
	case "NEURO", "TOKEN":
		return PaymentToken, true
	}
	return "", false
}

// OnChain reports whether the method settles through a transaction.
func (m PaymentMethod) OnChain() bool {
	return m == PaymentETH || m == PaymentToken
}

// PaymentSession is the proof of payment for one submission.
type PaymentSession struct {
	SessionID string        `json:"session_id"`
	Method    PaymentMethod `json:"method"`

	// RemainingFree is the server-reported quota after a free consumption.
	RemainingFree *int `json:"remaining_free_requests,omitempty"`

	// TxHash is set only for on-chain methods.
	TxHash string `json:"tx_hash,omitempty"`
}

// Settled reports whether the session carries a usable proof. A free session
// has no transaction hash and is still settled.
func (p *PaymentSession) Settled() bool {
	if p == nil {
		return false
	}
	if p.Method == PaymentFree {
		return true
	}
	return p.Method.OnChain() && p.TxHash != ""
}

// VerificationOutcome is the oracle's answer for a (hash, signature) pair.
type VerificationOutcome struct {
	IsValid          bool   `json:"is_valid"`
	RecoveredAddress string `json:"recovered_address"`
	ExpectedAddress  string `json:"expected_address,omitempty"`
	Match            bool   `json:"match"`
}

// VerificationStatus is the value rendered next to an assistant message.
type VerificationStatus string

const (
	StatusVerifying        VerificationStatus = "verifying"
	StatusVerified         VerificationStatus = "verified"
	StatusInvalidSignature VerificationStatus = "invalid-signature"
	StatusSignerMismatch   VerificationStatus = "signer-mismatch"
	StatusError            VerificationStatus = "error"
)

// StatusOf maps an oracle outcome onto the UI status.
func StatusOf(o *VerificationOutcome) VerificationStatus {
	switch {
	case o == nil:
		return StatusError
	case !o.IsValid:
		return StatusInvalidSignature
	case o.ExpectedAddress != "" && !o.Match:
		return StatusSignerMismatch
	default:
		return StatusVerified
	}
}

// FreeProof is the proof marker sent for quota-funded submissions.
const FreeProof = "FREE"

// Proof returns the value presented to the backend as proof of payment: the
// transaction hash for on-chain methods, FreeProof otherwise.
func (p *PaymentSession) Proof() string {
	if p == nil {
		return ""
	}
	if p.Method == PaymentFree {
		return FreeProof
	}
	return p.TxHash
}
