// Package storage defines the durable state of the client: cached signature
// verdicts, the persisted session selection and unsettled charges.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/verigate/internal/domain"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("storage: not found")

// VerificationRecord is a positive oracle verdict kept across restarts.
type VerificationRecord struct {
	Hash       string                     `json:"verification_hash"`
	Signature  string                     `json:"signature"`
	Outcome    domain.VerificationOutcome `json:"outcome"`
	VerifiedAt time.Time                  `json:"verified_at"`
}

// VerificationStore persists verification verdicts keyed by hash.
type VerificationStore interface {
	GetVerification(ctx context.Context, hash string) (*VerificationRecord, error)
	SaveVerification(ctx context.Context, rec *VerificationRecord) error
}

// Selection is the wallet, session and model the user last worked with.
type Selection struct {
	WalletAddress string    `json:"wallet_address"`
	SessionID     string    `json:"session_id"`
	ModelID       string    `json:"model_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SelectionStore persists the current selection. There is at most one.
type SelectionStore interface {
	GetSelection(ctx context.Context) (*Selection, error)
	SetSelection(ctx context.Context, sel *Selection) error
	ClearSelection(ctx context.Context) error
}

// ChargeStatus tracks whether a paid submission was eventually served.
type ChargeStatus string

const (
	ChargeUnsettled  ChargeStatus = "unsettled"
	ChargeReconciled ChargeStatus = "reconciled"
)

// Charge is a payment whose protected call failed. It holds everything needed
// to replay the call without paying again.
type Charge struct {
	ID            string               `json:"id"`
	WalletAddress string               `json:"wallet_address"`
	SessionID     string               `json:"session_id"`
	Method        domain.PaymentMethod `json:"payment_method"`
	TxHash        string               `json:"tx_hash,omitempty"`
	ModelID       string               `json:"model_id"`
	Prompt        string               `json:"prompt"`
	Error         string               `json:"error,omitempty"`
	Status        ChargeStatus         `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// ChargeListOptions filters ListCharges.
type ChargeListOptions struct {
	WalletAddress string
	Status        ChargeStatus
	Limit         int
}

// ChargeStore persists unsettled charges.
type ChargeStore interface {
	RecordCharge(ctx context.Context, c *Charge) error
	GetCharge(ctx context.Context, id string) (*Charge, error)
	ListCharges(ctx context.Context, opts ChargeListOptions) ([]*Charge, error)
	UpdateChargeStatus(ctx context.Context, id string, status ChargeStatus, errMsg string) error
}

// Store is the full durable state.
type Store interface {
	VerificationStore
	SelectionStore
	ChargeStore
	Close() error
}
