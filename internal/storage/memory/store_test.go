package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/storage"
)

func TestMemoryStore_Verification(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.GetVerification(ctx, "abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetVerification() error = %v, want ErrNotFound", err)
	}

	rec := &storage.VerificationRecord{
		Hash:      "abc",
		Signature: "0xsig",
		Outcome:   domain.VerificationOutcome{IsValid: true, Match: true},
	}
	if err := store.SaveVerification(ctx, rec); err != nil {
		t.Fatalf("SaveVerification() error = %v", err)
	}
	if rec.VerifiedAt.IsZero() {
		t.Error("VerifiedAt should be stamped")
	}

	got, err := store.GetVerification(ctx, "abc")
	if err != nil {
		t.Fatalf("GetVerification() error = %v", err)
	}
	if got.Signature != "0xsig" || !got.Outcome.IsValid {
		t.Errorf("GetVerification() = %+v", got)
	}
}

func TestMemoryStore_SelectionIsCopied(t *testing.T) {
	store := New()
	ctx := context.Background()

	sel := &storage.Selection{WalletAddress: "0xabc", SessionID: "s1", ModelID: "m1"}
	if err := store.SetSelection(ctx, sel); err != nil {
		t.Fatalf("SetSelection() error = %v", err)
	}
	sel.SessionID = "mutated"

	got, err := store.GetSelection(ctx)
	if err != nil {
		t.Fatalf("GetSelection() error = %v", err)
	}
	if got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got.SessionID)
	}

	if err := store.ClearSelection(ctx); err != nil {
		t.Fatalf("ClearSelection() error = %v", err)
	}
	if _, err := store.GetSelection(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSelection() after clear error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Charges(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RecordCharge(ctx, &storage.Charge{ID: "c1", WalletAddress: "0xABC", Method: domain.PaymentETH, TxHash: "0x01"}); err != nil {
		t.Fatalf("RecordCharge() error = %v", err)
	}
	if err := store.RecordCharge(ctx, &storage.Charge{ID: "c1"}); err == nil {
		t.Error("RecordCharge() duplicate should fail")
	}
	if err := store.RecordCharge(ctx, &storage.Charge{ID: "c2", WalletAddress: "0xdef", Method: domain.PaymentFree}); err != nil {
		t.Fatalf("RecordCharge() error = %v", err)
	}

	list, err := store.ListCharges(ctx, storage.ChargeListOptions{WalletAddress: "0xabc"})
	if err != nil {
		t.Fatalf("ListCharges() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "c1" {
		t.Errorf("ListCharges(wallet) = %v, want [c1]", list)
	}

	if err := store.UpdateChargeStatus(ctx, "c1", storage.ChargeReconciled, ""); err != nil {
		t.Fatalf("UpdateChargeStatus() error = %v", err)
	}
	got, _ := store.GetCharge(ctx, "c1")
	if got.Status != storage.ChargeReconciled {
		t.Errorf("Status = %q, want reconciled", got.Status)
	}

	unsettled, _ := store.ListCharges(ctx, storage.ChargeListOptions{Status: storage.ChargeUnsettled})
	if len(unsettled) != 1 || unsettled[0].ID != "c2" {
		t.Errorf("ListCharges(unsettled) = %v, want [c2]", unsettled)
	}

	if err := store.UpdateChargeStatus(ctx, "nope", storage.ChargeReconciled, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateChargeStatus(missing) error = %v, want ErrNotFound", err)
	}
}
