package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/storage"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	// Use in-memory SQLite with shared cache for testing
	store, err := New("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Verification(t *testing.T) {
	store := newTestStore(t, "verif1")
	ctx := context.Background()

	if _, err := store.GetVerification(ctx, "abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetVerification() error = %v, want ErrNotFound", err)
	}

	rec := &storage.VerificationRecord{
		Hash:      "abc",
		Signature: "0xsig",
		Outcome: domain.VerificationOutcome{
			IsValid:          true,
			RecoveredAddress: "0x1111111111111111111111111111111111111111",
			ExpectedAddress:  "0x1111111111111111111111111111111111111111",
			Match:            true,
		},
	}
	if err := store.SaveVerification(ctx, rec); err != nil {
		t.Fatalf("SaveVerification() error = %v", err)
	}

	got, err := store.GetVerification(ctx, "abc")
	if err != nil {
		t.Fatalf("GetVerification() error = %v", err)
	}
	if got.Signature != "0xsig" {
		t.Errorf("Signature = %q, want 0xsig", got.Signature)
	}
	if got.Outcome != rec.Outcome {
		t.Errorf("Outcome = %+v, want %+v", got.Outcome, rec.Outcome)
	}

	rec.Signature = "0xother"
	if err := store.SaveVerification(ctx, rec); err != nil {
		t.Fatalf("SaveVerification() overwrite error = %v", err)
	}
	got, _ = store.GetVerification(ctx, "abc")
	if got.Signature != "0xother" {
		t.Errorf("Signature after overwrite = %q, want 0xother", got.Signature)
	}
}

func TestSQLiteStore_VerificationSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verigate.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec := &storage.VerificationRecord{
		Hash:      "deadbeef",
		Signature: "0xsig",
		Outcome:   domain.VerificationOutcome{IsValid: true, Match: true},
	}
	if err := store.SaveVerification(ctx, rec); err != nil {
		t.Fatalf("SaveVerification() error = %v", err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetVerification(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetVerification() after reopen error = %v", err)
	}
	if !got.Outcome.IsValid {
		t.Error("outcome lost across reopen")
	}
}

func TestSQLiteStore_Selection(t *testing.T) {
	store := newTestStore(t, "sel1")
	ctx := context.Background()

	if _, err := store.GetSelection(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetSelection() error = %v, want ErrNotFound", err)
	}

	first := &storage.Selection{WalletAddress: "0xabc", SessionID: "s1", ModelID: "m1"}
	if err := store.SetSelection(ctx, first); err != nil {
		t.Fatalf("SetSelection() error = %v", err)
	}
	second := &storage.Selection{WalletAddress: "0xabc", SessionID: "s2", ModelID: "m2"}
	if err := store.SetSelection(ctx, second); err != nil {
		t.Fatalf("SetSelection() error = %v", err)
	}

	got, err := store.GetSelection(ctx)
	if err != nil {
		t.Fatalf("GetSelection() error = %v", err)
	}
	if got.SessionID != "s2" || got.ModelID != "m2" {
		t.Errorf("GetSelection() = %+v, want session s2 model m2", got)
	}

	if err := store.ClearSelection(ctx); err != nil {
		t.Fatalf("ClearSelection() error = %v", err)
	}
	if _, err := store.GetSelection(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSelection() after clear error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Charges(t *testing.T) {
	store := newTestStore(t, "charges1")
	ctx := context.Background()

	charges := []*storage.Charge{
		{ID: "c1", WalletAddress: "0xAbC", SessionID: "s1", Method: domain.PaymentETH, TxHash: "0x01", ModelID: "m", Prompt: "p1", Error: "502"},
		{ID: "c2", WalletAddress: "0xdef", SessionID: "s2", Method: domain.PaymentFree, ModelID: "m", Prompt: "p2"},
	}
	for _, c := range charges {
		if err := store.RecordCharge(ctx, c); err != nil {
			t.Fatalf("RecordCharge() error = %v", err)
		}
	}

	got, err := store.GetCharge(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCharge() error = %v", err)
	}
	if got.Status != storage.ChargeUnsettled {
		t.Errorf("Status = %q, want unsettled", got.Status)
	}
	if got.Method != domain.PaymentETH || got.TxHash != "0x01" || got.Error != "502" {
		t.Errorf("GetCharge() = %+v", got)
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
	unsettled, err := store.ListCharges(ctx, storage.ChargeListOptions{Status: storage.ChargeUnsettled})
	if err != nil {
		t.Fatalf("ListCharges(status) error = %v", err)
	}
	if len(unsettled) != 1 || unsettled[0].ID != "c2" {
		t.Errorf("ListCharges(unsettled) = %v, want [c2]", unsettled)
	}

	if err := store.UpdateChargeStatus(ctx, "missing", storage.ChargeReconciled, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateChargeStatus(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetCharge(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCharge(missing) error = %v, want ErrNotFound", err)
	}
}
