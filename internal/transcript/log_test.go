package transcript

import (
	"errors"
	"testing"

	"github.com/tjfontaine/verigate/internal/domain"
)

func TestPending_Rollback(t *testing.T) {
	l := NewLog()
	l.Add(Entry{Role: RoleAssistant, Content: "earlier answer"})

	p := l.Append(RoleUser, "hello")
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if e, _ := l.Get(p.ID()); e.Status != StatusPending {
		t.Errorf("Status = %q, want pending", e.Status)
	}

	p.Rollback()
	if l.Len() != 1 {
		t.Fatalf("Len() after rollback = %d, want 1", l.Len())
	}
	if _, ok := l.Get(p.ID()); ok {
		t.Error("rolled back entry still present")
	}

	p.Commit()
	if l.Len() != 1 {
		t.Error("Commit after Rollback resurrected the entry")
	}
}

func TestPending_FailThenCommit(t *testing.T) {
	l := NewLog()
	p := l.Append(RoleUser, "hello")

	p.MarkFailed(errors.New("rpc unavailable"))
	e, _ := l.Get(p.ID())
	if e.Status != StatusFailed || e.Error != "rpc unavailable" {
		t.Fatalf("entry = %+v, want failed with error", e)
	}

	p.Commit()
	e, _ = l.Get(p.ID())
	if e.Status != StatusCommitted || e.Error != "" {
		t.Errorf("entry = %+v, want committed without error", e)
	}

	p.Rollback()
	if l.Len() != 1 {
		t.Error("Rollback after Commit removed the entry")
	}
}

func TestPending_FailThenRollback(t *testing.T) {
	l := NewLog()
	p := l.Append(RoleUser, "hello")
	p.MarkFailed(errors.New("timeout"))
	p.Rollback()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestLog_EntriesIsSnapshot(t *testing.T) {
	l := NewLog()
	id := l.Add(Entry{Role: RoleAssistant, Content: "answer"})

	snap := l.Entries()
	snap[0].Content = "changed"
	if e, _ := l.Get(id); e.Content != "answer" {
		t.Error("Entries() exposed internal state")
	}

	if !l.SetVerification(id, domain.StatusVerified) {
		t.Fatal("SetVerification() = false")
	}
	if e, _ := l.Get(id); e.Verification != domain.StatusVerified {
		t.Errorf("Verification = %q", e.Verification)
	}
	if l.SetVerification("missing", domain.StatusVerified) {
		t.Error("SetVerification() on unknown id = true")
	}

	l.Reset()
	if l.Len() != 0 {
		t.Error("Reset() left entries")
	}
}
