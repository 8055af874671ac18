package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeSource struct {
	mu       sync.Mutex
	accounts []common.Address
	chainID  int64
	err      error
}

func (s *fakeSource) Accounts(ctx context.Context) ([]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]common.Address(nil), s.accounts...), nil
}

func (s *fakeSource) ChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return big.NewInt(s.chainID), nil
}

func (s *fakeSource) set(chainID int64, accounts ...common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainID = chainID
	s.accounts = accounts
}

func TestWatcher_Poll(t *testing.T) {
	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")

	src := &fakeSource{}
	src.set(1, alice)
	w := NewWatcher(src, time.Second, nil)

	var events []Event
	w.Subscribe(func(ev Event) { events = append(events, ev) })
	ctx := context.Background()

	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("first poll emitted %d events, want baseline only", len(events))
	}
	if cur, ok := w.Current(); !ok || cur != alice {
		t.Errorf("Current() = %s, %v", cur.Hex(), ok)
	}

	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unchanged poll emitted %d events", len(events))
	}

	src.set(1, bob)
	_ = w.Poll(ctx)
	if len(events) != 1 || events[0].Type != AccountsChanged {
		t.Fatalf("events = %+v, want one AccountsChanged", events)
	}
	if events[0].Previous != alice || events[0].Accounts[0] != bob {
		t.Errorf("event = %+v", events[0])
	}

	src.set(137, bob)
	_ = w.Poll(ctx)
	if len(events) != 2 || events[1].Type != ChainChanged || events[1].ChainID.Int64() != 137 {
		t.Fatalf("events = %+v, want ChainChanged to 137", events)
	}

	src.set(137)
	_ = w.Poll(ctx)
	if len(events) != 3 || events[2].Type != AccountsChanged || len(events[2].Accounts) != 0 {
		t.Fatalf("disconnect not reported: %+v", events)
	}
	if _, ok := w.Current(); ok {
		t.Error("Current() should report no account after disconnect")
	}
}

func TestWatcher_PollErrorKeepsState(t *testing.T) {
	alice := common.HexToAddress("0xa1")
	src := &fakeSource{}
	src.set(1, alice)
	w := NewWatcher(src, time.Second, nil)

	var count int
	w.Subscribe(func(Event) { count++ })
	_ = w.Poll(context.Background())

	src.mu.Lock()
	src.err = errors.New("wallet locked")
	src.mu.Unlock()
	if err := w.Poll(context.Background()); err == nil {
		t.Fatal("Poll() should surface source errors")
	}
	if cur, _ := w.Current(); cur != alice || count != 0 {
		t.Errorf("failed poll changed state: current=%s events=%d", cur.Hex(), count)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	src.set(1)
	w := NewWatcher(src, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
