package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies a wallet change.
type EventType string

const (
	AccountsChanged EventType = "accountsChanged"
	ChainChanged    EventType = "chainChanged"
)

// Event is a change observed in the wallet.
type Event struct {
	Type     EventType
	Accounts []common.Address
	ChainID  *big.Int

	// Previous is the primary account before the change, if any.
	Previous common.Address
}

// Source is what the watcher polls. *Provider satisfies it.
type Source interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Watcher polls a wallet and notifies subscribers of account and chain
// changes. JSON-RPC over HTTP has no push channel, so polling stands in for the
// provider's event stream.
type Watcher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	handlers []func(Event)
	accounts []common.Address
	chainID  *big.Int
	primed   bool
}

// NewWatcher creates a watcher polling source every interval.
func NewWatcher(source Source, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{source: source, interval: interval, logger: logger}
}

// Subscribe registers fn for every future event.
func (w *Watcher) Subscribe(fn func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Current returns the last observed primary account.
func (w *Watcher) Current() (common.Address, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.accounts) == 0 {
		return common.Address{}, false
	}
	return w.accounts[0], true
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil {
			w.logger.Debug("wallet poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads the wallet once and dispatches any changes. The first successful
// poll only records the baseline.
func (w *Watcher) Poll(ctx context.Context) error {
	accounts, err := w.source.Accounts(ctx)
	if err != nil {
		return err
	}
	chainID, err := w.source.ChainID(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	var events []Event
	if w.primed {
		if !slices.Equal(w.accounts, accounts) {
			ev := Event{Type: AccountsChanged, Accounts: accounts, ChainID: chainID}
			if len(w.accounts) > 0 {
				ev.Previous = w.accounts[0]
			}
			events = append(events, ev)
		}
		if w.chainID == nil || w.chainID.Cmp(chainID) != 0 {
			ev := Event{Type: ChainChanged, Accounts: accounts, ChainID: chainID}
			if len(w.accounts) > 0 {
				ev.Previous = w.accounts[0]
			}
			events = append(events, ev)
		}
	}
	w.accounts = accounts
	w.chainID = chainID
	w.primed = true
	handlers := slices.Clone(w.handlers)
	w.mu.Unlock()

	for _, ev := range events {
		w.logger.Info("wallet changed",
			slog.String("event", string(ev.Type)),
			slog.String("chain_id", ev.ChainID.String()),
			slog.Int("accounts", len(ev.Accounts)))
		for _, fn := range handlers {
			fn(ev)
		}
	}
	return nil
}
