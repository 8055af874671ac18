// Package app wires configuration, storage, the backend client, the chain and
// wallet, and the submission pipeline into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/chain"
	"github.com/tjfontaine/verigate/internal/config"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/payment"
	"github.com/tjfontaine/verigate/internal/server"
	"github.com/tjfontaine/verigate/internal/sigverify"
	"github.com/tjfontaine/verigate/internal/storage"
	"github.com/tjfontaine/verigate/internal/storage/memory"
	"github.com/tjfontaine/verigate/internal/storage/sqlite"
	"github.com/tjfontaine/verigate/internal/submission"
	"github.com/tjfontaine/verigate/internal/tokens"
	"github.com/tjfontaine/verigate/internal/transcript"
	"github.com/tjfontaine/verigate/internal/wallet"
)

// App owns every long-lived component of a verigate process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Injected through options; built from config when nil.
	store      storage.Store
	httpClient *http.Client
	oracle     sigverify.Oracle
	node       chain.Backend
	sender     chain.Sender
	source     wallet.Source

	backend  *api.Client
	verifier *sigverify.Verifier
	payments *payment.Coordinator
	machine  *submission.Machine
	watcher  *wallet.Watcher
	server   *server.Server
	signer   *signerResolver

	closers []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New builds the components. Nothing is started and no network call is made.
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.cfg == nil {
		return nil, errors.New("config required (use WithConfig or WithConfigFile)")
	}

	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if a.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() {
			if err := store.Close(); err != nil {
				a.logger.Error("failed to close storage", slog.String("error", err.Error()))
			}
		})
	}

	httpClient := a.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   config.Duration(cfg.Backend.Timeout, 120*time.Second),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	a.backend = api.NewClient(
		api.WithBaseURL(cfg.Backend.BaseURL),
		api.WithAPIKey(cfg.Backend.APIKey),
		api.WithHTTPClient(httpClient),
	)

	oracle := a.oracle
	if oracle == nil {
		oracle = a.backend
	}
	a.verifier = sigverify.New(oracle,
		sigverify.WithStore(a.store),
		sigverify.WithTTL(config.Duration(cfg.Verification.CacheTTL, sigverify.DefaultTTL)),
		sigverify.WithRetryDelay(config.Duration(cfg.Verification.RetryDelay, sigverify.DefaultRetryDelay)),
		sigverify.WithLogger(a.logger),
	)
	a.signer = newSignerResolver(cfg.Verification.ExpectedSigner, a.backend)

	payments, err := a.buildPayments()
	if err != nil {
		return err
	}
	a.payments = payments

	budget := tokens.NewBudget(tokens.NewCounter(cfg.Submission.Encoding), cfg.Submission.MaxPromptTokens, a.logger)
	a.machine = submission.New(a.payments, a.backend, a.verifier, transcript.NewLog(),
		submission.WithBudget(budget),
		submission.WithSessionStore(a.store),
		submission.WithChargeStore(a.store),
		submission.WithExpectedSigner(a.signer.Resolve),
		submission.WithLogger(a.logger),
	)

	if a.source != nil {
		a.watcher = wallet.NewWatcher(a.source, config.Duration(cfg.Wallet.PollInterval, 5*time.Second), a.logger)
		a.watcher.Subscribe(a.onWalletEvent)
	}

	a.server = server.New(cfg.Server.Port, config.Duration(cfg.Server.RequestTimeout, 5*time.Minute), a.logger)
	server.NewHandler(a.machine, a.backend, a.verifier, a.payments, a.logger).Routes(a.server.Router)
	return nil
}

// buildPayments binds the contracts when a node is configured. Without one
// only free requests can be paid.
func (a *App) buildPayments() (*payment.Coordinator, error) {
	cfg := a.cfg

	opts := []payment.Option{
		payment.WithDefaultMethod(cfg.PaymentMethod()),
		payment.WithLogger(a.logger),
	}
	if cfg.Payment.ApprovalMultiplier > 0 {
		opts = append(opts, payment.WithApprovalMultiplier(cfg.Payment.ApprovalMultiplier))
	}
	native, err := config.ParseAmount(cfg.Payment.NativePrice)
	if err != nil {
		return nil, err
	}
	if native != nil {
		opts = append(opts, payment.WithPrice(domain.PaymentETH, native))
	}
	token, err := config.ParseAmount(cfg.Payment.TokenPrice)
	if err != nil {
		return nil, err
	}
	if token != nil {
		opts = append(opts, payment.WithPrice(domain.PaymentToken, token))
	}

	if err := a.dialChain(); err != nil {
		return nil, err
	}

	var ch payment.Chain
	if a.node != nil && a.sender != nil {
		ch = chain.New(a.node, a.sender, chain.Addresses{
			Payment:      common.HexToAddress(cfg.Chain.PaymentContract),
			TokenPayment: common.HexToAddress(cfg.Chain.TokenPaymentContract),
			Token:        common.HexToAddress(cfg.Chain.TokenContract),
		},
			chain.WithPollInterval(config.Duration(cfg.Chain.PollInterval, 2*time.Second)),
			chain.WithMineTimeout(config.Duration(cfg.Chain.MineTimeout, 3*time.Minute)),
			chain.WithLogger(a.logger),
		)
	} else {
		a.logger.Info("no chain configured, only free requests can be paid")
	}
	return payment.New(ch, a.backend, opts...), nil
}

// dialChain connects the node and the wallet. The wallet endpoint defaults to
// the node, which suits development nodes with unlocked accounts.
func (a *App) dialChain() error {
	cfg := a.cfg
	ctx := context.Background()

	if a.node == nil && cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		a.node = client
		a.closers = append(a.closers, client.Close)
	}

	walletURL := cfg.Wallet.RPCURL
	if walletURL == "" {
		walletURL = cfg.Chain.RPCURL
	}
	if a.sender == nil && walletURL != "" {
		provider, err := wallet.Dial(ctx, walletURL, wallet.WithLogger(a.logger))
		if err != nil {
			return err
		}
		a.sender = provider
		if a.source == nil {
			a.source = provider
		}
		a.closers = append(a.closers, provider.Close)
	}
	return nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// onWalletEvent drops everything scoped to the previous account or chain.
func (a *App) onWalletEvent(ev wallet.Event) {
	prev := ev.Previous
	a.logger.Info("wallet changed, resetting session",
		slog.String("event", string(ev.Type)),
		slog.String("previous", prev.Hex()))

	if prev != (common.Address{}) {
		a.payments.Forget(prev.Hex())
	}
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	a.machine.ResetSession(ctx)
}

// Start restores the saved selection and starts the wallet watcher and the
// HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.machine.Restore(a.ctx); err != nil {
		a.logger.Warn("failed to restore session selection", slog.String("error", err.Error()))
	}
	if model := a.cfg.Submission.DefaultModel; model != "" && a.machine.Snapshot().Model == "" {
		a.machine.SelectModel(a.ctx, model)
	}

	if a.watcher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.watcher.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("wallet watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(); err != nil {
			a.logger.Error("server failed", slog.String("error", err.Error()))
		}
	}()

	a.logger.Info("verigate started",
		slog.Int("port", a.cfg.Server.Port),
		slog.String("backend", a.backend.BaseURL()),
		slog.Bool("chain", a.node != nil),
		slog.Bool("wallet", a.source != nil))
	return nil
}

// Shutdown stops the server and watcher and releases resources. A submission
// still in flight completes its side effects but its result is not applied.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down")
	a.machine.Detach()

	var err error
	if a.server != nil {
		if serr := a.server.Shutdown(ctx); serr != nil {
			a.logger.Error("failed to shutdown server", slog.String("error", serr.Error()))
			err = serr
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.close()

	a.logger.Info("shutdown complete")
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Backend returns the backend client.
func (a *App) Backend() *api.Client { return a.backend }

// Verifier returns the signature verifier.
func (a *App) Verifier() *sigverify.Verifier { return a.verifier }

// Payments returns the payment coordinator.
func (a *App) Payments() *payment.Coordinator { return a.payments }

// Machine returns the submission state machine.
func (a *App) Machine() *submission.Machine { return a.machine }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.server.Router }

// ExpectedSigner resolves the backend signer address.
func (a *App) ExpectedSigner(ctx context.Context) (string, error) {
	return a.signer.Resolve(ctx)
}
