// Package payment establishes the commitment a prompt submission is gated on:
// a free request from the server-side quota, or an on-chain payment in the
// native currency or the payment token.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
)

// DefaultApprovalMultiplier is how many messages one token approval covers.
const DefaultApprovalMultiplier = 10

var tracer = otel.Tracer("github.com/tjfontaine/verigate/internal/payment")

// Chain is the on-chain surface the coordinator pays through.
// *chain.Contracts satisfies it.
type Chain interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenPaymentPaused(ctx context.Context) (bool, error)
	PricePerMessage(ctx context.Context, method domain.PaymentMethod) (*big.Int, error)
	PayNative(ctx context.Context, from common.Address, sessionID string, value *big.Int) (common.Hash, error)
	ApproveToken(ctx context.Context, from common.Address, amount *big.Int) (common.Hash, error)
	PayToken(ctx context.Context, from common.Address, sessionID string) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Quota is the server-side free request counter. *api.Client satisfies it.
// UseFreeRequest reports api.ErrQuotaExhausted when the server refused.
type Quota interface {
	FreeRequests(ctx context.Context, wallet string) (int, error)
	UseFreeRequest(ctx context.Context, wallet string) (int, error)
}

// Request asks for a payment covering one submission.
type Request struct {
	Wallet    string
	SessionID string

	// Method is the requested payment method. Empty uses free quota when
	// available and the default paid method otherwise.
	Method domain.PaymentMethod
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPrice fixes the per-message price of method instead of reading it from
// the contract.
func WithPrice(method domain.PaymentMethod, price *big.Int) Option {
	return func(c *Coordinator) {
		if price != nil {
			c.prices[method] = new(big.Int).Set(price)
		}
	}
}

// WithApprovalMultiplier sets how many messages one token approval covers.
func WithApprovalMultiplier(n int64) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.approvalMultiplier = n
		}
	}
}

// WithDefaultMethod sets the paid method used when free quota is exhausted.
func WithDefaultMethod(method domain.PaymentMethod) Option {
	return func(c *Coordinator) {
		if method.OnChain() {
			c.defaultMethod = method
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// Coordinator resolves and executes the payment for a submission.
// It is safe for concurrent use.
type Coordinator struct {
	chain              Chain
	quota              Quota
	prices             map[domain.PaymentMethod]*big.Int
	approvalMultiplier int64
	defaultMethod      domain.PaymentMethod
	logger             *slog.Logger

	mu      sync.Mutex
	free    map[string]int
	pending map[pendingKey]common.Hash
}

type pendingKey struct {
	wallet    string
	sessionID string
	method    domain.PaymentMethod
}

// New creates a coordinator. chain may be nil when only free requests are used.
func New(chain Chain, quota Quota, opts ...Option) *Coordinator {
	c := &Coordinator{
		chain:              chain,
		quota:              quota,
		prices:             make(map[domain.PaymentMethod]*big.Int),
		approvalMultiplier: DefaultApprovalMultiplier,
		defaultMethod:      domain.PaymentETH,
		logger:             slog.Default(),
		free:               make(map[string]int),
		pending:            make(map[pendingKey]common.Hash),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FreeRemaining returns the last quota value the server reported for wallet.
func (c *Coordinator) FreeRemaining(wallet string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.free[walletKey(wallet)]
	return n, ok
}

// RefreshQuota asks the server for wallet's remaining free requests and
// mirrors the answer.
func (c *Coordinator) RefreshQuota(ctx context.Context, wallet string) (int, error) {
	n, err := c.quota.FreeRequests(ctx, wallet)
	if err != nil {
		return 0, err
	}
	c.mirror(wallet, n)
	return n, nil
}

// Forget drops all state scoped to wallet. It is called when the wallet's
// account changes.
func (c *Coordinator) Forget(wallet string) {
	key := walletKey(wallet)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.free, key)
	for k := range c.pending {
		if k.wallet == key {
			delete(c.pending, k)
		}
	}
}

// Pay establishes the payment for req. A payment whose transaction was
// broadcast but not seen mined is resumed by waiting on the same transaction
// rather than paying again.
func (c *Coordinator) Pay(ctx context.Context, req Request) (*domain.PaymentSession, error) {
	ctx, span := tracer.Start(ctx, "payment.Pay")
	defer span.End()

	sess, err := c.pay(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("payment.method", string(sess.Method)),
		attribute.String("payment.tx_hash", sess.TxHash),
	)
	return sess, nil
}

func (c *Coordinator) pay(ctx context.Context, req Request) (*domain.PaymentSession, error) {
	if !common.IsHexAddress(req.Wallet) {
		return nil, domain.ErrInput(domain.ErrorCodeWalletNotConnected, "a connected wallet address is required")
	}
	if req.SessionID == "" {
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, "session id is required")
	}

	method := req.Method
	switch method {
	case "", domain.PaymentFree:
		sess, err := c.payFree(ctx, req)
		if err == nil {
			return sess, nil
		}
		if method == domain.PaymentFree || domain.CodeOf(err) != domain.ErrorCodeQuotaExhausted {
			return nil, err
		}
		method = c.defaultMethod
	case domain.PaymentETH, domain.PaymentToken:
	default:
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, fmt.Sprintf("unknown payment method %q", method))
	}

	if c.chain == nil {
		return nil, domain.ErrInput(domain.ErrorCodeWalletNotConnected, "on-chain payments are not configured")
	}

	from := common.HexToAddress(req.Wallet)
	key := pendingKey{wallet: walletKey(req.Wallet), sessionID: req.SessionID, method: method}
	if hash, ok := c.pendingTx(key); ok {
		c.logger.Info("resuming wait for broadcast payment",
			slog.String("session_id", req.SessionID),
			slog.String("tx_hash", hash.Hex()))
		return c.settle(ctx, key, req.SessionID, method, hash)
	}

	var (
		hash common.Hash
		err  error
	)
	switch method {
	case domain.PaymentETH:
		hash, err = c.sendNative(ctx, from, req.SessionID)
	case domain.PaymentToken:
		hash, err = c.sendToken(ctx, from, req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[key] = hash
	c.mu.Unlock()
	return c.settle(ctx, key, req.SessionID, method, hash)
}

func (c *Coordinator) payFree(ctx context.Context, req Request) (*domain.PaymentSession, error) {
	remaining, err := c.quota.FreeRequests(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	c.mirror(req.Wallet, remaining)
	if remaining <= 0 {
		return nil, domain.ErrInput(domain.ErrorCodeQuotaExhausted, "no free requests remaining")
	}

	left, err := c.quota.UseFreeRequest(ctx, req.Wallet)
	if err != nil {
		if errors.Is(err, api.ErrQuotaExhausted) {
			c.mirror(req.Wallet, left)
			return nil, domain.ErrInput(domain.ErrorCodeQuotaExhausted, "no free requests remaining").WithCause(err)
		}
		return nil, err
	}
	c.mirror(req.Wallet, left)

	c.logger.Debug("free request consumed",
		slog.String("session_id", req.SessionID),
		slog.Int("remaining", left))
	return &domain.PaymentSession{
		SessionID:     req.SessionID,
		Method:        domain.PaymentFree,
		RemainingFree: &left,
	}, nil
}

func (c *Coordinator) sendNative(ctx context.Context, from common.Address, sessionID string) (common.Hash, error) {
	price, err := c.price(ctx, domain.PaymentETH)
	if err != nil {
		return common.Hash{}, err
	}
	balance, err := c.chain.NativeBalance(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	if balance.Cmp(price) < 0 {
		return common.Hash{}, domain.ErrSettlement(domain.ErrorCodeInsufficientFunds,
			fmt.Sprintf("balance %s is below the message price %s", balance, price))
	}
	return c.chain.PayNative(ctx, from, sessionID, price)
}

func (c *Coordinator) sendToken(ctx context.Context, from common.Address, sessionID string) (common.Hash, error) {
	paused, err := c.chain.TokenPaymentPaused(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if paused {
		return common.Hash{}, domain.ErrSettlement(domain.ErrorCodeContractPaused,
			"token payments are paused")
	}

	price, err := c.price(ctx, domain.PaymentToken)
	if err != nil {
		return common.Hash{}, err
	}
	balance, err := c.chain.TokenBalance(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	if balance.Cmp(price) < 0 {
		return common.Hash{}, domain.ErrSettlement(domain.ErrorCodeInsufficientFunds,
			fmt.Sprintf("token balance %s is below the message price %s", balance, price))
	}

	allowance, err := c.chain.TokenAllowance(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	if allowance.Cmp(price) < 0 {
		amount := new(big.Int).Mul(price, big.NewInt(c.approvalMultiplier))
		approval, err := c.chain.ApproveToken(ctx, from, amount)
		if err != nil {
			return common.Hash{}, err
		}
		c.logger.Info("token approval broadcast",
			slog.String("wallet", from.Hex()),
			slog.String("amount", amount.String()),
			slog.String("tx_hash", approval.Hex()))
		if _, err := c.chain.WaitMined(ctx, approval); err != nil {
			return common.Hash{}, err
		}
	}

	return c.chain.PayToken(ctx, from, sessionID)
}

// settle waits for hash. The pending entry is kept only while the outcome is
// unknown.
func (c *Coordinator) settle(ctx context.Context, key pendingKey, sessionID string, method domain.PaymentMethod, hash common.Hash) (*domain.PaymentSession, error) {
	_, err := c.chain.WaitMined(ctx, hash)
	if err != nil && domain.CodeOf(err) == domain.ErrorCodeSettlementTimeout {
		return nil, err
	}

	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()

	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) && de.Type == domain.ErrorTypeSettlement {
			de.SessionID = sessionID
		}
		c.logger.Warn("payment transaction failed",
			slog.String("session_id", sessionID),
			slog.String("tx_hash", hash.Hex()),
			slog.String("error", err.Error()))
		return nil, err
	}

	return &domain.PaymentSession{
		SessionID: sessionID,
		Method:    method,
		TxHash:    hash.Hex(),
	}, nil
}

func (c *Coordinator) price(ctx context.Context, method domain.PaymentMethod) (*big.Int, error) {
	if p, ok := c.prices[method]; ok {
		return new(big.Int).Set(p), nil
	}
	return c.chain.PricePerMessage(ctx, method)
}

func (c *Coordinator) pendingTx(key pendingKey) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.pending[key]
	return h, ok
}

func (c *Coordinator) mirror(wallet string, n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.free[walletKey(wallet)] = n
	c.mu.Unlock()
}

func walletKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
