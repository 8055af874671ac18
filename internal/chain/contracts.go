// Package chain is the on-chain surface of the payment flow: balance and
// allowance reads, payment and approval transactions, and receipt polling.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tjfontaine/verigate/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMineTimeout  = 3 * time.Minute
)

// Backend is the node access the contracts need. *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Sender broadcasts a transaction through the user's wallet, which signs it.
type Sender interface {
	SendTransaction(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (common.Hash, error)
}

// Addresses locates the deployed contracts.
type Addresses struct {
	Payment      common.Address
	TokenPayment common.Address
	Token        common.Address
}

// Option configures Contracts.
type Option func(*Contracts)

// WithPollInterval sets how often WaitMined asks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Contracts) {
		c.pollInterval = d
	}
}

// WithMineTimeout bounds WaitMined.
func WithMineTimeout(d time.Duration) Option {
	return func(c *Contracts) {
		c.mineTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Contracts) {
		c.logger = logger
	}
}

// Contracts binds the payment contracts to a node and a wallet.
type Contracts struct {
	backend      Backend
	sender       Sender
	addrs        Addresses
	pollInterval time.Duration
	mineTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a contract binding.
func New(backend Backend, sender Sender, addrs Addresses, opts ...Option) *Contracts {
	c := &Contracts{
		backend:      backend,
		sender:       sender,
		addrs:        addrs,
		pollInterval: defaultPollInterval,
		mineTimeout:  defaultMineTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a node over rawurl.
func Dial(ctx context.Context, rawurl string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, domain.ErrNetwork("failed to dial node", err)
	}
	return client, nil
}

// Addresses returns the bound contract addresses.
func (c *Contracts) Addresses() Addresses {
	return c.addrs
}

// NativeBalance returns the account's balance in wei.
func (c *Contracts) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, domain.ErrNetwork("failed to read balance", err)
	}
	return bal, nil
}

// TokenBalance returns the account's payment token balance.
func (c *Contracts) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, erc20ABI, c.addrs.Token, "balanceOf", account)
}

// TokenAllowance returns what the token payment contract may pull from owner.
func (c *Contracts) TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, erc20ABI, c.addrs.Token, "allowance", owner, c.addrs.TokenPayment)
}

// TokenPaymentPaused reports whether the token payment contract is paused.
func (c *Contracts) TokenPaymentPaused(ctx context.Context) (bool, error) {
	out, err := c.call(ctx, tokenPaymentABI, c.addrs.TokenPayment, "paused")
	if err != nil {
		return false, err
	}
	paused, ok := out[0].(bool)
	if !ok {
		return false, domain.ErrNetwork("unexpected paused() result", fmt.Errorf("got %T", out[0]))
	}
	return paused, nil
}

// PricePerMessage reads the on-chain price for method.
func (c *Contracts) PricePerMessage(ctx context.Context, method domain.PaymentMethod) (*big.Int, error) {
	switch method {
	case domain.PaymentETH:
		return c.callUint(ctx, paymentABI, c.addrs.Payment, "pricePerMessage")
	case domain.PaymentToken:
		return c.callUint(ctx, tokenPaymentABI, c.addrs.TokenPayment, "pricePerMessage")
	}
	return nil, fmt.Errorf("no on-chain price for method %q", method)
}

// PayNative sends value wei to the payment contract for sessionID.
func (c *Contracts) PayNative(ctx context.Context, from common.Address, sessionID string, value *big.Int) (common.Hash, error) {
	data, err := paymentABI.Pack("payForMessage", sessionID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack payForMessage: %w", err)
	}
	return c.sender.SendTransaction(ctx, from, c.addrs.Payment, value, data)
}

// ApproveToken lets the token payment contract pull amount from from.
func (c *Contracts) ApproveToken(ctx context.Context, from common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", c.addrs.TokenPayment, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return c.sender.SendTransaction(ctx, from, c.addrs.Token, nil, data)
}

// PayToken pays for sessionID with the payment token.
func (c *Contracts) PayToken(ctx context.Context, from common.Address, sessionID string) (common.Hash, error) {
	data, err := tokenPaymentABI.Pack("payForMessage", sessionID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack payForMessage: %w", err)
	}
	return c.sender.SendTransaction(ctx, from, c.addrs.TokenPayment, nil, data)
}

// WaitMined polls for the receipt of hash. A receipt with failed status is
// returned together with a settlement error; running out of time is a
// settlement timeout.
func (c *Contracts) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.mineTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, domain.ErrSettlement(domain.ErrorCodeTxReverted,
					"transaction reverted").WithCharge("", hash.Hex())
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		default:
			c.logger.Debug("receipt lookup failed",
				slog.String("tx_hash", hash.Hex()),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, domain.ErrSettlement(domain.ErrorCodeSettlementTimeout,
				"transaction not included in time").WithCharge("", hash.Hex()).WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Contracts) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, domain.ErrNetwork(fmt.Sprintf("%s call failed", method), err)
	}

	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, domain.ErrNetwork(fmt.Sprintf("failed to unpack %s", method), err)
	}
	if len(out) == 0 {
		return nil, domain.ErrNetwork(fmt.Sprintf("%s returned nothing", method), nil)
	}
	return out, nil
}

func (c *Contracts) callUint(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, parsed, to, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, domain.ErrNetwork(fmt.Sprintf("unexpected %s result", method), fmt.Errorf("got %T", out[0]))
	}
	return n, nil
}
