// Package wallet talks to the user's wallet over JSON-RPC. The wallet holds
// the keys and signs; this package only requests accounts and transactions and
// classifies the wallet's answers.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tjfontaine/verigate/internal/domain"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected = 4001
	CodeUnauthorized = 4100
)

var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"request rejected",
}

// Provider is a JSON-RPC wallet provider.
type Provider struct {
	client *rpc.Client
	logger *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider wraps an RPC client.
func NewProvider(client *rpc.Client, opts ...Option) *Provider {
	p := &Provider{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial connects to a wallet endpoint.
func Dial(ctx context.Context, rawurl string, opts ...Option) (*Provider, error) {
	client, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, domain.ErrNetwork("failed to dial wallet", err)
	}
	return NewProvider(client, opts...), nil
}

// Close releases the connection.
func (p *Provider) Close() {
	p.client.Close()
}

// RequestAccounts asks the user to expose their accounts.
func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, Classify("eth_requestAccounts", err)
	}
	return accounts, nil
}

// Accounts returns the accounts already exposed, without prompting.
func (p *Provider) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, Classify("eth_accounts", err)
	}
	return accounts, nil
}

// ChainID returns the wallet's current chain.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, Classify("eth_chainId", err)
	}
	return id.ToInt(), nil
}

type txArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

// SendTransaction asks the wallet to sign and broadcast a transaction.
func (p *Provider) SendTransaction(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	args := txArgs{From: from, To: to, Data: data}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	var hash common.Hash
	if err := p.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, Classify("eth_sendTransaction", err)
	}

	p.logger.Info("transaction broadcast",
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.String("tx_hash", hash.Hex()))
	return hash, nil
}

// Classify turns a wallet failure into a pipeline error: explicit user
// rejections are user_declined, everything else is a retryable network error.
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeUserRejected:
			return domain.ErrUserDeclined("request rejected in wallet", err)
		case CodeUnauthorized:
			return domain.NewError(domain.ErrorTypeUserDeclined, domain.ErrorCodeWalletNotConnected,
				"wallet has not authorized this account").WithCause(err)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range rejectionPhrases {
		if strings.Contains(msg, phrase) {
			return domain.ErrUserDeclined("request rejected in wallet", err)
		}
	}

	return domain.ErrNetwork(fmt.Sprintf("wallet %s failed", method), err)
}
