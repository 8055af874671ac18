package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tjfontaine/verigate/internal/domain"
)

var (
	payer = common.HexToAddress("0x1000000000000000000000000000000000000001")
	addrs = Addresses{
		Payment:      common.HexToAddress("0x2000000000000000000000000000000000000002"),
		TokenPayment: common.HexToAddress("0x3000000000000000000000000000000000000003"),
		Token:        common.HexToAddress("0x4000000000000000000000000000000000000004"),
	}
)

type fakeBackend struct {
	mu       sync.Mutex
	balance  *big.Int
	calls    []ethereum.CallMsg
	results  map[string][]byte
	callErr  error
	receipts []receiptResult
}

type receiptResult struct {
	receipt *types.Receipt
	err     error
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if b.balance == nil {
		return nil, errors.New("node unreachable")
	}
	return b.balance, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if b.callErr != nil {
		return nil, b.callErr
	}
	return b.results[string(call.Data[:4])], nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.receipts) == 0 {
		return nil, ethereum.NotFound
	}
	next := b.receipts[0]
	b.receipts = b.receipts[1:]
	return next.receipt, next.err
}

func (b *fakeBackend) setResult(t *testing.T, parsed abi.ABI, method string, values ...any) {
	t.Helper()
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s outputs: %v", method, err)
	}
	if b.results == nil {
		b.results = make(map[string][]byte)
	}
	b.results[string(parsed.Methods[method].ID)] = out
}

type sentTx struct {
	from, to common.Address
	value    *big.Int
	data     []byte
}

type fakeSender struct {
	sent []sentTx
	err  error
}

func (s *fakeSender) SendTransaction(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if s.err != nil {
		return common.Hash{}, s.err
	}
	s.sent = append(s.sent, sentTx{from, to, value, data})
	return common.BigToHash(big.NewInt(int64(len(s.sent)))), nil
}

func TestContracts_Reads(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(5000)}
	backend.setResult(t, erc20ABI, "balanceOf", big.NewInt(700))
	backend.setResult(t, erc20ABI, "allowance", big.NewInt(0))
	backend.setResult(t, tokenPaymentABI, "paused", true)
	backend.setResult(t, tokenPaymentABI, "pricePerMessage", big.NewInt(100))
	c := New(backend, &fakeSender{}, addrs)
	ctx := context.Background()

	if bal, err := c.NativeBalance(ctx, payer); err != nil || bal.Int64() != 5000 {
		t.Errorf("NativeBalance() = %v, %v", bal, err)
	}
	if bal, err := c.TokenBalance(ctx, payer); err != nil || bal.Int64() != 700 {
		t.Errorf("TokenBalance() = %v, %v", bal, err)
	}
	if paused, err := c.TokenPaymentPaused(ctx); err != nil || !paused {
		t.Errorf("TokenPaymentPaused() = %v, %v", paused, err)
	}
	if price, err := c.PricePerMessage(ctx, domain.PaymentToken); err != nil || price.Int64() != 100 {
		t.Errorf("PricePerMessage() = %v, %v", price, err)
	}

	backend.calls = nil
	if allowance, err := c.TokenAllowance(ctx, payer); err != nil || allowance.Sign() != 0 {
		t.Fatalf("TokenAllowance() = %v, %v", allowance, err)
	}
	call := backend.calls[0]
	if *call.To != addrs.Token {
		t.Errorf("allowance called on %s, want token %s", call.To.Hex(), addrs.Token.Hex())
	}
	args, err := erc20ABI.Methods["allowance"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("unpack allowance args: %v", err)
	}
	if args[0].(common.Address) != payer || args[1].(common.Address) != addrs.TokenPayment {
		t.Errorf("allowance args = %v, want (payer, token payment)", args)
	}
}

func TestContracts_ReadFailuresAreNetworkErrors(t *testing.T) {
	backend := &fakeBackend{callErr: errors.New("connection reset")}
	c := New(backend, &fakeSender{}, addrs)
	ctx := context.Background()

	if _, err := c.NativeBalance(ctx, payer); domain.TypeOf(err) != domain.ErrorTypeNetwork {
		t.Errorf("NativeBalance() error = %v, want network", err)
	}
	if _, err := c.TokenAllowance(ctx, payer); domain.TypeOf(err) != domain.ErrorTypeNetwork {
		t.Errorf("TokenAllowance() error = %v, want network", err)
	}
}

func TestContracts_Transactions(t *testing.T) {
	sender := &fakeSender{}
	c := New(&fakeBackend{}, sender, addrs)
	ctx := context.Background()

	if _, err := c.PayNative(ctx, payer, "session-1", big.NewInt(42)); err != nil {
		t.Fatalf("PayNative() error = %v", err)
	}
	if _, err := c.ApproveToken(ctx, payer, big.NewInt(1000)); err != nil {
		t.Fatalf("ApproveToken() error = %v", err)
	}
	if _, err := c.PayToken(ctx, payer, "session-1"); err != nil {
		t.Fatalf("PayToken() error = %v", err)
	}

	native := sender.sent[0]
	if native.to != addrs.Payment || native.value.Int64() != 42 {
		t.Errorf("PayNative sent %+v", native)
	}
	if !bytes.Equal(native.data[:4], paymentABI.Methods["payForMessage"].ID) {
		t.Error("PayNative did not call payForMessage")
	}
	args, err := paymentABI.Methods["payForMessage"].Inputs.Unpack(native.data[4:])
	if err != nil || args[0].(string) != "session-1" {
		t.Errorf("payForMessage args = %v, %v", args, err)
	}

	approve := sender.sent[1]
	if approve.to != addrs.Token || approve.value != nil {
		t.Errorf("ApproveToken sent %+v", approve)
	}
	args, err = erc20ABI.Methods["approve"].Inputs.Unpack(approve.data[4:])
	if err != nil {
		t.Fatalf("unpack approve args: %v", err)
	}
	if args[0].(common.Address) != addrs.TokenPayment || args[1].(*big.Int).Int64() != 1000 {
		t.Errorf("approve args = %v", args)
	}

	if sender.sent[2].to != addrs.TokenPayment {
		t.Errorf("PayToken sent to %s", sender.sent[2].to.Hex())
	}
}

func TestContracts_WaitMined(t *testing.T) {
	hash := common.HexToHash("0xabc")

	t.Run("included after polling", func(t *testing.T) {
		backend := &fakeBackend{receipts: []receiptResult{
			{err: ethereum.NotFound},
			{err: errors.New("temporary")},
			{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}},
		}}
		c := New(backend, &fakeSender{}, addrs, WithPollInterval(time.Millisecond))

		receipt, err := c.WaitMined(context.Background(), hash)
		if err != nil {
			t.Fatalf("WaitMined() error = %v", err)
		}
		if receipt.TxHash != hash {
			t.Errorf("receipt = %+v", receipt)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		backend := &fakeBackend{receipts: []receiptResult{
			{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash}},
		}}
		c := New(backend, &fakeSender{}, addrs, WithPollInterval(time.Millisecond))

		receipt, err := c.WaitMined(context.Background(), hash)
		if domain.CodeOf(err) != domain.ErrorCodeTxReverted {
			t.Fatalf("WaitMined() error = %v, want tx_reverted", err)
		}
		if receipt == nil {
			t.Error("reverted receipt should still be returned")
		}
		var de *domain.Error
		if errors.As(err, &de) && de.TxHash != hash.Hex() {
			t.Errorf("TxHash = %q, want %q", de.TxHash, hash.Hex())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := New(&fakeBackend{}, &fakeSender{}, addrs,
			WithPollInterval(time.Millisecond), WithMineTimeout(20*time.Millisecond))

		_, err := c.WaitMined(context.Background(), hash)
		if domain.CodeOf(err) != domain.ErrorCodeSettlementTimeout {
			t.Fatalf("WaitMined() error = %v, want settlement_timeout", err)
		}
		if !domain.IsRetryable(err) {
			t.Error("settlement timeout should be retryable")
		}
	})
}
