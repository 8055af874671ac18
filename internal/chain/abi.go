package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// PaymentABI is the native-currency payment contract.
const PaymentABI = `[
	{"type":"function","name":"payForMessage","stateMutability":"payable","inputs":[{"name":"sessionId","type":"string"}],"outputs":[]},
	{"type":"function","name":"pricePerMessage","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"MessagePaid","anonymous":false,"inputs":[{"name":"payer","type":"address","indexed":true},{"name":"sessionId","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// TokenPaymentABI is the ERC-20 payment contract. It pulls the price from the
// payer through a prior allowance.
const TokenPaymentABI = `[
	{"type":"function","name":"payForMessage","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"string"}],"outputs":[]},
	{"type":"function","name":"pricePerMessage","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI is the subset of ERC-20 the client uses.
const ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	paymentABI      = mustParse(PaymentABI)
	tokenPaymentABI = mustParse(TokenPaymentABI)
	erc20ABI        = mustParse(ERC20ABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
