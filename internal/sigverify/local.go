package sigverify

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tjfontaine/verigate/internal/domain"
)

// LocalOracle recovers the signer of an EIP-191 personal-sign signature over
// the raw bytes of the verification hash without contacting the backend.
type LocalOracle struct{}

var _ Oracle = LocalOracle{}

// Verify never returns an error for a malformed signature; it reports it as an
// invalid outcome. Only a malformed hash is an input error.
func (LocalOracle) Verify(_ context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error) {
	digest, err := hexutil.Decode("0x" + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hash)), "0x"))
	if err != nil {
		return nil, domain.ErrInput(domain.ErrorCodeMalformedRecord, "verification hash is not hex").WithCause(err)
	}

	o := &domain.VerificationOutcome{ExpectedAddress: strings.TrimSpace(expected)}

	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return o, nil
	}

	o.IsValid = true
	o.RecoveredAddress = signer.Hex()
	if o.ExpectedAddress != "" {
		o.Match = common.IsHexAddress(o.ExpectedAddress) &&
			common.HexToAddress(o.ExpectedAddress) == signer
	}
	return o, nil
}

// RecoverSigner returns the address that produced an EIP-191 signature over
// message. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(message []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(ensure0x(strings.TrimSpace(signature)))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
