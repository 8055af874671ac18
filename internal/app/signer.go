package app

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/verigate/internal/domain"
)

// SignerSource reports the backend signing address. *api.Client satisfies it.
type SignerSource interface {
	Signer(ctx context.Context) (string, error)
}

// signerResolver returns the configured signer, or asks the backend once and
// keeps the first valid answer. Failures are not remembered.
type signerResolver struct {
	configured string
	source     SignerSource

	group singleflight.Group
	mu    sync.Mutex
	found string
}

func newSignerResolver(configured string, source SignerSource) *signerResolver {
	return &signerResolver{configured: strings.TrimSpace(configured), source: source}
}

func (r *signerResolver) Resolve(ctx context.Context) (string, error) {
	if r.configured != "" {
		return r.configured, nil
	}

	r.mu.Lock()
	found := r.found
	r.mu.Unlock()
	if found != "" {
		return found, nil
	}

	v, err, _ := r.group.Do("signer", func() (any, error) {
		addr, err := r.source.Signer(ctx)
		if err != nil {
			return "", err
		}
		if !common.IsHexAddress(addr) {
			return "", domain.NewError(domain.ErrorTypeVerification, domain.ErrorCodeOracleUnavailable,
				"backend reported an invalid signer address "+addr)
		}
		addr = common.HexToAddress(addr).Hex()
		r.mu.Lock()
		r.found = addr
		r.mu.Unlock()
		return addr, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
