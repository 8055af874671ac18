package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/verigate/internal/chain"
	"github.com/tjfontaine/verigate/internal/config"
	"github.com/tjfontaine/verigate/internal/sigverify"
	"github.com/tjfontaine/verigate/internal/storage"
	"github.com/tjfontaine/verigate/internal/wallet"
)

// Option configures an App.
type Option func(*App) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return fmt.Errorf("nil config")
		}
		a.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from path, environment and defaults.
// An empty path reads config.DefaultPath if present.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithStore uses store instead of opening one from config. The caller keeps
// ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) error {
		a.httpClient = client
		return nil
	}
}

// WithOracle replaces the backend signature oracle.
func WithOracle(oracle sigverify.Oracle) Option {
	return func(a *App) error {
		a.oracle = oracle
		return nil
	}
}

// WithOfflineVerification recovers signers locally instead of asking the
// backend.
func WithOfflineVerification() Option {
	return WithOracle(sigverify.LocalOracle{})
}

// WithChain uses node and sender instead of dialing the configured endpoints.
func WithChain(node chain.Backend, sender chain.Sender) Option {
	return func(a *App) error {
		a.node = node
		a.sender = sender
		return nil
	}
}

// WithWalletSource sets what the wallet watcher polls.
func WithWalletSource(source wallet.Source) Option {
	return func(a *App) error {
		a.source = source
		return nil
	}
}
