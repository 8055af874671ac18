// Package verigate is the public API for embedding the verification-gated
// submission client and for checking stored interactions offline.
package verigate

import (
	"github.com/tjfontaine/verigate/internal/app"
	"github.com/tjfontaine/verigate/internal/fingerprint"
	"github.com/tjfontaine/verigate/internal/sigverify"
)

// App runs the submission pipeline and its local HTTP API.
// See internal/app.App for full documentation.
type App = app.App

// Option is a functional option for configuring an App.
type Option = app.Option

// New creates an App with the given options.
// Example:
//
//	a, err := verigate.New(
//	    verigate.WithConfigFile("verigate.yaml"),
//	    verigate.WithLogger(logger),
//	)
var New = app.New

// Configuration options
var (
	WithConfig     = app.WithConfig
	WithConfigFile = app.WithConfigFile
	WithLogger     = app.WithLogger
	WithStore      = app.WithStore
	WithHTTPClient = app.WithHTTPClient

	// Verification
	WithOracle              = app.WithOracle
	WithOfflineVerification = app.WithOfflineVerification

	// Chain and wallet
	WithChain        = app.WithChain
	WithWalletSource = app.WithWalletSource
)

// Record is the verification record of one assistant response.
type Record = fingerprint.Record

// Interaction is the typed form of a Record.
type Interaction = fingerprint.Interaction

// Offline verification
var (
	// RecordFromJSON decodes a record as the backend stores it.
	RecordFromJSON = fingerprint.RecordFromJSON

	// ComputeHash returns the verification hash of a chat record.
	ComputeHash = fingerprint.ComputeHash

	// VerifyHash recomputes a record's hash and compares it with the claimed one.
	VerifyHash = fingerprint.VerifyHash

	// RecoverSigner recovers the address behind an EIP-191 signature.
	RecoverSigner = sigverify.RecoverSigner
)
