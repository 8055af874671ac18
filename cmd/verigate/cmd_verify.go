package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/verigate/internal/api"
	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/fingerprint"
	"github.com/tjfontaine/verigate/internal/sigverify"
)

type verifyOptions struct {
	hash      string
	signature string
	expected  string
	record    string
	offline   bool
}

type verifyResult struct {
	Status    domain.VerificationStatus   `json:"status"`
	LocalHash string                      `json:"local_hash,omitempty"`
	Outcome   *domain.VerificationOutcome `json:"outcome,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

func newVerifyCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts verifyOptions
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a signed verification hash",
		Long: `Check that a verification hash was signed by the expected backend signer.

With --record the hash is first recomputed from the stored interaction; a
mismatch is reported as invalid-signature without consulting the oracle.
With --offline the signer is recovered locally instead of by the backend.

Exits 1 unless the status is verified.

Examples:
  verigate verify --hash 3f0a... --signature 0x... --expected 0xF1A9...
  verigate verify --record message.json --signature 0x... --offline`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, stdout, stderr, opts)
		},
	}
	cmd.Flags().StringVar(&opts.hash, "hash", "", "Verification hash (hex)")
	cmd.Flags().StringVar(&opts.signature, "signature", "", "Backend signature (hex)")
	cmd.Flags().StringVar(&opts.expected, "expected", "", "Expected signer address (default verification.expected_signer or the backend's)")
	cmd.Flags().StringVar(&opts.record, "record", "", "Interaction record JSON to recompute the hash from")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Recover the signer locally")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func runVerify(cmd *cobra.Command, stdout, stderr io.Writer, opts verifyOptions) error {
	if opts.hash == "" && opts.record == "" {
		return fmt.Errorf("one of --hash or --record is required")
	}
	cfg, logger, err := loadConfig(cmd, stderr)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var res verifyResult
	hash := opts.hash
	if opts.record != "" {
		record, err := readRecord(cmd, opts.record)
		if err != nil {
			return err
		}
		res.LocalHash, err = fingerprint.ComputeHash(record)
		if err != nil {
			return err
		}
		if hash == "" {
			hash = res.LocalHash
		} else if !strings.EqualFold(fingerprint.NormalizeHash(hash), res.LocalHash) {
			res.Status = domain.StatusInvalidSignature
			return printVerify(stdout, res)
		}
	}

	client := api.NewClient(api.WithBaseURL(cfg.Backend.BaseURL), api.WithAPIKey(cfg.Backend.APIKey))
	expected := opts.expected
	if expected == "" {
		expected = cfg.Verification.ExpectedSigner
	}
	if expected == "" {
		if expected, err = client.Signer(ctx); err != nil {
			return fmt.Errorf("resolving expected signer: %w", err)
		}
	}

	var oracle sigverify.Oracle = client
	if opts.offline {
		oracle = sigverify.LocalOracle{}
	}
	verifier := sigverify.New(oracle, sigverify.WithLogger(logger))

	outcome, err := verifier.Verify(ctx, hash, opts.signature, expected)
	res.Status = sigverify.Status(outcome, err)
	res.Outcome = outcome
	if err != nil {
		res.Error = err.Error()
	}
	return printVerify(stdout, res)
}

func printVerify(stdout io.Writer, res verifyResult) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != domain.StatusVerified {
		return errExit
	}
	return nil
}
