package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/verigate/internal/fingerprint"
)

func newHashCmd(stdout, _ io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash [record.json]",
		Short: "Compute the verification hash of a stored interaction",
		Long: `Compute the verification hash of an interaction record.

The record is read from the named file, or from stdin when the argument is
omitted or "-". The hash is the SHA-256 of the record's canonical form.

Examples:
  verigate hash message.json
  verigate hash --canonical < message.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			showCanonical, _ := cmd.Flags().GetBool("canonical")
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runHash(cmd, stdout, path, fingerprint.Kind(kind), showCanonical)
		},
	}
	cmd.Flags().String("kind", string(fingerprint.KindChat), "Required-field contract: chat or prompt")
	cmd.Flags().Bool("canonical", false, "Also print the canonical form that is hashed")
	return cmd
}

func runHash(cmd *cobra.Command, stdout io.Writer, path string, kind fingerprint.Kind, showCanonical bool) error {
	switch kind {
	case fingerprint.KindChat, fingerprint.KindPrompt:
	default:
		return fmt.Errorf("invalid --kind %q: must be chat or prompt", kind)
	}

	record, err := readRecord(cmd, path)
	if err != nil {
		return err
	}

	if showCanonical {
		s, err := fingerprint.Canonical(kind, record)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, s)
	}
	hash, err := fingerprint.ComputeHashFor(kind, record)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func readRecord(cmd *cobra.Command, path string) (fingerprint.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return fingerprint.RecordFromJSON(data)
}
