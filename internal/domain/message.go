package domain

import (
	"encoding/json"
	"strings"
)

// MetadataKind discriminates assistant message metadata.
type MetadataKind string

const (
	// MetadataUnsigned carries no verification material.
	MetadataUnsigned MetadataKind = "unsigned"

	// MetadataSigned carries a verification hash and signature.
	MetadataSigned MetadataKind = "signed"
)

// MessageMetadata is the single resolved form of a message's verification
// data. The backend places hash and signature either at the top level of a
// message or nested under its metadata object; ResolveMetadata collapses both
// shapes at the boundary so nothing downstream looks in two places.
type MessageMetadata struct {
	Kind MetadataKind `json:"kind"`

	VerificationHash string `json:"verification_hash,omitempty"`
	Signature        string `json:"signature,omitempty"`
	TransactionHash  string `json:"transaction_hash,omitempty"`
	IPFSCID          string `json:"ipfs_cid,omitempty"`

	// Fields raw carries every other key of the metadata object untouched, so
	// the verification record can be rebuilt from what the backend returned.
	Fields map[string]json.RawMessage `json:"-"`
}

// Signed reports whether the metadata can be verified.
func (m MessageMetadata) Signed() bool {
	return m.Kind == MetadataSigned
}

// RawMessage is a backend message before metadata resolution.
type RawMessage struct {
	VerificationHash string                     `json:"verification_hash,omitempty"`
	Signature        string                     `json:"signature,omitempty"`
	TransactionHash  string                     `json:"transaction_hash,omitempty"`
	IPFSCID          string                     `json:"ipfs_cid,omitempty"`
	Metadata         map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ResolveMetadata merges top-level and nested verification fields. Top-level
// values win when both are present.
func ResolveMetadata(raw RawMessage) MessageMetadata {
	md := MessageMetadata{
		VerificationHash: raw.VerificationHash,
		Signature:        raw.Signature,
		TransactionHash:  raw.TransactionHash,
		IPFSCID:          raw.IPFSCID,
		Fields:           make(map[string]json.RawMessage, len(raw.Metadata)),
	}

	for k, v := range raw.Metadata {
		switch k {
		case "verification_hash":
			fill(&md.VerificationHash, v)
		case "signature":
			fill(&md.Signature, v)
		case "transaction_hash":
			fill(&md.TransactionHash, v)
		case "ipfs_cid":
			fill(&md.IPFSCID, v)
		default:
			md.Fields[k] = v
		}
	}

	md.Kind = MetadataUnsigned
	if strings.TrimSpace(md.VerificationHash) != "" && strings.TrimSpace(md.Signature) != "" {
		md.Kind = MetadataSigned
	}
	return md
}

func fill(dst *string, raw json.RawMessage) {
	if *dst != "" {
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*dst = s
	}
}
