package verigate_test

import (
	"testing"

	"github.com/tjfontaine/verigate/pkg/verigate"
)

func TestComputeHashThroughFacade(t *testing.T) {
	temp, tokens := 0.7, 256.0
	in := verigate.Interaction{
		Prompt:      "What is 2+2?",
		Response:    "4",
		ModelName:   "Mixtral 8x7B",
		ModelID:     "mistralai/Mixtral-8x7B-Instruct-v0.1",
		Temperature: &temp,
		MaxTokens:   &tokens,
	}
	rec := in.Record()
	rec["timestamp"] = "2024-05-01T12:00:00"

	hash, err := verigate.ComputeHash(rec)
	if err != nil {
		t.Fatalf("ComputeHash() error = %v", err)
	}
	ok, err := verigate.VerifyHash(rec, "0x"+hash)
	if err != nil || !ok {
		t.Errorf("VerifyHash() = %v, %v", ok, err)
	}

	rec["response"] = "5"
	if ok, _ := verigate.VerifyHash(rec, hash); ok {
		t.Error("VerifyHash() matched an edited record")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := verigate.New(); err == nil {
		t.Error("New() without config should fail")
	}
}
