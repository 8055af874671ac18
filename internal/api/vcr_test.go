package api

import (
	"context"
	"testing"

	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/sigverify"
	"github.com/tjfontaine/verigate/internal/testutil"
)

const (
	recordedHash      = "872d809e86652959453343b43c22b06c4e41979d6e453e23d7f36199183a3534"
	recordedSignature = "0xa0602bae6ed39ae03aafac9e7f088d0b9b498444f86e965789a80fbe4ec1929e342d77dfe2f81c305a453e9dd8c169091aff7d97c7885bb41d205b0b483b98cf1c"
	recordedSigner    = "0xF1A960a8d0CA410fF7a41b64aEdaAcA6Ad0e290b"
)

func TestClient_RecordedBackend(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "backend_verify")
	defer cleanup()

	client := NewClient(
		WithBaseURL("http://backend.test"),
		WithHTTPClient(testutil.VCRHTTPClient(r)),
	)
	ctx := context.Background()

	models, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0].Name != "mixtral-8x7b-instruct" {
		t.Errorf("ListModels() = %+v", models)
	}

	signer, err := client.Signer(ctx)
	if err != nil {
		t.Fatalf("Signer() error = %v", err)
	}
	if signer != recordedSigner {
		t.Errorf("Signer() = %s, want %s", signer, recordedSigner)
	}

	// The oracle sits behind the verifier; the second lookup is served from
	// memory, so the cassette holds a single valid verdict.
	v := sigverify.New(client)
	for i := 0; i < 2; i++ {
		o, err := v.Verify(ctx, recordedHash, recordedSignature, signer)
		if st := sigverify.Status(o, err); st != domain.StatusVerified {
			t.Fatalf("Status() = %q, want verified (err = %v)", st, err)
		}
	}

	o, err := client.Verify(ctx, recordedHash, "0x00", signer)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if domain.StatusOf(o) != domain.StatusInvalidSignature {
		t.Errorf("StatusOf() = %q, want invalid-signature", domain.StatusOf(o))
	}
}
