package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/verigate/internal/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func TestClient_SubmitPrompt(t *testing.T) {
	var got PromptRequest
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"session_id": "s1",
			"message": {
				"id": "m2",
				"role": "assistant",
				"content": "4",
				"timestamp": "2024-05-01T10:20:30.456789",
				"model_name": "mixtral-8x7b-instruct",
				"model_id": "mistralai/Mixtral-8x7B-Instruct-v0.1",
				"message_metadata": {
					"verification_hash": "abc",
					"signature": "0xsig",
					"temperature": 0.7,
					"max_tokens": 512
				}
			}
		}`)
	})

	resp, err := client.SubmitPrompt(context.Background(), &PromptRequest{
		Prompt:          "What is 2+2?",
		Model:           "mistralai/Mixtral-8x7B-Instruct-v0.1",
		UserAddress:     "0xabc",
		SessionID:       "s1",
		PaymentMethod:   domain.PaymentETH,
		TransactionHash: "0xtx",
	})
	if err != nil {
		t.Fatalf("SubmitPrompt() error = %v", err)
	}

	if got.PaymentMethod != domain.PaymentETH || got.TransactionHash != "0xtx" {
		t.Errorf("request = %+v", got)
	}
	md := resp.Message.Resolve()
	if !md.Signed() || md.VerificationHash != "abc" {
		t.Errorf("Resolve() = %+v, want signed with nested hash", md)
	}
	if _, ok := md.Fields["temperature"]; !ok {
		t.Error("temperature should remain available for the record")
	}
}

func TestClient_FreeQuota(t *testing.T) {
	remaining := 3
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/free-requests/0xabc":
			json.NewEncoder(w).Encode(FreeRequestsResponse{RemainingFreeRequests: remaining})
		case r.Method == http.MethodPost && r.URL.Path == "/free-requests/0xabc/use":
			ok := remaining > 0
			if ok {
				remaining--
			}
			json.NewEncoder(w).Encode(FreeRequestsResponse{RemainingFreeRequests: remaining, Success: &ok})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	n, err := client.FreeRequests(ctx, "0xabc")
	if err != nil || n != 3 {
		t.Fatalf("FreeRequests() = %d, %v; want 3", n, err)
	}
	n, err = client.UseFreeRequest(ctx, "0xabc")
	if err != nil || n != 2 {
		t.Fatalf("UseFreeRequest() = %d, %v; want 2", n, err)
	}

	remaining = 0
	n, err = client.UseFreeRequest(ctx, "0xabc")
	if !errors.Is(err, ErrQuotaExhausted) || n != 0 {
		t.Errorf("UseFreeRequest() = %d, %v; want 0, ErrQuotaExhausted", n, err)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType domain.ErrorType
		wantCode domain.ErrorCode
		detail   string
	}{
		{"string detail", http.StatusBadRequest, `{"detail":"invalid payment"}`, domain.ErrorTypeInput, domain.ErrorCodeBackendRejected, "invalid payment"},
		{"validation detail", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body","prompt"]}]}`, domain.ErrorTypeInput, domain.ErrorCodeBackendRejected, `[{"loc":["body","prompt"]}]`},
		{"not found", http.StatusNotFound, `{"detail":"Session not found"}`, domain.ErrorTypeInput, domain.ErrorCodeNotFound, "Session not found"},
		{"server error", http.StatusBadGateway, `upstream down`, domain.ErrorTypeNetwork, domain.ErrorCodeRPCFailure, "upstream down"},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"slow down"}`, domain.ErrorTypeNetwork, domain.ErrorCodeRPCFailure, "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := client.GetSession(context.Background(), "s1")
			if domain.TypeOf(err) != tt.wantType || domain.CodeOf(err) != tt.wantCode {
				t.Fatalf("error = %v, want %s/%s", err, tt.wantType, tt.wantCode)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error does not wrap *APIError: %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Detail != tt.detail {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestClient_TransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	srv.Close()

	_, err := client.ListModels(context.Background())
	if domain.TypeOf(err) != domain.ErrorTypeNetwork {
		t.Errorf("ListModels() error = %v, want network error", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("transport failures should be retryable")
	}
}

func TestClient_Headers(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "verigate-test" {
			t.Errorf("User-Agent = %q", got)
		}
		if r.URL.Query().Get("wallet_address") != "0xAbC" {
			t.Errorf("wallet_address = %q", r.URL.Query().Get("wallet_address"))
		}
		io.WriteString(w, `{"sessions":[{"id":"s1","wallet_address":"0xAbC"}]}`)
	})
	WithAPIKey("secret")(client)
	WithUserAgent("verigate-test")(client)

	sessions, err := client.ListSessions(context.Background(), "0xAbC")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("ListSessions() = %+v", sessions)
	}
}

func TestClient_FlagMessageValidatesReason(t *testing.T) {
	called := false
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		var req FlagRequest
		json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/messages/m1/flag" || req.Reason != FlagHallucination {
			t.Errorf("unexpected flag request %s %+v", r.URL.Path, req)
		}
		io.WriteString(w, `{"status":"flagged"}`)
	})
	ctx := context.Background()

	err := client.FlagMessage(ctx, "m1", &FlagRequest{Reason: "spam"})
	if domain.TypeOf(err) != domain.ErrorTypeInput {
		t.Errorf("FlagMessage(spam) error = %v, want input error", err)
	}
	if called {
		t.Fatal("invalid reason should not reach the backend")
	}

	if err := client.FlagMessage(ctx, "m1", &FlagRequest{Reason: FlagHallucination}); err != nil {
		t.Errorf("FlagMessage() error = %v", err)
	}
}

func TestParseFlagReason(t *testing.T) {
	for _, in := range []string{"hallucination", " Inaccurate ", "OTHER", "inappropriate"} {
		if _, err := ParseFlagReason(in); err != nil {
			t.Errorf("ParseFlagReason(%q) error = %v", in, err)
		}
	}
	if _, err := ParseFlagReason(""); err == nil {
		t.Error("ParseFlagReason(\"\") should fail")
	}
}
