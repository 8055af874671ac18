package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tjfontaine/verigate/internal/config"
	"github.com/tjfontaine/verigate/internal/domain"
)

const (
	sampleRecord = `{
		"timestamp": "2024-05-01T10:20:30.456789+00:00",
		"temperature": 0.7,
		"response": "4",
		"prompt": "What is 2+2?",
		"model_name": "mixtral-8x7b-instruct",
		"model_id": "mistralai/Mixtral-8x7B-Instruct-v0.1",
		"max_tokens": 512
	}`
	sampleHash = "d2c1cd079b6c7ce29fb2431a7bdb6ce37e8daccc23aadfcca2ce2d009af0e38b"
)

func writeRecord(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "message.json")
	if err := os.WriteFile(path, []byte(sampleRecord), 0o600); err != nil {
		t.Fatalf("write record: %v", err)
	}
	return path
}

func TestRootCommand_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 0 {
		t.Errorf("run(nil) exit code = %d, want 0", code)
	}
	if stdout.Len() == 0 {
		t.Error("expected help output on stdout")
	}
}

func TestRootCommand_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"nonexistent"}, &stdout, &stderr)
	if code != 1 {
		t.Errorf("run(nonexistent) exit code = %d, want 1", code)
	}
	if !strings.HasPrefix(stderr.String(), "verigate: ") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestSubcommandRegistration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)

	for _, name := range []string{"serve", "hash", "verify", "quota", "version"} {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not found on root command", name)
		}
	}
}

func TestQuotaRequiresArg(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"quota"}, &stdout, &stderr); code != 1 {
		t.Errorf("quota without wallet exit code = %d, want 1", code)
	}
	stderr.Reset()
	if code := run([]string{"quota", "nobody"}, &stdout, &stderr); code != 1 {
		t.Errorf("quota with bad wallet exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not a wallet address") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestHash(t *testing.T) {
	path := writeRecord(t)

	t.Run("file", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if code := run([]string{"hash", path}, &stdout, &stderr); code != 0 {
			t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
		}
		if got := strings.TrimSpace(stdout.String()); got != sampleHash {
			t.Errorf("hash = %q, want %q", got, sampleHash)
		}
	})

	t.Run("stdin with canonical", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		root := newRootCmd(&stdout, &stderr)
		root.SetArgs([]string{"hash", "--canonical"})
		root.SetIn(strings.NewReader(sampleRecord))
		root.SetOut(&stdout)
		if err := root.Execute(); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		if len(lines) != 2 || !strings.HasPrefix(lines[0], `{"max_tokens":512,`) || lines[1] != sampleHash {
			t.Errorf("output = %q", stdout.String())
		}
	})

	t.Run("incomplete record", func(t *testing.T) {
		incomplete := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(incomplete, []byte(`{"prompt":"hi","response":"yo"}`), 0o600); err != nil {
			t.Fatal(err)
		}
		var stdout, stderr bytes.Buffer
		if code := run([]string{"hash", incomplete}, &stdout, &stderr); code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
		stdout.Reset()
		if code := run([]string{"hash", "--kind", "prompt", incomplete}, &stdout, &stderr); code != 0 {
			t.Errorf("prompt kind exit code = %d, stderr = %s", code, stderr.String())
		}
	})

	t.Run("invalid kind", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if code := run([]string{"hash", "--kind", "tool", path}, &stdout, &stderr); code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	})
}

func TestVerifyOffline(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeRecord(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	digest, _ := hex.DecodeString(sampleHash)
	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		t.Fatal(err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	other := "0x0000000000000000000000000000000000000001"
	signature := hexutil.Encode(sig)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		want     domain.VerificationStatus
	}{
		{
			name:     "verified",
			args:     []string{"--hash", sampleHash, "--expected", signer},
			wantCode: 0,
			want:     domain.StatusVerified,
		},
		{
			name:     "recomputed from record",
			args:     []string{"--record", path, "--expected", signer},
			wantCode: 0,
			want:     domain.StatusVerified,
		},
		{
			name:     "signer mismatch",
			args:     []string{"--hash", sampleHash, "--expected", other},
			wantCode: 1,
			want:     domain.StatusSignerMismatch,
		},
		{
			name:     "record does not match hash",
			args:     []string{"--record", path, "--hash", strings.Repeat("ab", 32), "--expected", signer},
			wantCode: 1,
			want:     domain.StatusInvalidSignature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"verify", "--offline", "--log-level", "error", "--signature", signature}, tt.args...)
			if code := run(args, &stdout, &stderr); code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d, stderr = %s", code, tt.wantCode, stderr.String())
			}
			var res verifyResult
			if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
				t.Fatalf("decode output %q: %v", stdout.String(), err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %q, want %q", res.Status, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "verigate dev") {
		t.Errorf("version = %q", stdout.String())
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json", "info", "json", false},
		{"text", "debug", "text", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := newLogger(config.LogConfig{Level: tt.level, Format: tt.format}, &buf)
			if (err != nil) != tt.wantErr {
				t.Errorf("newLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
