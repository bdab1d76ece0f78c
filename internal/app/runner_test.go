package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/records"
	"github.com/recallnet/base-aerodrome-agent/internal/signer"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
)

const testChainID = "8453"

type testSigner struct {
	local   *signer.LocalSigner
	address string
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	local, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(key))})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return testSigner{local: local, address: local.Address().Hex()}
}

func (s testSigner) sign(t *testing.T, model, prompt, output string) string {
	t.Helper()
	sig, err := s.local.SignPersonalMessage([]byte(verify.ReconstructSignedMessage(testChainID, model, prompt, output)))
	if err != nil {
		t.Fatalf("SignPersonalMessage failed: %v", err)
	}
	return hexutil.Encode(sig)
}

// isolate points config and records at a temp dir so the host environment
// never leaks into a run.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run(args)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("agent records mark-submitted"); got != "records mark-submitted" {
		t.Fatalf("unexpected trim result: %s", got)
	}
	if got := trimRootPath("agent"); got != "agent" {
		t.Fatalf("unexpected root trim: %s", got)
	}
}

func TestRunnerVersion(t *testing.T) {
	isolate(t)
	code, stdout, stderr := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "0.1.0" {
		t.Fatalf("unexpected version output %q", stdout)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolate(t)
	code, _, stderr := runCLI(t, "records", "list", "--enable-commands", "complete", "--results-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr)
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(stderr), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr)
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	errBody := env["error"].(map[string]any)
	if errBody["type"] != "command_blocked" {
		t.Fatalf("unexpected error type %v", errBody["type"])
	}
}

func TestRunnerUnknownFlagIsConfigError(t *testing.T) {
	isolate(t)
	code, _, _ := runCLI(t, "records", "list", "--no-such-flag")
	if code != int(clierr.CodeConfig) {
		t.Fatalf("expected config exit code, got %d", code)
	}
}

func TestRunnerRecordsHash(t *testing.T) {
	dir := isolate(t)
	prompt := writeFile(t, dir, "prompt.txt", "system promptuser prompt")
	output := writeFile(t, dir, "output.txt", "HOLD")
	code, stdout, stderr := runCLI(t, "records", "hash", "--prompt-file", prompt, "--output-file", output, "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode output: %v output=%s", err, stdout)
	}
	wantPrompt, wantOutput := verify.AuditHashes("system promptuser prompt", "HOLD")
	if got["prompt_hash"] != wantPrompt || got["output_hash"] != wantOutput {
		t.Fatalf("unexpected hashes: %v", got)
	}
}

func TestRunnerRecordsAndVerifyStoredRecord(t *testing.T) {
	isolate(t)
	dbPath := filepath.Join(t.TempDir(), "records.db")
	lockPath := filepath.Join(t.TempDir(), "records.lock")
	t.Setenv("AGENT_RECORDS_PATH", dbPath)
	t.Setenv("AGENT_RECORDS_LOCK_PATH", lockPath)

	ts := newTestSigner(t)
	prompt, output := "system prompt\nuser prompt", `{"reasoning":"flat","trade_decisions":[]}`
	rec, err := verify.NewRecord(verify.Input{
		ChainID:        testChainID,
		Model:          "reasoning-model",
		Prompt:         prompt,
		Output:         output,
		Signature:      ts.sign(t, "reasoning-model", prompt, output),
		ExpectedSigner: ts.address,
	}, verify.Usage{TotalTokens: 42}, time.Now())
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if !rec.IsValid {
		t.Fatalf("expected valid record: %+v", rec)
	}
	store, err := records.Open(dbPath, lockPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	_ = store.Close()

	code, stdout, stderr := runCLI(t, "records", "list", "--unsubmitted", "--results-only")
	if code != 0 {
		t.Fatalf("records list failed: %d %s", code, stderr)
	}
	var listed []map[string]any
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil {
		t.Fatalf("decode list: %v output=%s", err, stdout)
	}
	if len(listed) != 1 || listed[0]["id"] != rec.ID || listed[0]["total_tokens"].(float64) != 42 {
		t.Fatalf("unexpected list output: %s", stdout)
	}

	code, stdout, stderr = runCLI(t, "verify", "--record", rec.ID, "--results-only")
	if code != 0 {
		t.Fatalf("verify failed: %d %s", code, stderr)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v output=%s", err, stdout)
	}
	if report["is_valid"] != true || report["matches_stored"] != true {
		t.Fatalf("unexpected report: %s", stdout)
	}
	if _, ok := report["reconstructed_message"]; ok {
		t.Fatal("reconstructed message must be omitted without --show-message")
	}

	code, stdout, stderr = runCLI(t, "records", "mark-submitted", rec.ID, "vr_unknown")
	if code != 0 {
		t.Fatalf("mark-submitted failed: %d %s", code, stderr)
	}
	var env map[string]any
	if err := json.Unmarshal([]byte(stdout), &env); err != nil {
		t.Fatalf("decode envelope: %v output=%s", err, stdout)
	}
	data := env["data"].(map[string]any)
	if data["changed"].(float64) != 1 || data["requested"].(float64) != 2 {
		t.Fatalf("unexpected mark result: %s", stdout)
	}
	if warnings, _ := env["warnings"].([]any); len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", env["warnings"])
	}

	code, stdout, _ = runCLI(t, "records", "list", "--unsubmitted", "--results-only")
	if code != 0 || strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("expected no unsubmitted records, got %d %s", code, stdout)
	}

	code, _, stderr = runCLI(t, "verify", "--record", "vr_missing")
	if code != int(clierr.CodeConfig) {
		t.Fatalf("expected config error for unknown record, got %d %s", code, stderr)
	}
}

func TestRunnerVerifyRawInputs(t *testing.T) {
	dir := isolate(t)
	ts := newTestSigner(t)
	prompt, output := "what now?", "BUY AERO"
	promptFile := writeFile(t, dir, "prompt.txt", prompt)
	outputFile := writeFile(t, dir, "output.txt", output)
	sig := ts.sign(t, "primary-model", prompt, output)

	code, stdout, stderr := runCLI(t, "verify",
		"--prompt-file", promptFile, "--output-file", outputFile,
		"--model", "primary-model", "--signature", strings.TrimPrefix(sig, "0x"),
		"--expected-signer", strings.ToLower(ts.address), "--show-message", "--results-only")
	if code != 0 {
		t.Fatalf("verify failed: %d %s", code, stderr)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report["is_valid"] != true || report["recovered_address"] != ts.address {
		t.Fatalf("unexpected report: %s", stdout)
	}
	if report["reconstructed_message"] != testChainID+"primary-model"+prompt+output {
		t.Fatalf("unexpected reconstructed message: %v", report["reconstructed_message"])
	}

	// A different model invalidates the signature.
	code, stdout, _ = runCLI(t, "verify",
		"--prompt-file", promptFile, "--output-file", outputFile,
		"--model", "other-model", "--signature", sig,
		"--expected-signer", ts.address, "--results-only")
	if code != 0 {
		t.Fatalf("verify failed: %d", code)
	}
	if !strings.Contains(stdout, `"is_valid": false`) {
		t.Fatalf("expected invalid signature: %s", stdout)
	}

	code, _, _ = runCLI(t, "verify", "--model", "m")
	if code != int(clierr.CodeConfig) {
		t.Fatalf("expected config error for missing inputs, got %d", code)
	}
}

func TestRunnerCompleteAgainstService(t *testing.T) {
	dir := isolate(t)
	ts := newTestSigner(t)
	const (
		system = "You are a trading agent."
		user   = "Should I buy AERO?"
		answer = "Not yet, keep watching the pool."
	)
	var gotKey, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		gotUA = r.UserAgent()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		model, _ := body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": model,
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
			"usage":     map[string]any{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
			"signature": ts.sign(t, model, system+user, answer),
		})
	}))
	defer srv.Close()

	t.Setenv("AGENT_BASE_URL", srv.URL)
	t.Setenv("AGENT_API_KEY", "test-key")
	t.Setenv("AGENT_EXPECTED_SIGNER", ts.address)
	t.Setenv("AGENT_PRIMARY_MODEL", "primary-model")
	conversation := writeFile(t, dir, "conversation.json", `[
		{"role":"system","content":"You are a trading agent."},
		{"role":"user","content":"Should I buy AERO?"}
	]`)

	code, stdout, stderr := runCLI(t, "complete", "--conversation", conversation, "--results-only")
	if code != 0 {
		t.Fatalf("complete failed: %d %s", code, stderr)
	}
	if gotKey != "test-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotUA != "agent/0.1.0" {
		t.Fatalf("unexpected user agent %q", gotUA)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode output: %v output=%s", err, stdout)
	}
	if out["text"] != answer || out["route"] != "primary" || out["finish_reason"] != "stop" {
		t.Fatalf("unexpected completion: %s", stdout)
	}
	verification, ok := out["verification"].(map[string]any)
	if !ok || verification["is_valid"] != true {
		t.Fatalf("expected valid verification: %s", stdout)
	}

	// The record was persisted to the default records path.
	code, stdout, _ = runCLI(t, "records", "list", "--results-only")
	if code != 0 || !strings.Contains(stdout, verification["id"].(string)) {
		t.Fatalf("expected stored record, got %d %s", code, stdout)
	}
}

func TestRunnerCompleteStream(t *testing.T) {
	dir := isolate(t)
	ts := newTestSigner(t)
	deltas := []string{"Hold ", "AERO ", "for now."}
	answer := strings.Join(deltas, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected a streaming request, got %v", body)
		}
		model, _ := body["model"].(string)
		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			chunk := map[string]any{
				"id":      "chatcmpl-s",
				"model":   model,
				"choices": []map[string]any{{"delta": map[string]any{"content": d}}},
			}
			if i == len(deltas)-1 {
				chunk["choices"] = []map[string]any{{"delta": map[string]any{"content": d}, "finish_reason": "stop"}}
				chunk["usage"] = map[string]any{"prompt_tokens": 3, "completion_tokens": 3, "total_tokens": 6}
				chunk["signature"] = ts.sign(t, model, "Should I buy AERO?", answer)
			}
			buf, _ := json.Marshal(chunk)
			_, _ = w.Write([]byte("data: " + string(buf) + "\n"))
			w.(http.Flusher).Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n"))
	}))
	defer srv.Close()

	t.Setenv("AGENT_BASE_URL", srv.URL)
	t.Setenv("AGENT_API_KEY", "test-key")
	t.Setenv("AGENT_EXPECTED_SIGNER", ts.address)
	t.Setenv("AGENT_PRIMARY_MODEL", "primary-model")
	conversation := writeFile(t, dir, "conversation.json", `[{"role":"user","content":"Should I buy AERO?"}]`)

	code, stdout, stderr := runCLI(t, "complete", "--conversation", conversation, "--stream")
	if code != 0 {
		t.Fatalf("complete --stream failed: %d %s", code, stderr)
	}
	last := -1
	for _, d := range deltas {
		idx := strings.Index(stderr, d)
		if idx <= last {
			t.Fatalf("expected delta %q on stderr after offset %d: %q", d, last, stderr)
		}
		last = idx
	}

	// stdout must hold the envelope and nothing else.
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Model        string         `json:"model"`
			Route        string         `json:"route"`
			Text         string         `json:"text"`
			FinishReason string         `json:"finish_reason"`
			Usage        map[string]any `json:"usage"`
			Verification map[string]any `json:"verification"`
		} `json:"data"`
		Meta struct {
			Command string `json:"command"`
		} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(stdout), &env); err != nil {
		t.Fatalf("stdout is not a single envelope: %v output=%s", err, stdout)
	}
	if env.Meta.Command != "complete" {
		t.Fatalf("unexpected command %q", env.Meta.Command)
	}
	if !env.Success || env.Data.Text != answer || env.Data.Model != "primary-model" || env.Data.Route != "primary" || env.Data.FinishReason != "stop" {
		t.Fatalf("unexpected envelope: %s", stdout)
	}
	if env.Data.Usage["total_tokens"] != float64(6) {
		t.Fatalf("unexpected usage: %v", env.Data.Usage)
	}
	if env.Data.Verification["is_valid"] != true {
		t.Fatalf("expected valid verification: %s", stdout)
	}
}

func TestRunnerCompleteRequiresBaseURL(t *testing.T) {
	dir := isolate(t)
	conversation := writeFile(t, dir, "conversation.json", `{"messages":[{"role":"user","content":"hi"}]}`)
	code, _, stderr := runCLI(t, "complete", "--conversation", conversation)
	if code != int(clierr.CodeConfig) {
		t.Fatalf("expected config error, got %d %s", code, stderr)
	}
}

func TestDecodeCompletionRequest(t *testing.T) {
	req, err := decodeCompletionRequest([]byte(` [{"role":"user","content":"hi"}]`))
	if err != nil || len(req.Messages) != 1 {
		t.Fatalf("expected array form to decode: %+v %v", req, err)
	}
	req, err = decodeCompletionRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"positions":["AERO"]}`))
	if err != nil || req.Model != "m" || len(req.Positions) != 1 {
		t.Fatalf("expected object form to decode: %+v %v", req, err)
	}
	if _, err := decodeCompletionRequest([]byte(`{"messages":[]}`)); !clierr.IsCode(err, clierr.CodeConfig) {
		t.Fatalf("expected config error for empty conversation, got %v", err)
	}
	if _, err := decodeCompletionRequest([]byte(`not json`)); !clierr.IsCode(err, clierr.CodeConfig) {
		t.Fatalf("expected config error for invalid json, got %v", err)
	}
}

func TestRunnerSchema(t *testing.T) {
	isolate(t)
	code, stdout, stderr := runCLI(t, "schema", "records", "hash", "--results-only")
	if code != 0 {
		t.Fatalf("schema failed: %d %s", code, stderr)
	}
	var s map[string]any
	if err := json.Unmarshal([]byte(stdout), &s); err != nil {
		t.Fatalf("decode schema: %v output=%s", err, stdout)
	}
	if s["path"] != "agent records hash" {
		t.Fatalf("unexpected schema path: %v", s["path"])
	}
	if flags, _ := s["flags"].([]any); len(flags) != 2 {
		t.Fatalf("expected two flags, got %v", s["flags"])
	}

	code, _, _ = runCLI(t, "schema", "nope")
	if code != int(clierr.CodeConfig) {
		t.Fatalf("expected config error for unknown path, got %d", code)
	}
}
