package inference

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/recallnet/base-aerodrome-agent/internal/credential"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/stretchr/testify/require"
)

// fakeService records every request body and answers with handler.
type fakeService struct {
	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	handler func(w http.ResponseWriter, body map[string]any)
	srv     *httptest.Server
}

func newFakeService(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *fakeService {
	t.Helper()
	f := &fakeService{handler: handler}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(buf, &body)
		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()
		f.handler(w, body)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func (f *fakeService) body(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func (f *fakeService) header(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[i]
}

type memorySink struct {
	mu      sync.Mutex
	records []verify.Record
	err     error
}

func (s *memorySink) Record(_ context.Context, rec verify.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *memorySink) all() []verify.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verify.Record(nil), s.records...)
}

type recordingExecutor struct {
	mu       sync.Mutex
	requests []TradeRequest
	result   TradeResult
	err      error
}

func (e *recordingExecutor) QuoteAndExecute(_ context.Context, req TradeRequest) (TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return e.result, e.err
}

func newTestGateway(t *testing.T, baseURL string, mutate func(*Options)) *Gateway {
	t.Helper()
	opts := Options{
		BaseURL:        baseURL,
		Credential:     credential.NewAPIKey("test-key"),
		Timeout:        5 * time.Second,
		ChainID:        "8453",
		PrimaryModel:   "tool-model",
		ReasoningModel: "reasoning-model",
		Now:            func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	g, err := New(opts)
	require.NoError(t, err)
	return g
}

func signText(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func textCompletion(model, content, signature string) map[string]any {
	out := map[string]any{
		"id":    "cmpl-1",
		"model": model,
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	if signature != "" {
		out["signature"] = signature
	}
	return out
}

func user(text string) AccumulatedTurn {
	return AccumulatedTurn{Role: RoleUser, Content: strPtr(text)}
}

func system(text string) AccumulatedTurn {
	return AccumulatedTurn{Role: RoleSystem, Content: strPtr(text)}
}

// toolRound builds one assistant turn holding every call and one tool turn
// holding every result.
func toolRound(names ...string) []AccumulatedTurn {
	assistant := AccumulatedTurn{Role: RoleAssistant}
	tool := AccumulatedTurn{Role: RoleTool}
	for i, name := range names {
		id := name + "-" + string(rune('a'+i))
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{ID: id, Name: name, ArgumentsJSON: `{"i":` + string(rune('0'+i)) + `}`})
		tool.ToolResults = append(tool.ToolResults, ToolResult{CallID: id, Name: name, Content: "result of " + id})
	}
	return []AccumulatedTurn{assistant, tool}
}
