package inference

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signingService answers sync and streamed requests with an output derived
// from the last message and signs chainID + model + prompt + output.
func signingService(t *testing.T, key *ecdsa.PrivateKey, signed *atomic.Int64) *fakeService {
	t.Helper()
	return newFakeService(t, func(w http.ResponseWriter, body map[string]any) {
		model, _ := body["model"].(string)
		var prompt, last string
		for _, m := range body["messages"].([]any) {
			if content, ok := m.(map[string]any)["content"].(string); ok {
				prompt += content
				last = content
			}
		}
		output := "echo: " + last
		if model == "reasoning-model" {
			output = `{"reasoning":"hold","trade_decisions":[{"token":"AERO","action":"HOLD","amount_usd":0,"rationale":"wait"}]}`
		}
		sig := signText(t, key, "8453"+model+prompt+output)
		signed.Add(1)

		if stream, _ := body["stream"].(bool); !stream {
			writeJSON(w, http.StatusOK, textCompletion(model, output, sig))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		half := len(output) / 2
		for _, chunk := range []map[string]any{
			{"id": "s", "model": model, "choices": []any{map[string]any{"delta": map[string]any{"content": output[:half]}}}},
			{"choices": []any{map[string]any{"delta": map[string]any{"content": output[half:]}, "finish_reason": "stop"}}, "signature": sig},
		} {
			buf, _ := json.Marshal(chunk)
			_, _ = fmt.Fprintf(w, "data: %s\n", buf)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		_, _ = w.Write([]byte("data: [DONE]\n"))
	})
}

func TestGatewayConcurrentCompleteAndStream(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	var signed atomic.Int64
	svc := signingService(t, key, &signed)
	sink := &memorySink{}
	g := newTestGateway(t, svc.srv.URL, func(o *Options) {
		o.Sink = sink
		o.ExpectedSigner = crypto.PubkeyToAddress(key.PublicKey).Hex()
	})

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		routes    = map[Route]int{}
		streamed  int
		responses []*CompletionResponse
	)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			// 0-11 tool results: below budget stays primary, 8 and above falls back.
			turns := conversationWithResults(i)
			turns = append(turns, user(fmt.Sprintf("round %d", i)))
			resp, err := g.Complete(context.Background(), CompletionRequest{Messages: turns})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			routes[resp.Route]++
			responses = append(responses, resp)
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			ch, err := g.Stream(context.Background(), CompletionRequest{Messages: []AccumulatedTurn{system("sys"), user(fmt.Sprintf("stream %d", i))}})
			if !assert.NoError(t, err) {
				return
			}
			var finish *StreamEvent
			for ev := range ch {
				if ev.Type == EventFinish {
					finish = &ev
				}
				assert.NotEqual(t, EventError, ev.Type, ev.Err)
			}
			if assert.NotNil(t, finish) && assert.NotNil(t, finish.Verification) {
				assert.True(t, finish.Verification.IsValid)
				assert.Equal(t, fmt.Sprintf("echo: stream %d", i), finish.Verification.ResponseOutput)
			}
			mu.Lock()
			streamed++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, streamed)
	assert.Equal(t, 8, routes[RoutePrimary])
	assert.Equal(t, 4, routes[RouteFallbackReasoning])
	for _, resp := range responses {
		if assert.NotNil(t, resp.Verification, "route %s", resp.Route) {
			assert.True(t, resp.Verification.IsValid, "route %s", resp.Route)
		}
	}

	recs := sink.all()
	assert.Len(t, recs, int(signed.Load()))
	assert.Len(t, recs, 2*workers)
	ids := map[string]bool{}
	for _, rec := range recs {
		assert.True(t, rec.IsValid, rec.ResponseOutput)
		ids[rec.ID] = true
	}
	assert.Len(t, ids, len(recs), "record ids are unique")
}
