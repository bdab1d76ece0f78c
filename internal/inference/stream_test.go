package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func eventTypes(events []StreamEvent) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func deltas(events []StreamEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			out = append(out, ev.Delta)
		}
	}
	return out
}

func TestStreamEmitsDeltasInOrder(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n",
		"data: [DONE]\n",
	})
	g := newTestGateway(t, srv.URL, nil)

	ch, err := g.Stream(context.Background(), CompletionRequest{Messages: []AccumulatedTurn{user("hi")}})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, []string{"Hel", "lo"}, deltas(events))
	assert.Equal(t, []EventType{
		EventStart, EventTextStart, EventTextDelta, EventTextDelta, EventTextEnd, EventResponseMetadata, EventFinish,
	}, eventTypes(events))
	finish := events[len(events)-1]
	assert.Equal(t, FinishStop, finish.FinishReason)
	assert.Empty(t, finish.Signature)
	assert.Nil(t, finish.Verification)
}

func TestStreamSkipsMalformedLine(t *testing.T) {
	srv := streamServer(t, []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n",
		"data: [DONE]\n",
	})
	g := newTestGateway(t, srv.URL, nil)

	ch, err := g.Stream(context.Background(), CompletionRequest{Messages: []AccumulatedTurn{user("hi")}})
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Equal(t, []string{"Hel", "lo"}, deltas(events))
	assert.Equal(t, EventFinish, events[len(events)-1].Type)
}

func TestStreamAccumulatorKeepsPartialLine(t *testing.T) {
	acc := &streamAccumulator{}
	assert.Empty(t, acc.feed("data: {\"choices\":[{\"delta\":{\"con"))
	assert.Equal(t, []string{"ok"}, acc.feed("tent\":\"ok\"}}]}\r\n: keep-alive\nevent: message\n"))
	assert.Empty(t, acc.buffer)
	assert.Equal(t, "ok", acc.fullContent.String())
}

func TestStreamCapturesSignatureAndVerifies(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	sig := signText(t, key, "8453stream-modelhiHello")

	srv := streamServer(t, []string{
		"data: {\"id\":\"s-1\",\"model\":\"stream-model\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"length\"}],",
		"\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6},\"signature\":\"" + sig + "\"}\n",
		"data: [DONE]\n",
	})
	sink := &memorySink{}
	g := newTestGateway(t, srv.URL, func(o *Options) {
		o.Sink = sink
		o.ExpectedSigner = addr
	})

	ch, err := g.Stream(context.Background(), CompletionRequest{Messages: []AccumulatedTurn{user("hi")}})
	require.NoError(t, err)
	events := collect(t, ch)

	meta := events[len(events)-2]
	assert.Equal(t, EventResponseMetadata, meta.Type)
	assert.Equal(t, "s-1", meta.ID)
	assert.Equal(t, "stream-model", meta.Model)

	finish := events[len(events)-1]
	assert.Equal(t, sig, finish.Signature)
	assert.Equal(t, FinishLength, finish.FinishReason)
	require.NotNil(t, finish.Usage)
	assert.Equal(t, 6, finish.Usage.TotalTokens)
	require.NotNil(t, finish.Verification)
	assert.True(t, finish.Verification.IsValid)
	assert.Equal(t, "Hello", finish.Verification.ResponseOutput)
	assert.Len(t, sink.all(), 1)
}

func TestStreamOpenErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "grant_expired"})
	}))
	defer srv.Close()
	g := newTestGateway(t, srv.URL, nil)

	_, err := g.Stream(context.Background(), CompletionRequest{Messages: []AccumulatedTurn{user("hi")}})
	typed, ok := clierr.As(err)
	require.True(t, ok)
	assert.Equal(t, clierr.ServiceGrantExpired, typed.Service)
}

func TestStreamCancellationClosesChannel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\ndata: {\"choi"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)
	g := newTestGateway(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := g.Stream(ctx, CompletionRequest{Messages: []AccumulatedTurn{user("hi")}})
	require.NoError(t, err)

	var seen []StreamEvent
	for ev := range ch {
		seen = append(seen, ev)
		if ev.Type == EventTextDelta {
			cancel()
		}
	}
	for _, ev := range seen {
		assert.NotEqual(t, EventFinish, ev.Type)
		assert.False(t, strings.Contains(ev.Delta, "choi"))
	}
}
