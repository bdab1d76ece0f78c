package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recallnet/base-aerodrome-agent/internal/metrics"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	openai "github.com/sashabaranov/go-openai"
)

type EventType string

const (
	EventStart            EventType = "start"
	EventTextStart        EventType = "text-start"
	EventTextDelta        EventType = "text-delta"
	EventTextEnd          EventType = "text-end"
	EventResponseMetadata EventType = "response-metadata"
	EventFinish           EventType = "finish"
	// EventError reports a transport read failure after the stream opened.
	EventError EventType = "error"
)

type StreamEvent struct {
	Type         EventType      `json:"type"`
	Delta        string         `json:"delta,omitempty"`
	ID           string         `json:"id,omitempty"`
	Model        string         `json:"model,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Verification *verify.Record `json:"verification,omitempty"`
	Err          error          `json:"-"`
}

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
)

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta        openai.ChatCompletionStreamChoiceDelta `json:"delta"`
		FinishReason openai.FinishReason                    `json:"finish_reason"`
	} `json:"choices"`
	Usage     *openai.Usage `json:"usage"`
	Signature string        `json:"signature"`
}

// streamAccumulator holds the state of one streaming call.
type streamAccumulator struct {
	buffer         string
	fullContent    strings.Builder
	finalSignature string
	finalUsage     Usage
	finishReason   FinishReason
	responseModel  string
	responseID     string
}

// feed appends chunk to the line buffer and returns the text deltas of every
// complete data line. An incomplete trailing line stays buffered.
func (a *streamAccumulator) feed(chunk string) []string {
	a.buffer += chunk
	var deltas []string
	for {
		idx := strings.IndexByte(a.buffer, '\n')
		if idx < 0 {
			return deltas
		}
		line := strings.TrimRight(a.buffer[:idx], "\r")
		a.buffer = a.buffer[idx+1:]
		if delta, ok := a.parseLine(line); ok {
			deltas = append(deltas, delta)
		}
	}
}

func (a *streamAccumulator) parseLine(line string) (string, bool) {
	if !strings.HasPrefix(line, sseDataPrefix) {
		return "", false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
	if data == "" || data == sseDone {
		return "", false
	}
	var c streamChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return "", false
	}
	if c.ID != "" {
		a.responseID = c.ID
	}
	if c.Model != "" {
		a.responseModel = c.Model
	}
	if c.Signature != "" {
		a.finalSignature = c.Signature
	}
	if c.Usage != nil {
		a.finalUsage = Usage{PromptTokens: c.Usage.PromptTokens, CompletionTokens: c.Usage.CompletionTokens, TotalTokens: c.Usage.TotalTokens}
	}
	var delta string
	for _, choice := range c.Choices {
		delta += choice.Delta.Content
		if choice.FinishReason != "" {
			a.finishReason = mapFinishReason(string(choice.FinishReason))
		}
	}
	if delta == "" {
		return "", false
	}
	a.fullContent.WriteString(delta)
	return delta, true
}

// Stream opens one streaming completion. Opening errors are returned directly;
// afterwards events arrive on the channel, which is closed when the stream
// ends or ctx is cancelled. The response body is always closed.
func (g *Gateway) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if g.cred == nil {
		return nil, errNoCredential()
	}
	wire := ToWireMessages(req.Messages)
	model := req.Model
	if model == "" {
		model = g.primaryModel
	}
	body := wireRequest{
		Model:       model,
		Messages:    toWire(wire),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       toOpenAITools(req.Tools),
		ToolChoice:  req.ToolChoice,
		Stream:      true,
	}
	fields, err := g.cred.AuthFields(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := body.encode(fields.BodyFields)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := g.http.OpenStream(ctx, http.MethodPost, g.endpoint, payload, fields.Headers)
	if err != nil {
		g.observe(model, RoutePrimary, start, nil, err)
		return nil, err
	}

	ch := make(chan StreamEvent, 16)
	go g.pump(ctx, resp.Body, ch, ReconstructFullPrompt(wire), model, start)
	return ch, nil
}

func (g *Gateway) pump(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent, prompt, model string, start time.Time) {
	defer close(ch)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(StreamEvent{Type: EventStart}) || !send(StreamEvent{Type: EventTextStart}) {
		return
	}

	acc := &streamAccumulator{}
	buf := make([]byte, 4096)
	firstToken := true
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, delta := range acc.feed(string(buf[:n])) {
				if firstToken {
					firstToken = false
					metrics.TimeToFirstToken.WithLabelValues(model).Observe(time.Since(start).Seconds())
				}
				if !send(StreamEvent{Type: EventTextDelta, Delta: delta}) {
					return
				}
			}
		}
		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			// Partial lines are discarded on cancellation.
			return
		}
		if !errors.Is(readErr, io.EOF) {
			g.log.Warnw("stream read failed", "model", model, "error", readErr)
			send(StreamEvent{Type: EventError, Err: readErr})
			return
		}
		break
	}

	if !send(StreamEvent{Type: EventTextEnd}) {
		return
	}
	respModel := acc.responseModel
	if respModel == "" {
		respModel = model
	}
	var rec *verify.Record
	if acc.finalSignature != "" {
		rec = g.recordVerification(ctx, prompt, respModel, acc.fullContent.String(), acc.finalSignature, acc.finalUsage)
	}
	usage := acc.finalUsage
	finish := acc.finishReason
	if finish == "" {
		finish = FinishStop
	}
	metrics.RequestCount.WithLabelValues(model, string(RoutePrimary), "success").Inc()
	metrics.RequestDuration.WithLabelValues(model, string(RoutePrimary)).Observe(time.Since(start).Seconds())
	if !send(StreamEvent{Type: EventResponseMetadata, ID: acc.responseID, Model: respModel}) {
		return
	}
	send(StreamEvent{Type: EventFinish, Usage: &usage, Signature: acc.finalSignature, FinishReason: finish, Verification: rec})
}
