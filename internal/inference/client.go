package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/recallnet/base-aerodrome-agent/internal/credential"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/httpx"
	"github.com/recallnet/base-aerodrome-agent/internal/metrics"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/recallnet/base-aerodrome-agent/internal/version"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	DefaultCompletionsPath      = registry.DefaultCompletionsPath
	DefaultToolBudget           = 8
	DefaultTradeToolName        = "execute_swap"
	DefaultReasoningTemperature = 0.3
	DefaultReasoningMaxTokens   = 4096
)

type Options struct {
	BaseURL         string
	CompletionsPath string
	// Credential may be nil; every call then fails with an auth error.
	Credential        credential.Provider
	Timeout           time.Duration
	Retries           int
	RequestsPerSecond float64

	ChainID        string
	ExpectedSigner string

	PrimaryModel         string
	ReasoningModel       string
	ToolBudget           int
	TradeToolName        string
	// ReasoningTemperature defaults to DefaultReasoningTemperature when nil.
	ReasoningTemperature *float32
	ReasoningMaxTokens   int
	DecisionSystemPrompt string

	Executor TradeExecutor
	Sink     VerificationSink
	Breaker  BreakerSettings
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Gateway issues signed completions. It keeps no per-call state and is safe
// for concurrent use.
type Gateway struct {
	endpoint string
	cred     credential.Provider
	http     *httpx.Client
	retries  int

	chainID        string
	expectedSigner string

	primaryModel         string
	reasoningModel       string
	toolBudget           int
	tradeToolName        string
	reasoningTemperature float32
	reasoningMaxTokens   int
	decisionPrompt       string

	executor TradeExecutor
	sink     VerificationSink
	breaker  *gobreaker.CircuitBreaker[*CompletionResponse]
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(opts Options) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, clierr.New(clierr.CodeConfig, "inference base url is required")
	}
	path := strings.TrimSpace(opts.CompletionsPath)
	if path == "" {
		path = DefaultCompletionsPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	g := &Gateway{
		endpoint:             registry.JoinEndpoint(base, path),
		cred:                 opts.Credential,
		http:                 httpx.New(timeout, 0, httpx.WithStatusMapper(ClassifyServiceError), httpx.WithRateLimit(opts.RequestsPerSecond), httpx.WithUserAgent(version.UserAgent())),
		retries:              max(opts.Retries, 0),
		chainID:              opts.ChainID,
		expectedSigner:       opts.ExpectedSigner,
		primaryModel:         opts.PrimaryModel,
		reasoningModel:       opts.ReasoningModel,
		toolBudget:           opts.ToolBudget,
		tradeToolName:        opts.TradeToolName,
		reasoningTemperature: DefaultReasoningTemperature,
		reasoningMaxTokens:   opts.ReasoningMaxTokens,
		decisionPrompt:       opts.DecisionSystemPrompt,
		executor:             opts.Executor,
		sink:                 opts.Sink,
		log:                  log,
		now:                  opts.Now,
	}
	if g.toolBudget <= 0 {
		g.toolBudget = DefaultToolBudget
	}
	if g.tradeToolName == "" {
		g.tradeToolName = DefaultTradeToolName
	}
	if opts.ReasoningTemperature != nil {
		g.reasoningTemperature = *opts.ReasoningTemperature
	}
	if g.reasoningMaxTokens <= 0 {
		g.reasoningMaxTokens = DefaultReasoningMaxTokens
	}
	if g.reasoningModel == "" {
		g.reasoningModel = g.primaryModel
	}
	if g.decisionPrompt == "" {
		g.decisionPrompt = DefaultDecisionSystemPrompt
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.breaker = newReasoningBreaker(opts.Breaker, log)
	return g, nil
}

// Complete runs one completion. Once the accumulated tool results reach the
// budget the call is routed to the reasoning model instead.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if g.cred == nil {
		return nil, errNoCredential()
	}
	wire := ToWireMessages(req.Messages)
	route := SelectRoute(wire, g.toolBudget, g.tradeToolName)
	if route != RoutePrimary {
		metrics.FallbackRoutes.WithLabelValues(string(route)).Inc()
		g.log.Infow("tool budget reached", "route", route, "tool_results", CountToolResults(wire), "budget", g.toolBudget)
	}
	switch route {
	case RouteExecutedSentinel:
		return g.executedSentinel(), nil
	case RouteFallbackReasoning:
		return g.decide(ctx, req, wire), nil
	}

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
	}
	start := time.Now()
	resp, err := g.send(ctx, body)
	g.observe(model, RoutePrimary, start, resp, err)
	if err != nil {
		return nil, err
	}
	resp.Route = RoutePrimary
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Signature != "" && resp.FinishReason() != FinishToolCalls {
		resp.Verification = g.recordVerification(ctx, ReconstructFullPrompt(wire), resp.Model, resp.Text(), resp.Signature, resp.Usage)
	}
	return resp, nil
}

// send posts body, fetching fresh credentials for every attempt.
func (g *Gateway) send(ctx context.Context, body wireRequest) (*CompletionResponse, error) {
	if g.cred == nil {
		return nil, errNoCredential()
	}
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(httpx.Backoff(attempt)):
			}
		}
		resp, err := g.sendOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !httpx.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		g.log.Debugw("retrying completion", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func errNoCredential() error {
	return clierr.Auth("", 0, "no credential configured", nil)
}

func (g *Gateway) sendOnce(ctx context.Context, body wireRequest) (*CompletionResponse, error) {
	fields, err := g.cred.AuthFields(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := body.encode(fields.BodyFields)
	if err != nil {
		return nil, err
	}
	var raw wireResponse
	if _, err := httpx.DoBodyJSON(ctx, g.http, http.MethodPost, g.endpoint, payload, fields.Headers, &raw); err != nil {
		return nil, err
	}
	return raw.toResponse()
}

func (g *Gateway) recordVerification(ctx context.Context, prompt, model, output, signature string, usage Usage) *verify.Record {
	rec, err := verify.NewRecord(verify.Input{
		ChainID:        g.chainID,
		Model:          model,
		Prompt:         prompt,
		Output:         output,
		Signature:      signature,
		ExpectedSigner: g.expectedSigner,
	}, usage, g.now())
	if err != nil {
		g.log.Errorw("build verification record", "error", err)
		return nil
	}
	outcome := "valid"
	if !rec.IsValid {
		outcome = "invalid"
		g.log.Warnw("signature verification failed", "model", model, "recovered", rec.RecoveredSigner, "expected", g.expectedSigner, "error", rec.Error)
	}
	metrics.Verifications.WithLabelValues(model, outcome).Inc()
	if g.sink != nil {
		if err := g.sink.Record(ctx, rec); err != nil {
			metrics.SinkErrors.Inc()
			g.log.Errorw("store verification record", "id", rec.ID, "error", err)
		}
	}
	return &rec
}

func (g *Gateway) observe(model string, route Route, start time.Time, resp *CompletionResponse, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if typed, ok := clierr.As(err); ok && typed.Service != "" {
			status = string(typed.Service)
		}
	}
	metrics.RequestCount.WithLabelValues(model, string(route), status).Inc()
	metrics.RequestDuration.WithLabelValues(model, string(route)).Observe(time.Since(start).Seconds())
	if resp != nil {
		metrics.PromptTokens.WithLabelValues(model).Add(float64(resp.Usage.PromptTokens))
		metrics.CompletionTokens.WithLabelValues(model).Add(float64(resp.Usage.CompletionTokens))
	}
}

type wireMessage struct {
	Role       string            `json:"role"`
	Content    *string           `json:"content"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	Tools       []openai.Tool `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// encode merges the credential body fields into the request object.
func (r wireRequest) encode(extra map[string]string) ([]byte, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode completion request", err)
	}
	if len(extra) == 0 {
		return buf, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(buf, &merged); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode completion request", err)
	}
	for k, v := range extra {
		merged[k] = v
	}
	buf, err = json.Marshal(merged)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode completion request", err)
	}
	return buf, nil
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string            `json:"role"`
			Content   *string           `json:"content"`
			ToolCalls []openai.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason openai.FinishReason `json:"finish_reason"`
	} `json:"choices"`
	Usage     openai.Usage `json:"usage"`
	Signature string       `json:"signature"`
}

func (r wireResponse) toResponse() (*CompletionResponse, error) {
	if len(r.Choices) == 0 {
		return nil, clierr.New(clierr.CodeProtocol, "completion response has no choices")
	}
	out := &CompletionResponse{
		ID:    r.ID,
		Model: r.Model,
		Usage: Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
		Signature: r.Signature,
	}
	for _, c := range r.Choices {
		role := c.Message.Role
		if role == "" {
			role = RoleAssistant
		}
		msg := ChatMessage{Role: role, Content: c.Message.Content, ToolCalls: fromOpenAIToolCalls(c.Message.ToolCalls)}
		if len(msg.ToolCalls) > 0 && msg.Content != nil && *msg.Content == "" {
			msg.Content = nil
		}
		out.Choices = append(out.Choices, Choice{Message: msg, FinishReason: mapFinishReason(string(c.FinishReason))})
	}
	return out, nil
}

func mapFinishReason(raw string) FinishReason {
	switch raw {
	case string(openai.FinishReasonStop):
		return FinishStop
	case string(openai.FinishReasonLength):
		return FinishLength
	case string(openai.FinishReasonToolCalls), string(openai.FinishReasonFunctionCall), string(FinishToolCalls):
		return FinishToolCalls
	case string(openai.FinishReasonContentFilter), string(FinishContentFilter):
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func toWire(messages []ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, c := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openai.ToolCall{
				ID:       c.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: c.Name, Arguments: c.ArgumentsJSON},
			})
		}
		if len(wm.ToolCalls) > 0 {
			wm.Content = nil
		}
		out = append(out, wm)
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{ID: c.ID, Name: c.Function.Name, ArgumentsJSON: c.Function.Arguments})
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		fn := &openai.FunctionDefinition{Name: d.Name, Description: d.Description}
		if len(d.Parameters) > 0 {
			fn.Parameters = d.Parameters
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out
}
