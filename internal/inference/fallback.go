package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/recallnet/base-aerodrome-agent/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Route is the model path chosen for one Complete call.
type Route string

const (
	RoutePrimary           Route = "primary"
	RouteFallbackReasoning Route = "fallback-reasoning"
	RouteExecutedSentinel  Route = "executed-sentinel"
)

// ExecutedSentinel is returned when the trade tool already ran in this
// conversation.
const ExecutedSentinel = `{"action":"EXECUTED"}`

const resultSeparator = "\n\n---\n\n"

const DefaultDecisionSystemPrompt = `You are in DECISION MODE. All market data for this cycle has already been gathered and is included below; no tools are available.
Respond with a single JSON object and nothing else:
{"reasoning": "<why>", "trade_decisions": [{"token": "<symbol>", "action": "BUY|SELL|HOLD", "amount_usd": <number>, "via": "<optional intermediate token>", "rationale": "<why>"}]}`

// SelectRoute picks the model path from the tool results already present in
// the wire conversation.
func SelectRoute(messages []ChatMessage, budget int, tradeTool string) Route {
	if budget <= 0 {
		budget = DefaultToolBudget
	}
	if CountToolResults(messages) < budget {
		return RoutePrimary
	}
	for _, call := range CollectToolCalls(messages) {
		if call.Name == tradeTool {
			return RouteExecutedSentinel
		}
	}
	return RouteFallbackReasoning
}

// BuildDecisionPrompt embeds the original user message, every tool call and
// every tool result.
func BuildDecisionPrompt(messages []ChatMessage) string {
	var b strings.Builder
	b.WriteString(originalUserMessage(messages))
	b.WriteString("\n\n## Tool calls\n")
	for i, call := range CollectToolCalls(messages) {
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, call.Name, call.ArgumentsJSON)
	}
	var results []string
	for _, m := range messages {
		if m.Role == RoleTool {
			results = append(results, m.Text())
		}
	}
	b.WriteString("\n## Tool results\n\n")
	b.WriteString(strings.Join(results, resultSeparator))
	b.WriteString("\n\nProduce the final trading decision now.")
	return b.String()
}

type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

func newReasoningBreaker(cfg BreakerSettings, log *zap.SugaredLogger) *gobreaker.CircuitBreaker[*CompletionResponse] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return gobreaker.NewCircuitBreaker[*CompletionResponse](gobreaker.Settings{
		Name:        "reasoning-model",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// decide asks the reasoning model for the final decision and runs any trades
// it names. It always yields a response.
func (g *Gateway) decide(ctx context.Context, req CompletionRequest, wire []ChatMessage) *CompletionResponse {
	messages := []ChatMessage{
		{Role: RoleSystem, Content: strPtr(g.decisionPrompt)},
		{Role: RoleUser, Content: strPtr(BuildDecisionPrompt(wire))},
	}
	temperature := g.reasoningTemperature
	body := wireRequest{
		Model:       g.reasoningModel,
		Messages:    toWire(messages),
		MaxTokens:   g.reasoningMaxTokens,
		Temperature: &temperature,
	}

	start := time.Now()
	resp, err := g.breaker.Execute(func() (*CompletionResponse, error) {
		return g.send(ctx, body)
	})
	g.observe(g.reasoningModel, RouteFallbackReasoning, start, resp, err)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "reasoning model circuit open"
		}
		g.log.Warnw("reasoning model failed, holding all positions", "model", g.reasoningModel, "error", err)
		return g.holdResponse(req.Positions, reason)
	}

	resp.Route = RouteFallbackReasoning
	if resp.Model == "" {
		resp.Model = g.reasoningModel
	}
	raw := resp.Text()
	if resp.Signature != "" {
		resp.Verification = g.recordVerification(ctx, ReconstructFullPrompt(messages), resp.Model, raw, resp.Signature, resp.Usage)
	}

	decision, ok := ParseDecision(raw)
	if !ok {
		return resp
	}
	g.executeDecisions(ctx, &decision)
	annotated, err := decision.JSON()
	if err != nil {
		g.log.Errorw("encode decision", "error", err)
		return resp
	}
	resp.Choices = []Choice{{
		Message:      ChatMessage{Role: RoleAssistant, Content: strPtr(annotated)},
		FinishReason: resp.FinishReason(),
	}}
	return resp
}

func (g *Gateway) executeDecisions(ctx context.Context, d *Decision) {
	for i := range d.TradeDecisions {
		td := &d.TradeDecisions[i]
		if !td.Actionable() {
			continue
		}
		if g.executor == nil {
			td.annotate("[EXECUTION FAILED: no trade executor configured]")
			metrics.TradeOutcomes.WithLabelValues(td.Action, "failed").Inc()
			continue
		}
		res, err := g.executor.QuoteAndExecute(ctx, td.TradeRequest())
		note, outcome := executionNote(res, err)
		td.annotate(note)
		metrics.TradeOutcomes.WithLabelValues(td.Action, outcome).Inc()
		g.log.Infow("trade decision handled", "token", td.Token, "action", td.Action, "amount_usd", td.AmountUSD, "outcome", outcome)
	}
}

func executionNote(res TradeResult, err error) (string, string) {
	switch {
	case err != nil:
		return fmt.Sprintf("[EXECUTION FAILED: %s]", err.Error()), "failed"
	case res.Error != "":
		return fmt.Sprintf("[EXECUTION FAILED: %s]", res.Error), "failed"
	case res.DryRun:
		return fmt.Sprintf("[DRY RUN: %s]", res.Summary), "dry_run"
	case res.Executed:
		summary := res.Summary
		if res.TxHash != "" {
			summary = strings.TrimSpace(summary + " tx " + res.TxHash)
		}
		return fmt.Sprintf("[EXECUTED: %s]", summary), "executed"
	default:
		return "[EXECUTION FAILED: trade was not executed]", "failed"
	}
}

func (g *Gateway) holdResponse(positions []string, reason string) *CompletionResponse {
	text, err := HoldDecision(positions, reason).JSON()
	if err != nil {
		text = `{"reasoning":"decision fallback failed","trade_decisions":[]}`
	}
	return &CompletionResponse{
		ID:      "fallback-hold",
		Model:   g.reasoningModel,
		Choices: []Choice{{Message: ChatMessage{Role: RoleAssistant, Content: strPtr(text)}, FinishReason: FinishStop}},
		Route:   RouteFallbackReasoning,
	}
}

func (g *Gateway) executedSentinel() *CompletionResponse {
	return &CompletionResponse{
		ID:      "executed-sentinel",
		Model:   g.primaryModel,
		Choices: []Choice{{Message: ChatMessage{Role: RoleAssistant, Content: strPtr(ExecutedSentinel)}, FinishReason: FinishStop}},
		Route:   RouteExecutedSentinel,
	}
}
