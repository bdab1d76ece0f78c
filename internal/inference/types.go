package inference

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	openai "github.com/sashabaranov/go-openai"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleTool      = openai.ChatMessageRoleTool
)

type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// ChatMessage is one wire-level message. An assistant message that carries
// tool calls has a nil Content; a tool message names the call it answers.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Text returns the message content, treating null as empty.
func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// AccumulatedTurn is the caller-side conversation entry: one assistant turn
// may hold every tool call of a step and one tool turn every result.
type AccumulatedTurn struct {
	Role        string       `json:"role"`
	Content     *string      `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	// ToolCallID lets a tool turn carry a single result in Content.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type CompletionRequest struct {
	Messages    []AccumulatedTurn `json:"messages"`
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	TopP        *float32          `json:"top_p,omitempty"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice  any               `json:"tool_choice,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	// Positions are held tokens, used to build the HOLD-all default decision.
	Positions []string `json:"positions,omitempty"`
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
)

type Usage = verify.Usage

type Choice struct {
	Message      ChatMessage  `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

type CompletionResponse struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Choices      []Choice       `json:"choices"`
	Usage        Usage          `json:"usage"`
	Signature    string         `json:"signature,omitempty"`
	Route        Route          `json:"route"`
	Verification *verify.Record `json:"verification,omitempty"`
}

// Text concatenates the content of every choice in order.
func (r *CompletionResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Choices {
		b.WriteString(c.Message.Text())
	}
	return b.String()
}

// FinishReason returns the first choice's finish reason.
func (r *CompletionResponse) FinishReason() FinishReason {
	if r == nil || len(r.Choices) == 0 {
		return FinishStop
	}
	return r.Choices[0].FinishReason
}

type TradeRequest struct {
	Token     string  `json:"token"`
	Action    string  `json:"action"`
	AmountUSD float64 `json:"amount_usd"`
	Via       string  `json:"via,omitempty"`
}

type TradeResult struct {
	Executed bool   `json:"executed"`
	DryRun   bool   `json:"dry_run"`
	TxHash   string `json:"tx_hash,omitempty"`
	Error    string `json:"error,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// TradeExecutor quotes and, unless running dry, executes one trade.
type TradeExecutor interface {
	QuoteAndExecute(ctx context.Context, req TradeRequest) (TradeResult, error)
}

// VerificationSink stores verification records. The gateway logs and drops
// sink failures.
type VerificationSink interface {
	Record(ctx context.Context, rec verify.Record) error
}

func strPtr(s string) *string { return &s }
