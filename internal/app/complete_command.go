package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/recallnet/base-aerodrome-agent/internal/config"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/inference"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/spf13/cobra"
)

// completionOutput is the envelope payload of `complete`, for both the
// synchronous and the streaming path.
type completionOutput struct {
	ID           string                 `json:"id"`
	Model        string                 `json:"model"`
	Route        inference.Route        `json:"route"`
	Text         string                 `json:"text"`
	ToolCalls    []inference.ToolCall   `json:"tool_calls,omitempty"`
	FinishReason inference.FinishReason `json:"finish_reason"`
	Usage        inference.Usage        `json:"usage"`
	Signature    string                 `json:"signature,omitempty"`
	Verification *verify.Record         `json:"verification,omitempty"`
}

func completionFromResponse(resp *inference.CompletionResponse) completionOutput {
	out := completionOutput{
		ID:           resp.ID,
		Model:        resp.Model,
		Route:        resp.Route,
		Text:         resp.Text(),
		FinishReason: resp.FinishReason(),
		Usage:        resp.Usage,
		Signature:    resp.Signature,
		Verification: resp.Verification,
	}
	if len(resp.Choices) > 0 {
		out.ToolCalls = resp.Choices[0].Message.ToolCalls
	}
	return out
}

func (s *runtimeState) newCompleteCommand() *cobra.Command {
	var (
		conversationPath string
		toolsPath        string
		modelName        string
		stream           bool
	)
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Run one signed completion through the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadCompletionRequest(conversationPath, toolsPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(modelName) != "" {
				req.Model = strings.TrimSpace(modelName)
			}
			applyRequestDefaults(&req, s.settings)

			gw, err := s.deps().Gateway()
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			if stream {
				result, err := s.runStream(cmd.Context(), gw, req)
				if err != nil {
					return err
				}
				return s.emitSuccess(path, result, nil)
			}
			resp, err := gw.Complete(cmd.Context(), req)
			if err != nil {
				return err
			}
			return s.emitSuccess(path, completionFromResponse(resp), verificationWarnings(resp.Verification))
		},
	}
	cmd.Flags().StringVar(&conversationPath, "conversation", "", "Path to the accumulated conversation JSON (\"-\" for stdin)")
	cmd.Flags().StringVar(&toolsPath, "tools", "", "Path to a JSON array of tool definitions")
	cmd.Flags().StringVar(&modelName, "model", "", "Override the primary model")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream text deltas to stderr")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func applyRequestDefaults(req *inference.CompletionRequest, settings config.Settings) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = settings.MaxTokens
	}
	if req.Temperature == nil && settings.Temperature != nil {
		v := *settings.Temperature
		req.Temperature = &v
	}
	if req.TopP == nil && settings.TopP != nil {
		v := *settings.TopP
		req.TopP = &v
	}
}

func (s *runtimeState) runStream(ctx context.Context, gw *inference.Gateway, req inference.CompletionRequest) (completionOutput, error) {
	events, err := gw.Stream(ctx, req)
	if err != nil {
		return completionOutput{}, err
	}
	result := completionOutput{Route: inference.RoutePrimary, Model: req.Model}
	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case inference.EventTextDelta:
			text.WriteString(ev.Delta)
			_, _ = io.WriteString(s.runner.stderr, ev.Delta)
		case inference.EventResponseMetadata:
			result.ID = ev.ID
			result.Model = ev.Model
		case inference.EventFinish:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
			result.Signature = ev.Signature
			result.FinishReason = ev.FinishReason
			result.Verification = ev.Verification
		case inference.EventError:
			return completionOutput{}, clierr.Wrap(clierr.CodeTransport, "read completion stream", ev.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return completionOutput{}, clierr.Wrap(clierr.CodeUnavailable, "stream cancelled", err)
	}
	if text.Len() > 0 {
		_, _ = io.WriteString(s.runner.stderr, "\n")
	}
	result.Text = text.String()
	return result, nil
}

func verificationWarnings(rec *verify.Record) []string {
	if rec == nil || rec.IsValid {
		return nil
	}
	msg := fmt.Sprintf("signature verification failed: recovered %s", rec.RecoveredSigner)
	if rec.Error != "" {
		msg += " (" + rec.Error + ")"
	}
	return []string{msg}
}

// loadCompletionRequest accepts either a full request object or a bare JSON
// array of accumulated turns.
func loadCompletionRequest(conversationPath, toolsPath string) (inference.CompletionRequest, error) {
	buf, err := readInput(conversationPath)
	if err != nil {
		return inference.CompletionRequest{}, clierr.Wrap(clierr.CodeConfig, "read --conversation", err)
	}
	req, err := decodeCompletionRequest(buf)
	if err != nil {
		return inference.CompletionRequest{}, err
	}
	if strings.TrimSpace(toolsPath) != "" {
		raw, err := readInput(toolsPath)
		if err != nil {
			return inference.CompletionRequest{}, clierr.Wrap(clierr.CodeConfig, "read --tools", err)
		}
		var tools []inference.ToolDefinition
		if err := json.Unmarshal(raw, &tools); err != nil {
			return inference.CompletionRequest{}, clierr.Wrap(clierr.CodeConfig, "parse --tools", err)
		}
		req.Tools = tools
	}
	return req, nil
}

func decodeCompletionRequest(buf []byte) (inference.CompletionRequest, error) {
	trimmed := bytes.TrimSpace(buf)
	var req inference.CompletionRequest
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Messages); err != nil {
			return inference.CompletionRequest{}, clierr.Wrap(clierr.CodeConfig, "parse conversation", err)
		}
	} else if err := json.Unmarshal(trimmed, &req); err != nil {
		return inference.CompletionRequest{}, clierr.Wrap(clierr.CodeConfig, "parse conversation", err)
	}
	if len(req.Messages) == 0 {
		return inference.CompletionRequest{}, clierr.New(clierr.CodeConfig, "conversation has no messages")
	}
	return req, nil
}

func readInput(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
