package inference

import "strings"

// ToWireMessages converts accumulated turns into strict call/result
// alternation: every tool call becomes its own assistant message, immediately
// followed by the tool message holding its result when one exists.
func ToWireMessages(turns []AccumulatedTurn) []ChatMessage {
	results := make(map[string]ToolResult)
	for _, turn := range turns {
		if turn.Role != RoleTool {
			continue
		}
		for _, r := range toolResults(turn) {
			if _, seen := results[r.CallID]; !seen {
				results[r.CallID] = r
			}
		}
	}

	out := make([]ChatMessage, 0, len(turns))
	emitted := make(map[string]bool)
	for _, turn := range turns {
		switch {
		case turn.Role == RoleTool:
			// Results are emitted next to their calls.
			continue
		case turn.Role == RoleAssistant && len(turn.ToolCalls) > 0:
			for _, call := range turn.ToolCalls {
				out = append(out, ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
				r, ok := results[call.ID]
				if !ok || emitted[call.ID] {
					continue
				}
				emitted[call.ID] = true
				out = append(out, ChatMessage{Role: RoleTool, Content: strPtr(r.Content), ToolCallID: call.ID})
			}
		default:
			out = append(out, ChatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
	return out
}

func toolResults(turn AccumulatedTurn) []ToolResult {
	if len(turn.ToolResults) > 0 {
		return turn.ToolResults
	}
	if turn.ToolCallID == "" {
		return nil
	}
	content := ""
	if turn.Content != nil {
		content = *turn.Content
	}
	return []ToolResult{{CallID: turn.ToolCallID, Content: content}}
}

// ReconstructFullPrompt concatenates message contents in order with no
// separators. This must match byte for byte what the service signed.
func ReconstructFullPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Text())
	}
	return b.String()
}

func CountToolResults(messages []ChatMessage) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleTool {
			n++
		}
	}
	return n
}

func CollectToolCalls(messages []ChatMessage) []ToolCall {
	var calls []ToolCall
	for _, m := range messages {
		calls = append(calls, m.ToolCalls...)
	}
	return calls
}

// originalUserMessage returns the first user message of the conversation.
func originalUserMessage(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role == RoleUser {
			return m.Text()
		}
	}
	return ""
}
