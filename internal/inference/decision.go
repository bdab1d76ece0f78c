package inference

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"

	minTradeUSD = 1.0
)

// USDAmount decodes from a JSON number or a numeric string such as "25" or
// "$1,000".
type USDAmount float64

func (a *USDAmount) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(unquoted), "$"))
		text = strings.ReplaceAll(text, ",", "")
		if text == "" {
			*a = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("amount_usd %s is not a number", data)
	}
	*a = USDAmount(v)
	return nil
}

type TradeDecision struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	AmountUSD USDAmount `json:"amount_usd"`
	Via       string    `json:"via,omitempty"`
	Rationale string    `json:"rationale"`
}

// Actionable reports whether the decision should reach the trade executor.
func (d TradeDecision) Actionable() bool {
	return (d.Action == ActionBuy || d.Action == ActionSell) && d.AmountUSD >= minTradeUSD
}

func (d TradeDecision) TradeRequest() TradeRequest {
	return TradeRequest{Token: d.Token, Action: d.Action, AmountUSD: float64(d.AmountUSD), Via: d.Via}
}

func (d *TradeDecision) annotate(note string) {
	d.Rationale = strings.TrimSpace(d.Rationale + " " + note)
}

type Decision struct {
	Reasoning      string          `json:"reasoning"`
	TradeDecisions []TradeDecision `json:"trade_decisions"`
}

func (d Decision) JSON() (string, error) {
	buf, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode decision: %w", err)
	}
	return string(buf), nil
}

// HoldDecision holds every position, or everything when none are known.
func HoldDecision(positions []string, reason string) Decision {
	if len(positions) == 0 {
		positions = []string{"ALL"}
	}
	d := Decision{
		Reasoning: fmt.Sprintf("Decision fallback: %s. Holding all positions until a decision can be reached.", reason),
	}
	for _, p := range positions {
		d.TradeDecisions = append(d.TradeDecisions, TradeDecision{
			Token:     p,
			Action:    ActionHold,
			Rationale: "safe default while no decision is available",
		})
	}
	return d
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ParseDecision extracts a decision from model text: the whole text, a fenced
// code block, or the outermost braces. ok is false when no candidate holds a
// trade_decisions array.
func ParseDecision(text string) (Decision, bool) {
	for _, candidate := range decisionCandidates(text) {
		var raw struct {
			Reasoning      string           `json:"reasoning"`
			TradeDecisions *[]TradeDecision `json:"trade_decisions"`
		}
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil || raw.TradeDecisions == nil {
			continue
		}
		d := Decision{Reasoning: raw.Reasoning, TradeDecisions: *raw.TradeDecisions}
		for i := range d.TradeDecisions {
			d.TradeDecisions[i].Action = strings.ToUpper(strings.TrimSpace(d.TradeDecisions[i].Action))
		}
		return d, true
	}
	return Decision{}, false
}

func decisionCandidates(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	candidates := []string{trimmed}
	if m := fencedBlock.FindStringSubmatch(trimmed); len(m) == 2 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidates = append(candidates, trimmed[start:end+1])
	}
	return candidates
}
