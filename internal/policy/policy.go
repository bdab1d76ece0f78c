package policy

import (
	"fmt"
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

// TradeLimits are the guardrails applied before any trade is quoted.
type TradeLimits struct {
	AllowedTokens []string
	MaxTradeUSD   float64
}

// CheckTokenAllowed passes every token when the allowlist is empty.
func CheckTokenAllowed(allowlist []string, symbol string) error {
	if len(allowlist) == 0 {
		return nil
	}
	norm := normalize(symbol)
	for _, allowed := range allowlist {
		if normalize(allowed) == norm {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("token %s blocked by trade.allowed_tokens policy", strings.TrimSpace(symbol)))
}

// CheckTrade enforces the allowlist on every token touched and the USD cap.
func (l TradeLimits) CheckTrade(amountUSD float64, symbols ...string) error {
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if err := CheckTokenAllowed(l.AllowedTokens, s); err != nil {
			return err
		}
	}
	if l.MaxTradeUSD > 0 && amountUSD > l.MaxTradeUSD {
		return clierr.New(clierr.CodeBlocked, fmt.Sprintf("trade of $%.2f exceeds trade.max_trade_usd ($%.2f)", amountUSD, l.MaxTradeUSD))
	}
	return nil
}

func normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
