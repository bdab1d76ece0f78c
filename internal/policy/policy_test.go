package policy

import (
	"testing"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

func TestCheckTokenAllowed(t *testing.T) {
	if err := CheckTokenAllowed(nil, "AERO"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckTokenAllowed([]string{"aero", " WETH "}, "AERO"); err != nil {
		t.Fatalf("expected token to be allowed: %v", err)
	}
	err := CheckTokenAllowed([]string{"WETH"}, "DEGEN")
	if !clierr.IsCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestTradeLimitsCheckTrade(t *testing.T) {
	limits := TradeLimits{AllowedTokens: []string{"USDC", "AERO", "WETH"}, MaxTradeUSD: 50}
	if err := limits.CheckTrade(50, "AERO", "USDC"); err != nil {
		t.Fatalf("expected trade at cap to pass: %v", err)
	}
	if err := limits.CheckTrade(50.01, "AERO", "USDC"); !clierr.IsCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected cap error, got %v", err)
	}
	if err := limits.CheckTrade(10, "AERO", "USDC", "BRETT"); !clierr.IsCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected via token to be checked, got %v", err)
	}
	if err := (TradeLimits{}).CheckTrade(1e9, "ANY", ""); err != nil {
		t.Fatalf("expected unlimited policy to pass: %v", err)
	}
}

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "complete"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{" Records  List "}, "records list"); err != nil {
		t.Fatalf("expected normalized match: %v", err)
	}
	if err := CheckCommandAllowed([]string{"records"}, "records mark-submitted"); err != nil {
		t.Fatalf("expected parent path to allow subcommand: %v", err)
	}
	if err := CheckCommandAllowed([]string{"records list"}, "complete"); !clierr.IsCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if err := CheckCommandAllowed([]string{"rec"}, "records list"); !clierr.IsCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected prefix without word boundary to be blocked, got %v", err)
	}
}
