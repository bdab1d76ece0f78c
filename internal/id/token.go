package id

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

const (
	BaseChainID        int64 = 8453
	BaseSepoliaChainID int64 = 84532
)

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

// Tokens the agent is allowed to reason about, keyed by EVM chain id.
var tokenRegistry = map[int64][]Token{
	BaseChainID: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		{Symbol: "AERO", Address: "0x940181a94A35A4569E4529A3CDfB74e38FD98631", Decimals: 18},
		{Symbol: "cbBTC", Address: "0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf", Decimals: 8},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "DEGEN", Address: "0x4ed4E862860beD51a9570b96d89aF5E1B0Efefed", Decimals: 18},
		{Symbol: "BRETT", Address: "0x532f27101965dd16442E59d40670FaF5eBB142E4", Decimals: 18},
	},
	BaseSepoliaChainID: {
		{Symbol: "USDC", Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
}

// ResolveToken accepts a registry symbol (case-insensitive) or a 0x address
// of a registered token.
func ResolveToken(chainID int64, input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeConfig, "token is required")
	}
	if _, ok := tokenRegistry[chainID]; !ok {
		return Token{}, clierr.New(clierr.CodeConfig, fmt.Sprintf("no token registry for chain id %d", chainID))
	}
	if evmAddressPattern.MatchString(raw) {
		if t, ok := LookupByAddress(chainID, raw); ok {
			return t, nil
		}
		return Token{}, clierr.New(clierr.CodeConfig, fmt.Sprintf("token address %s is not registered on chain %d", raw, chainID))
	}
	if t, ok := KnownToken(chainID, raw); ok {
		return t, nil
	}
	return Token{}, clierr.New(clierr.CodeConfig, fmt.Sprintf("symbol %s not found in registry for chain %d", input, chainID))
}

func KnownToken(chainID int64, symbol string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, strings.TrimSpace(symbol)) {
			return t, true
		}
	}
	return Token{}, false
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			return t, true
		}
	}
	return Token{}, false
}

// Symbols lists the registered symbols for a chain in sorted order.
func Symbols(chainID int64) []string {
	out := make([]string, 0, len(tokenRegistry[chainID]))
	for _, t := range tokenRegistry[chainID] {
		out = append(out, t.Symbol)
	}
	sort.Strings(out)
	return out
}

// SameToken compares two registry entries by address.
func SameToken(a, b Token) bool {
	return a.Address != "" && strings.EqualFold(a.Address, b.Address)
}
