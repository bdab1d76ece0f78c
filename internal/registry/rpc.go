package registry

import (
	"fmt"
	"strings"
)

// Default public RPC endpoints used when trade.rpc_url is unset.
var defaultRPCByChainID = map[int64]string{
	8453:  "https://mainnet.base.org",
	84532: "https://sepolia.base.org",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set trade.rpc_url", chainID)
}
