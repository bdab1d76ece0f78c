package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func TestUniswapV3Contracts(t *testing.T) {
	quoter, router, ok := UniswapV3Contracts(8453)
	if !ok {
		t.Fatal("expected base mainnet contracts to exist")
	}
	if !common.IsHexAddress(quoter) || !common.IsHexAddress(router) {
		t.Fatalf("unexpected uniswap-v3 contract values: quoter=%q router=%q", quoter, router)
	}
	if _, _, ok := UniswapV3Contracts(1); ok {
		t.Fatal("did not expect uniswap-v3 contracts for unsupported chain")
	}
}

func TestExecutionABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20MinimalABI, UniswapV3QuoterV2ABI, UniswapV3RouterABI} {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(" https://rpc.example.test ", 8453)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}
	defaultRPC, err := ResolveRPCURL("", 8453)
	if err != nil || defaultRPC != "https://mainnet.base.org" {
		t.Fatalf("unexpected default rpc %q err=%v", defaultRPC, err)
	}
	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

func TestValidateEndpoint(t *testing.T) {
	for _, ok := range []string{"https://inference.example.com", "http://127.0.0.1:8080", "http://localhost:3000/api"} {
		if err := ValidateEndpoint(ok); err != nil {
			t.Fatalf("expected %q to be allowed: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "http://inference.example.com", "not-a-url", "ftp://localhost/x"} {
		if err := ValidateEndpoint(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestJoinEndpoint(t *testing.T) {
	if got := JoinEndpoint("https://a.example/", "/api/chat/completions"); got != "https://a.example/api/chat/completions" {
		t.Fatalf("unexpected join: %s", got)
	}
	if got := JoinEndpoint("https://a.example", "message"); got != "https://a.example/message" {
		t.Fatalf("unexpected join: %s", got)
	}
}
