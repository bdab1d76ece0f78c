package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
)

var (
	policyERC20ABI  = mustPolicyABI(registry.ERC20MinimalABI)
	policyRouterABI = mustPolicyABI(registry.UniswapV3RouterABI)

	policyApproveSelector = policyERC20ABI.Methods["approve"].ID
	policySingleSwap      = policyRouterABI.Methods["exactInputSingle"]
	policyMultiHopSwap    = policyRouterABI.Methods["exactInput"]
)

type policySingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

type policyMultiHopParams struct {
	Path             []byte
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// validateStepPolicy checks step calldata before anything is signed: approvals
// go to the canonical router for at most the input amount, and swaps hit the
// canonical router and pay out to the action recipient.
func validateStepPolicy(action *Action, step *ActionStep, chainID int64, data []byte, opts ExecuteOptions) error {
	if step == nil {
		return clierr.New(clierr.CodeInternal, "missing action step")
	}
	if !common.IsHexAddress(step.Target) {
		return clierr.New(clierr.CodeActionPlan, "invalid step target address")
	}
	switch step.Type {
	case StepTypeApproval:
		return validateApprovalPolicy(action, chainID, data, opts)
	case StepTypeSwap:
		return validateSwapPolicy(action, step, chainID, data)
	default:
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("unsupported step type %q", step.Type))
	}
}

func validateApprovalPolicy(action *Action, chainID int64, data []byte, opts ExecuteOptions) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	if _, router, ok := registry.UniswapV3Contracts(chainID); ok && spender != common.HexToAddress(router) {
		return clierr.New(clierr.CodeActionPlan, "approval spender does not match canonical router")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	if opts.AllowMaxApproval {
		return nil
	}
	if action == nil {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds without action context")
	}
	requested, ok := parsePositiveBaseUnits(action.InputAmount)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds for non-numeric input amount")
	}
	if amount.Cmp(requested) > 0 {
		return clierr.New(
			clierr.CodeActionPlan,
			fmt.Sprintf("approval amount %s exceeds requested input amount %s; set allow-max-approval to override", amount.String(), requested.String()),
		)
	}
	return nil
}

func validateSwapPolicy(action *Action, step *ActionStep, chainID int64, data []byte) error {
	_, router, ok := registry.UniswapV3Contracts(chainID)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("swap step has unsupported chain %d", chainID))
	}
	if !strings.EqualFold(common.HexToAddress(step.Target).Hex(), common.HexToAddress(router).Hex()) {
		return clierr.New(clierr.CodeActionPlan, "swap step target does not match canonical router")
	}
	if len(data) < 4 {
		return clierr.New(clierr.CodeActionPlan, "swap step calldata is empty")
	}
	var recipient common.Address
	switch {
	case bytes.Equal(data[:4], policySingleSwap.ID):
		values, err := policySingleSwap.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 1 {
			return clierr.New(clierr.CodeActionPlan, "swap step calldata is invalid")
		}
		params := *abi.ConvertType(values[0], new(policySingleParams)).(*policySingleParams)
		recipient = params.Recipient
	case bytes.Equal(data[:4], policyMultiHopSwap.ID):
		values, err := policyMultiHopSwap.Inputs.Unpack(data[4:])
		if err != nil || len(values) != 1 {
			return clierr.New(clierr.CodeActionPlan, "swap step calldata is invalid")
		}
		params := *abi.ConvertType(values[0], new(policyMultiHopParams)).(*policyMultiHopParams)
		recipient = params.Recipient
	default:
		return clierr.New(clierr.CodeActionPlan, "swap step must call exactInputSingle or exactInput")
	}
	if action != nil && strings.TrimSpace(action.ToAddress) != "" && recipient != common.HexToAddress(action.ToAddress) {
		return clierr.New(clierr.CodeActionPlan, "swap recipient does not match action recipient")
	}
	return nil
}

func parsePositiveBaseUnits(value string) (*big.Int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
