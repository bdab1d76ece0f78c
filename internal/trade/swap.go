package trade

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/execution"
)

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputParams struct {
	Path             []byte         `abi:"path"`
	Recipient        common.Address `abi:"recipient"`
	AmountIn         *big.Int       `abi:"amountIn"`
	AmountOutMinimum *big.Int       `abi:"amountOutMinimum"`
}

// minimumOut applies the slippage tolerance to a quoted output.
func minimumOut(quoted *big.Int, slippageBps int64) (*big.Int, error) {
	if slippageBps <= 0 {
		slippageBps = defaultSlippageBps
	}
	if slippageBps >= 10_000 {
		return nil, clierr.New(clierr.CodeConfig, "slippage bps must be less than 10000")
	}
	out := new(big.Int).Mul(quoted, big.NewInt(10_000-slippageBps))
	return out.Div(out, big.NewInt(10_000)), nil
}

// buildSwapAction plans an approval (when the router allowance is short) and
// the router call for q, paying out to sender.
func buildSwapAction(ctx context.Context, client execution.ChainClient, q Quote, chainID int64, router, sender common.Address, slippageBps int64) (execution.Action, error) {
	amountOutMin, err := minimumOut(q.AmountOut, slippageBps)
	if err != nil {
		return execution.Action{}, err
	}
	if slippageBps <= 0 {
		slippageBps = defaultSlippageBps
	}
	caip2 := fmt.Sprintf("eip155:%d", chainID)
	tokenIn := common.HexToAddress(q.TokenIn.Address)

	action := execution.NewAction("swap", caip2, execution.Constraints{SlippageBps: slippageBps, Simulate: true})
	action.Venue = "uniswap-v3"
	action.FromAddress = sender.Hex()
	action.ToAddress = sender.Hex()
	action.InputAmount = q.AmountIn.String()
	action.Metadata = map[string]any{
		"token_in":       q.TokenIn.Symbol,
		"token_out":      q.TokenOut.Symbol,
		"route":          q.Route(),
		"quoted_amount":  q.AmountOut.String(),
		"amount_out_min": amountOutMin.String(),
	}

	allowanceData, err := erc20ABI.Pack("allowance", sender, router)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	allowanceOut, err := client.CallContract(ctx, ethereum.CallMsg{From: sender, To: &tokenIn, Data: allowanceData}, nil)
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	values, err := erc20ABI.Unpack("allowance", allowanceOut)
	if err != nil || len(values) == 0 {
		return execution.Action{}, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return execution.Action{}, clierr.New(clierr.CodeUnavailable, "invalid allowance response")
	}
	if allowance.Cmp(q.AmountIn) < 0 {
		approveData, err := erc20ABI.Pack("approve", router, q.AmountIn)
		if err != nil {
			return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
		}
		action.Steps = append(action.Steps, execution.ActionStep{
			StepID:      "approve-token-in",
			Type:        execution.StepTypeApproval,
			Status:      execution.StepStatusPending,
			ChainID:     caip2,
			Description: fmt.Sprintf("Approve %s spending for swap router", q.TokenIn.Symbol),
			Target:      tokenIn.Hex(),
			Data:        "0x" + common.Bytes2Hex(approveData),
			Value:       "0",
		})
	}

	var swapData []byte
	stepID := "swap-exact-input-single"
	if q.MultiHop() {
		stepID = "swap-exact-input"
		swapData, err = routerABI.Pack("exactInput", exactInputParams{
			Path:             q.Path,
			Recipient:        sender,
			AmountIn:         q.AmountIn,
			AmountOutMinimum: amountOutMin,
		})
	} else {
		swapData, err = routerABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          common.HexToAddress(q.TokenOut.Address),
			Fee:               big.NewInt(int64(q.Fees[0])),
			Recipient:         sender,
			AmountIn:          q.AmountIn,
			AmountOutMinimum:  amountOutMin,
			SqrtPriceLimitX96: big.NewInt(0),
		})
	}
	if err != nil {
		return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      stepID,
		Type:        execution.StepTypeSwap,
		Status:      execution.StepStatusPending,
		ChainID:     caip2,
		Description: fmt.Sprintf("Swap %s for %s via Uniswap V3 router", q.TokenIn.Symbol, q.TokenOut.Symbol),
		Target:      router.Hex(),
		Data:        "0x" + common.Bytes2Hex(swapData),
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"amount_out_min": amountOutMin.String(),
		},
	})
	return action, nil
}
