package trade

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/id"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
)

var (
	quoterABI = mustABI(registry.UniswapV3QuoterV2ABI)
	erc20ABI  = mustABI(registry.ERC20MinimalABI)
	routerABI = mustABI(registry.UniswapV3RouterABI)
)

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// Quote is the best route found for an exact-input swap.
type Quote struct {
	TokenIn   id.Token
	TokenOut  id.Token
	Via       *id.Token
	AmountIn  *big.Int
	AmountOut *big.Int
	Fees      []uint32
	Path      []byte
}

func (q Quote) MultiHop() bool { return q.Via != nil }

func (q Quote) Route() string {
	fees := make([]string, 0, len(q.Fees))
	for _, f := range q.Fees {
		fees = append(fees, fmt.Sprintf("%d", f))
	}
	if q.MultiHop() {
		return fmt.Sprintf("uniswap-v3 via %s fees %s", q.Via.Symbol, strings.Join(fees, "/"))
	}
	return "uniswap-v3 fee " + strings.Join(fees, "/")
}

func (q Quote) Summary() string {
	return fmt.Sprintf("%s %s -> %s %s (%s)",
		id.FormatDecimal(q.AmountIn, q.TokenIn.Decimals), q.TokenIn.Symbol,
		id.FormatDecimal(q.AmountOut, q.TokenOut.Decimals), q.TokenOut.Symbol,
		q.Route())
}

// quoteRoute quotes tokenIn -> tokenOut directly, or through via when set.
// Each hop picks its best fee tier; a multi-hop route is re-quoted as a whole
// path so the returned amount accounts for both pools together.
func quoteRoute(ctx context.Context, client *ethclient.Client, quoter common.Address, tokenIn, tokenOut id.Token, via *id.Token, amountIn *big.Int) (Quote, error) {
	in := common.HexToAddress(tokenIn.Address)
	out := common.HexToAddress(tokenOut.Address)
	if via == nil {
		amountOut, fee, _, err := quoteBestFee(ctx, client, quoter, in, out, amountIn)
		if err != nil {
			return Quote{}, err
		}
		return Quote{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn, AmountOut: amountOut, Fees: []uint32{fee}}, nil
	}

	mid := common.HexToAddress(via.Address)
	hopOut, firstFee, _, err := quoteBestFee(ctx, client, quoter, in, mid, amountIn)
	if err != nil {
		return Quote{}, err
	}
	_, secondFee, _, err := quoteBestFee(ctx, client, quoter, mid, out, hopOut)
	if err != nil {
		return Quote{}, err
	}
	path := encodePath([]common.Address{in, mid, out}, []uint32{firstFee, secondFee})
	callData, err := quoterABI.Pack("quoteExactInput", path, amountIn)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeInternal, "pack path quote calldata", err)
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: callData}, nil)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeUnavailable, "quote multi-hop path", err)
	}
	decoded, err := quoterABI.Unpack("quoteExactInput", raw)
	if err != nil || len(decoded) < 1 {
		return Quote{}, clierr.Wrap(clierr.CodeUnavailable, "decode multi-hop quote", err)
	}
	amountOut, ok := decoded[0].(*big.Int)
	if !ok || amountOut == nil || amountOut.Sign() <= 0 {
		return Quote{}, clierr.New(clierr.CodeUnavailable, "multi-hop quote returned no output")
	}
	v := *via
	return Quote{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Via:       &v,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Fees:      []uint32{firstFee, secondFee},
		Path:      path,
	}, nil
}

func quoteBestFee(ctx context.Context, client *ethclient.Client, quoter, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, uint32, *big.Int, error) {
	var (
		bestOut *big.Int
		bestGas *big.Int
		bestFee uint32
	)
	for _, fee := range registry.UniswapV3FeeTiers {
		callData, err := quoterABI.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          amountIn,
			Fee:               big.NewInt(int64(fee)),
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return nil, 0, nil, clierr.Wrap(clierr.CodeInternal, "pack quoter calldata", err)
		}
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: callData}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, nil, clierr.Wrap(clierr.CodeUnavailable, "quote cancelled", ctx.Err())
			}
			continue
		}
		decoded, err := quoterABI.Unpack("quoteExactInputSingle", out)
		if err != nil || len(decoded) < 4 {
			continue
		}
		amountOut, ok := decoded[0].(*big.Int)
		if !ok || amountOut == nil || amountOut.Sign() <= 0 {
			continue
		}
		gasEstimate, ok := decoded[3].(*big.Int)
		if !ok || gasEstimate == nil {
			gasEstimate = big.NewInt(0)
		}
		if bestOut == nil || amountOut.Cmp(bestOut) > 0 || (amountOut.Cmp(bestOut) == 0 && gasEstimate.Cmp(bestGas) < 0) {
			bestOut = new(big.Int).Set(amountOut)
			bestGas = new(big.Int).Set(gasEstimate)
			bestFee = fee
		}
	}
	if bestOut == nil {
		return nil, 0, nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no uniswap-v3 pool quote for %s -> %s", tokenIn.Hex(), tokenOut.Hex()))
	}
	return bestOut, bestFee, bestGas, nil
}

// encodePath packs token0 | fee0 | token1 | fee1 | token2 as the router expects.
func encodePath(tokens []common.Address, fees []uint32) []byte {
	out := make([]byte, 0, len(tokens)*common.AddressLength+len(fees)*3)
	for i, t := range tokens {
		out = append(out, t.Bytes()...)
		if i < len(fees) {
			f := fees[i]
			out = append(out, byte(f>>16), byte(f>>8), byte(f))
		}
	}
	return out
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
