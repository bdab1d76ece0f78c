package trade

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/execution"
	"github.com/recallnet/base-aerodrome-agent/internal/id"
	"github.com/recallnet/base-aerodrome-agent/internal/inference"
	"github.com/recallnet/base-aerodrome-agent/internal/policy"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
	"github.com/recallnet/base-aerodrome-agent/internal/signer"
	"go.uber.org/zap"
)

const (
	defaultSlippageBps int64 = 50
	quoteSymbol              = "USDC"
)

type Config struct {
	ChainID     int64
	RPCURL      string
	DryRun      bool
	SlippageBps int64
	Limits      policy.TradeLimits
	// Signer is required only when DryRun is false.
	Signer  signer.Signer
	Execute execution.ExecuteOptions
	Logger  *zap.SugaredLogger
}

// Executor quotes trades against Uniswap V3 on Base and, outside dry-run mode,
// submits them with the configured signer. It satisfies inference.TradeExecutor.
type Executor struct {
	chainID     int64
	rpcURL      string
	quoter      common.Address
	router      common.Address
	dryRun      bool
	slippageBps int64
	limits      policy.TradeLimits
	signer      signer.Signer
	execOpts    execution.ExecuteOptions
	log         *zap.SugaredLogger
}

func New(cfg Config) (*Executor, error) {
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = id.BaseChainID
	}
	quoterRaw, routerRaw, ok := registry.UniswapV3Contracts(chainID)
	if !ok {
		return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("trading is not supported on chain id %d", chainID))
	}
	rpcURL, err := registry.ResolveRPCURL(cfg.RPCURL, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "resolve rpc url", err)
	}
	if !cfg.DryRun && cfg.Signer == nil {
		return nil, clierr.New(clierr.CodeSigner, "live trading requires a signer; enable trade.dry_run or configure a private key")
	}
	if cfg.SlippageBps >= 10_000 {
		return nil, clierr.New(clierr.CodeConfig, "trade.slippage_bps must be less than 10000")
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	execOpts := cfg.Execute
	if execOpts == (execution.ExecuteOptions{}) {
		execOpts = execution.DefaultExecuteOptions()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		chainID:     chainID,
		rpcURL:      rpcURL,
		quoter:      common.HexToAddress(quoterRaw),
		router:      common.HexToAddress(routerRaw),
		dryRun:      cfg.DryRun,
		slippageBps: slippage,
		limits:      cfg.Limits,
		signer:      cfg.Signer,
		execOpts:    execOpts,
		log:         log,
	}, nil
}

// plan is a resolved trade: what is spent, what is bought, and the optional hop.
type plan struct {
	action string
	token  id.Token
	quote  id.Token
	via    *id.Token
}

func (e *Executor) resolve(req inference.TradeRequest) (plan, error) {
	action := strings.ToUpper(strings.TrimSpace(req.Action))
	if action != inference.ActionBuy && action != inference.ActionSell {
		return plan{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("unsupported trade action %q", req.Action))
	}
	token, err := id.ResolveToken(e.chainID, req.Token)
	if err != nil {
		return plan{}, err
	}
	usdc, err := id.ResolveToken(e.chainID, quoteSymbol)
	if err != nil {
		return plan{}, err
	}
	if id.SameToken(token, usdc) {
		return plan{}, clierr.New(clierr.CodeActionPlan, "cannot trade USDC against itself")
	}
	p := plan{action: action, token: token, quote: usdc}
	if via := strings.TrimSpace(req.Via); via != "" {
		hop, err := id.ResolveToken(e.chainID, via)
		if err != nil {
			return plan{}, err
		}
		// A hop equal to either endpoint is dropped and the trade goes direct.
		if id.SameToken(hop, token) || id.SameToken(hop, usdc) {
			e.log.Debugw("ignoring via equal to trade endpoint", "token", token.Symbol, "via", hop.Symbol)
		} else {
			p.via = &hop
		}
	}
	viaSymbol := ""
	if p.via != nil {
		viaSymbol = p.via.Symbol
	}
	if err := e.limits.CheckTrade(req.AmountUSD, token.Symbol, viaSymbol); err != nil {
		return plan{}, err
	}
	return p, nil
}

// QuoteAndExecute turns one trade decision into a quote and, outside dry-run
// mode, an on-chain swap. BUY spends AmountUSD of USDC on the token. SELL sells
// the token amount that AmountUSD of USDC currently buys. Live execution is
// attempted at most once per call.
func (e *Executor) QuoteAndExecute(ctx context.Context, req inference.TradeRequest) (inference.TradeResult, error) {
	p, err := e.resolve(req)
	if err != nil {
		return inference.TradeResult{}, err
	}
	usdAmount, err := id.USDToBaseUnits(req.AmountUSD, p.quote.Decimals)
	if err != nil {
		return inference.TradeResult{}, err
	}
	client, err := ethclient.DialContext(ctx, e.rpcURL)
	if err != nil {
		return inference.TradeResult{}, clierr.Wrap(clierr.CodeUnavailable, "connect base rpc", err)
	}
	defer client.Close()

	var q Quote
	switch p.action {
	case inference.ActionBuy:
		q, err = quoteRoute(ctx, client, e.quoter, p.quote, p.token, p.via, usdAmount)
	case inference.ActionSell:
		var priced Quote
		priced, err = quoteRoute(ctx, client, e.quoter, p.quote, p.token, nil, usdAmount)
		if err == nil {
			q, err = quoteRoute(ctx, client, e.quoter, p.token, p.quote, p.via, priced.AmountOut)
		}
	}
	if err != nil {
		return inference.TradeResult{}, err
	}
	summary := fmt.Sprintf("%s %s", p.action, q.Summary())
	e.log.Infow("trade quoted", "action", p.action, "token", p.token.Symbol, "amount_usd", req.AmountUSD, "route", q.Route(), "amount_out", q.AmountOut.String(), "dry_run", e.dryRun)

	if e.dryRun {
		return inference.TradeResult{DryRun: true, Summary: summary}, nil
	}

	sender := e.signer.Address()
	action, err := buildSwapAction(ctx, client, q, e.chainID, e.router, sender, e.slippageBps)
	if err != nil {
		return inference.TradeResult{}, err
	}
	if err := execution.NewExecutor(client, e.signer, e.execOpts, e.log.Named("execution")).Run(ctx, &action); err != nil {
		e.log.Warnw("trade execution failed", "action_id", action.ActionID, "error", err)
		return inference.TradeResult{Error: err.Error(), TxHash: action.LastTxHash(), Summary: summary}, nil
	}
	e.log.Infow("trade executed", "action_id", action.ActionID, "tx", action.LastTxHash())
	return inference.TradeResult{Executed: true, TxHash: action.LastTxHash(), Summary: summary}, nil
}

var _ inference.TradeExecutor = (*Executor)(nil)
