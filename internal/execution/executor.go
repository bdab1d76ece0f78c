package execution

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/metrics"
	"github.com/recallnet/base-aerodrome-agent/internal/signer"
	"go.uber.org/zap"
)

// ChainClient is the slice of *ethclient.Client the executor drives.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ExecuteOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	AllowMaxApproval   bool
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

var (
	revertErrorSelector = common.FromHex("0x08c379a0")
	revertPanicSelector = common.FromHex("0x4e487b71")

	fallbackTipCap  = big.NewInt(2_000_000_000)
	fallbackBaseFee = big.NewInt(1_000_000_000)

	signerNonceLocksMu sync.Mutex
	signerNonceLocks   = map[string]*sync.Mutex{}
)

// Executor submits the steps of an Action through one chain client.
type Executor struct {
	client ChainClient
	signer signer.Signer
	opts   ExecuteOptions
	log    *zap.SugaredLogger
}

func NewExecutor(client ChainClient, txSigner signer.Signer, opts ExecuteOptions, log *zap.SugaredLogger) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{client: client, signer: txSigner, opts: opts, log: log}
}

// Run executes every pending step in order. Confirmed steps are skipped and
// submitted steps are awaited rather than re-broadcast, so running the same
// action twice never sends a transaction twice.
func (x *Executor) Run(ctx context.Context, action *Action) error {
	if action == nil {
		return clierr.New(clierr.CodeInternal, "missing action")
	}
	if x.signer == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	if x.client == nil {
		return clierr.New(clierr.CodeUnavailable, "missing chain client")
	}
	if len(action.Steps) == 0 {
		return clierr.New(clierr.CodeActionPlan, "action has no executable steps")
	}
	action.Status = ActionStatusRunning
	action.FromAddress = x.signer.Address().Hex()
	action.Touch()

	var chainID *big.Int
	for i := range action.Steps {
		step := &action.Steps[i]
		if step.Status == StepStatusConfirmed {
			continue
		}
		if !common.IsHexAddress(strings.TrimSpace(step.Target)) {
			x.fail(action, step, "invalid target")
			return clierr.New(clierr.CodeActionPlan, "invalid target for action step")
		}
		if chainID == nil {
			id, err := x.client.ChainID(ctx)
			if err != nil {
				x.fail(action, step, err.Error())
				return clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
			}
			chainID = id
		}
		if err := x.runStep(ctx, action, step, chainID); err != nil {
			x.fail(action, step, err.Error())
			return err
		}
		metrics.ExecutionSteps.WithLabelValues(string(step.Type), string(step.Status)).Inc()
		x.log.Infow("step confirmed", "action_id", action.ActionID, "step", step.StepID, "tx", step.TxHash)
		action.Touch()
	}
	action.Status = ActionStatusCompleted
	action.Touch()
	return nil
}

func (x *Executor) runStep(ctx context.Context, action *Action, step *ActionStep, chainID *big.Int) error {
	if step.Status == StepStatusSubmitted {
		if hash, ok := normalizeStepTxHash(step.TxHash); ok {
			x.log.Debugw("awaiting previously submitted step", "step", step.StepID, "tx", hash.Hex())
			return x.waitForReceipt(ctx, step, hash)
		}
	}
	if step.ChainID != "" {
		expected := fmt.Sprintf("eip155:%d", chainID.Int64())
		if !strings.EqualFold(strings.TrimSpace(step.ChainID), expected) {
			return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("step chain mismatch: expected %s, got %s", expected, step.ChainID))
		}
	}
	target := common.HexToAddress(step.Target)
	data, err := decodeHex(step.Data)
	if err != nil {
		return clierr.Wrap(clierr.CodeActionPlan, "decode step calldata", err)
	}
	value, ok := new(big.Int).SetString(step.Value, 10)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "invalid step value")
	}
	if err := validateStepPolicy(action, step, chainID.Int64(), data, x.opts); err != nil {
		return err
	}
	from := x.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &target, Value: value, Data: data}

	if x.opts.Simulate {
		if _, err := x.client.CallContract(ctx, msg, nil); err != nil {
			return wrapEVMExecutionError(clierr.CodeActionSim, "simulate step (eth_call)", err)
		}
		step.Status = StepStatusSimulated
	}

	gasLimit, err := x.client.EstimateGas(ctx, msg)
	if err != nil {
		return wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * x.opts.GasMultiplier)

	tipCap, err := x.tipCap(ctx)
	if err != nil {
		return err
	}
	header, err := x.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = fallbackBaseFee
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, x.opts.MaxFeeGwei)
	if err != nil {
		return err
	}

	unlock := acquireSignerNonceLock(chainID, from)
	nonce, err := x.client.PendingNonceAt(ctx, from)
	if err != nil {
		unlock()
		return clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := x.signer.SignTx(chainID, tx)
	if err != nil {
		unlock()
		return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	err = x.client.SendTransaction(ctx, signed)
	unlock()
	if err != nil {
		return wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	step.Status = StepStatusSubmitted
	step.TxHash = signed.Hash().Hex()
	x.log.Infow("step submitted", "action_id", action.ActionID, "step", step.StepID, "tx", step.TxHash, "nonce", nonce, "gas", gasLimit)
	return x.waitForReceipt(ctx, step, signed.Hash())
}

func (x *Executor) waitForReceipt(ctx context.Context, step *ActionStep, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, x.opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(x.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := x.client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				step.Status = StepStatusConfirmed
				return nil
			}
			return clierr.New(clierr.CodeActionSim, "transaction reverted on-chain")
		}
		// Transient polling errors are ignored until the step timeout.
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (x *Executor) tipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(x.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(x.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeConfig, "parse max priority fee gwei", err)
		}
		return v, nil
	}
	tipCap, err := x.client.SuggestGasTipCap(ctx)
	if err != nil {
		x.log.Debugw("tip cap suggestion failed, using fallback", "error", err)
		return new(big.Int).Set(fallbackTipCap), nil
	}
	return tipCap, nil
}

func (x *Executor) fail(action *Action, step *ActionStep, msg string) {
	step.Status = StepStatusFailed
	step.Error = msg
	action.Status = ActionStatusFailed
	action.Touch()
	metrics.ExecutionSteps.WithLabelValues(string(step.Type), string(StepStatusFailed)).Inc()
	x.log.Warnw("step failed", "action_id", action.ActionID, "step", step.StepID, "error", msg)
}

// acquireSignerNonceLock serializes nonce assignment and broadcast per
// signer and chain within the process.
func acquireSignerNonceLock(chainID *big.Int, address common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(address.Hex()))
	signerNonceLocksMu.Lock()
	mu, ok := signerNonceLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		signerNonceLocks[key] = mu
	}
	signerNonceLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func normalizeStepTxHash(raw string) (common.Hash, bool) {
	clean := strings.TrimSpace(raw)
	if !strings.HasPrefix(clean, "0x") {
		clean = "0x" + clean
	}
	buf, err := hexutil.Decode(clean)
	if err != nil || len(buf) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(buf), true
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

func decodeRevertFromError(err error) string {
	var dataErr interface{ ErrorData() interface{} }
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		data, decodeErr := hexutil.Decode(strings.TrimSpace(v))
		if decodeErr != nil {
			return ""
		}
		return decodeRevertData(data)
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	selector := data[:4]
	if bytes.Equal(selector, revertErrorSelector) || bytes.Equal(selector, revertPanicSelector) {
		if reason, err := abi.UnpackRevert(data); err == nil {
			return reason
		}
	}
	return "custom error " + hexutil.Encode(selector)
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeConfig, "parse max fee gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeConfig, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
