// Package verify checks that a signed completion was produced by the expected
// signer, by rebuilding the exact byte sequence the service signed.
package verify

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoveredError is reported as the recovered address when recovery fails.
const RecoveredError = "ERROR"

type Input struct {
	ChainID        string
	Model          string
	Prompt         string
	Output         string
	Signature      string
	ExpectedSigner string
}

type Result struct {
	IsValid              bool   `json:"is_valid"`
	RecoveredAddress     string `json:"recovered_address"`
	ReconstructedMessage string `json:"reconstructed_message"`
	Error                string `json:"error,omitempty"`
}

// ReconstructSignedMessage concatenates the signed fields with no delimiters.
func ReconstructSignedMessage(chainID, model, prompt, output string) string {
	return chainID + model + prompt + output
}

// NormalizeSignature adds the 0x prefix when it is missing.
func NormalizeSignature(sig string) string {
	sig = strings.TrimSpace(sig)
	if strings.HasPrefix(sig, "0x") || strings.HasPrefix(sig, "0X") {
		return "0x" + sig[2:]
	}
	return "0x" + sig
}

// RecoverAddress recovers the EIP-191 personal-message signer of message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(NormalizeSignature(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d, expected %d", len(sig), crypto.SignatureLength)
	}
	switch v := sig[crypto.RecoveryIDOffset]; v {
	case 0, 1:
	case 27, 28:
		sig[crypto.RecoveryIDOffset] = v - 27
	default:
		return common.Address{}, fmt.Errorf("invalid signature recovery id %d", v)
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify never returns an error: a malformed or foreign signature is reported
// in the result.
func Verify(in Input) Result {
	message := ReconstructSignedMessage(in.ChainID, in.Model, in.Prompt, in.Output)
	res := Result{ReconstructedMessage: message}
	addr, err := RecoverAddress(message, in.Signature)
	if err != nil {
		res.RecoveredAddress = RecoveredError
		res.Error = err.Error()
		return res
	}
	res.RecoveredAddress = addr.Hex()
	res.IsValid = strings.EqualFold(addr.Hex(), strings.TrimSpace(in.ExpectedSigner))
	return res
}

// AuditHashes returns the keccak256 hex digests of prompt and output.
func AuditHashes(prompt, output string) (promptHash, outputHash string) {
	return crypto.Keccak256Hash([]byte(prompt)).Hex(), crypto.Keccak256Hash([]byte(output)).Hex()
}
