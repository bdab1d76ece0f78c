package verify

import (
	"fmt"
	"time"

	"github.com/aidarkhanov/nanoid"
)

const recordIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Record is the audit artifact for one signed response. It is built once and
// never mutated afterwards, apart from the sink's submitted flag.
type Record struct {
	ID              string    `json:"id"`
	RequestPrompt   string    `json:"request_prompt"`
	ResponseModel   string    `json:"response_model"`
	ResponseOutput  string    `json:"response_output"`
	Signature       string    `json:"signature"`
	Usage           Usage     `json:"usage"`
	ChainID         string    `json:"chain_id"`
	ExpectedSigner  string    `json:"expected_signer"`
	RecoveredSigner string    `json:"recovered_signer"`
	IsValid         bool      `json:"is_valid"`
	Error           string    `json:"error,omitempty"`
	PromptHash      string    `json:"prompt_hash"`
	OutputHash      string    `json:"output_hash"`
	CreatedAt       time.Time `json:"created_at"`
	Submitted       bool      `json:"submitted"`
}

// NewRecordID returns a fresh lowercase nanoid for a verification record.
func NewRecordID() (string, error) {
	id, err := nanoid.Generate(recordIDAlphabet, 16)
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}
	return "vr_" + id, nil
}

// NewRecord verifies in and captures inputs, outcome and audit hashes.
func NewRecord(in Input, usage Usage, now time.Time) (Record, error) {
	id, err := NewRecordID()
	if err != nil {
		return Record{}, err
	}
	res := Verify(in)
	promptHash, outputHash := AuditHashes(in.Prompt, in.Output)
	return Record{
		ID:              id,
		RequestPrompt:   in.Prompt,
		ResponseModel:   in.Model,
		ResponseOutput:  in.Output,
		Signature:       NormalizeSignature(in.Signature),
		Usage:           usage,
		ChainID:         in.ChainID,
		ExpectedSigner:  in.ExpectedSigner,
		RecoveredSigner: res.RecoveredAddress,
		IsValid:         res.IsValid,
		Error:           res.Error,
		PromptHash:      promptHash,
		OutputHash:      outputHash,
		CreatedAt:       now.UTC(),
	}, nil
}

// Input rebuilds the verification input from a stored record.
func (r Record) Input() Input {
	return Input{
		ChainID:        r.ChainID,
		Model:          r.ResponseModel,
		Prompt:         r.RequestPrompt,
		Output:         r.ResponseOutput,
		Signature:      r.Signature,
		ExpectedSigner: r.ExpectedSigner,
	}
}
