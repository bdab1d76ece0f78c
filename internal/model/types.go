package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Stage      string `json:"stage,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Service    string `json:"service,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ChainID   string    `json:"chain_id,omitempty"`
	DryRun    *bool     `json:"dry_run,omitempty"`
}

// VerificationReport is the output of a verify command.
type VerificationReport struct {
	RecordID             string `json:"record_id,omitempty"`
	ChainID              string `json:"chain_id"`
	Model                string `json:"model"`
	ExpectedSigner       string `json:"expected_signer,omitempty"`
	RecoveredAddress     string `json:"recovered_address"`
	IsValid              bool   `json:"is_valid"`
	MatchesStored        *bool  `json:"matches_stored,omitempty"`
	PromptHash           string `json:"prompt_hash"`
	OutputHash           string `json:"output_hash"`
	ReconstructedMessage string `json:"reconstructed_message,omitempty"`
	Error                string `json:"error,omitempty"`
}

type AuditHashes struct {
	PromptHash string `json:"prompt_hash"`
	OutputHash string `json:"output_hash"`
}

type RecordSummary struct {
	ID              string    `json:"id"`
	ResponseModel   string    `json:"response_model"`
	ChainID         string    `json:"chain_id"`
	RecoveredSigner string    `json:"recovered_signer"`
	IsValid         bool      `json:"is_valid"`
	Submitted       bool      `json:"submitted"`
	PromptHash      string    `json:"prompt_hash"`
	OutputHash      string    `json:"output_hash"`
	TotalTokens     int       `json:"total_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

type MarkSubmittedResult struct {
	Requested int `json:"requested"`
	Changed   int `json:"changed"`
}
