package app

import (
	"errors"
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/model"
	"github.com/recallnet/base-aerodrome-agent/internal/records"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newVerifyCommand() *cobra.Command {
	var (
		recordID       string
		promptFile     string
		outputFile     string
		modelName      string
		signature      string
		expectedSigner string
		showMessage    bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-run signature verification for a stored record or raw inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if strings.TrimSpace(recordID) != "" {
				store, err := s.deps().Store()
				if err != nil {
					return err
				}
				rec, err := store.Get(cmd.Context(), strings.TrimSpace(recordID))
				if err != nil {
					if errors.Is(err, records.ErrNotFound) {
						return clierr.Wrap(clierr.CodeConfig, "unknown record", err)
					}
					return clierr.Wrap(clierr.CodeInternal, "read record", err)
				}
				report := reverifyRecord(rec)
				if !showMessage {
					report.ReconstructedMessage = ""
				}
				return s.emitSuccess(path, report, nil)
			}

			if promptFile == "" || outputFile == "" || modelName == "" || signature == "" {
				return clierr.New(clierr.CodeConfig, "either --record or all of --prompt-file, --output-file, --model and --signature are required")
			}
			prompt, err := readInput(promptFile)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "read --prompt-file", err)
			}
			output, err := readInput(outputFile)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "read --output-file", err)
			}
			expected := strings.TrimSpace(expectedSigner)
			if expected == "" {
				expected = s.settings.ExpectedSigner
			}
			report := verificationReport(verify.Input{
				ChainID:        s.settings.ChainID,
				Model:          modelName,
				Prompt:         string(prompt),
				Output:         string(output),
				Signature:      signature,
				ExpectedSigner: expected,
			})
			if !showMessage {
				report.ReconstructedMessage = ""
			}
			return s.emitSuccess(path, report, nil)
		},
	}
	cmd.Flags().StringVar(&recordID, "record", "", "Stored verification record id")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "File holding the reconstructed prompt")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "File holding the response output")
	cmd.Flags().StringVar(&modelName, "model", "", "Response model name")
	cmd.Flags().StringVar(&signature, "signature", "", "Response signature (hex)")
	cmd.Flags().StringVar(&expectedSigner, "expected-signer", "", "Override the configured expected signer")
	cmd.Flags().BoolVar(&showMessage, "show-message", false, "Include the reconstructed signed message")
	return cmd
}

// verificationReport compares prompt and output byte for byte; nothing is trimmed.
func verificationReport(in verify.Input) model.VerificationReport {
	res := verify.Verify(in)
	promptHash, outputHash := verify.AuditHashes(in.Prompt, in.Output)
	return model.VerificationReport{
		ChainID:              in.ChainID,
		Model:                in.Model,
		ExpectedSigner:       in.ExpectedSigner,
		RecoveredAddress:     res.RecoveredAddress,
		IsValid:              res.IsValid,
		PromptHash:           promptHash,
		OutputHash:           outputHash,
		ReconstructedMessage: res.ReconstructedMessage,
		Error:                res.Error,
	}
}

func reverifyRecord(rec verify.Record) model.VerificationReport {
	report := verificationReport(rec.Input())
	report.RecordID = rec.ID
	matches := report.IsValid == rec.IsValid && strings.EqualFold(report.RecoveredAddress, rec.RecoveredSigner)
	report.MatchesStored = &matches
	return report
}
