package app

import (
	"fmt"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/model"
	"github.com/recallnet/base-aerodrome-agent/internal/records"
	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/spf13/cobra"
)

func recordSummary(rec verify.Record) model.RecordSummary {
	return model.RecordSummary{
		ID:              rec.ID,
		ResponseModel:   rec.ResponseModel,
		ChainID:         rec.ChainID,
		RecoveredSigner: rec.RecoveredSigner,
		IsValid:         rec.IsValid,
		Submitted:       rec.Submitted,
		PromptHash:      rec.PromptHash,
		OutputHash:      rec.OutputHash,
		TotalTokens:     rec.Usage.TotalTokens,
		CreatedAt:       rec.CreatedAt,
	}
}

func recordSummaries(recs []verify.Record) []model.RecordSummary {
	out := make([]model.RecordSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordSummary(rec))
	}
	return out
}

func (s *runtimeState) newRecordsCommand() *cobra.Command {
	root := &cobra.Command{Use: "records", Short: "Verification record commands"}

	var (
		unsubmitted bool
		limit       int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored verification records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.deps().Store()
			if err != nil {
				return err
			}
			recs, err := store.List(cmd.Context(), records.ListFilter{UnsubmittedOnly: unsubmitted, Limit: limit})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list records", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), recordSummaries(recs), nil)
		},
	}
	list.Flags().BoolVar(&unsubmitted, "unsubmitted", false, "Only records not yet submitted")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum records to return")
	root.AddCommand(list)

	mark := &cobra.Command{
		Use:   "mark-submitted <id>...",
		Short: "Flag records as submitted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.deps().Store()
			if err != nil {
				return err
			}
			changed, err := store.MarkSubmitted(cmd.Context(), args...)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "mark records submitted", err)
			}
			var warnings []string
			if changed < len(args) {
				warnings = append(warnings, fmt.Sprintf("%d of %d records were unknown or already submitted", len(args)-changed, len(args)))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.MarkSubmittedResult{Requested: len(args), Changed: changed}, warnings)
		},
	}
	root.AddCommand(mark)

	var promptFile, outputFile string
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Compute keccak256 audit hashes for a prompt and output",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readInput(promptFile)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "read --prompt-file", err)
			}
			output, err := readInput(outputFile)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "read --output-file", err)
			}
			promptHash, outputHash := verify.AuditHashes(string(prompt), string(output))
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.AuditHashes{PromptHash: promptHash, OutputHash: outputHash}, nil)
		},
	}
	hash.Flags().StringVar(&promptFile, "prompt-file", "", "File holding the prompt")
	hash.Flags().StringVar(&outputFile, "output-file", "", "File holding the output")
	_ = hash.MarkFlagRequired("prompt-file")
	_ = hash.MarkFlagRequired("output-file")
	root.AddCommand(hash)

	return root
}
