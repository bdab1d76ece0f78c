package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/recallnet/base-aerodrome-agent/internal/config"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/model"
	"github.com/recallnet/base-aerodrome-agent/internal/out"
	"github.com/recallnet/base-aerodrome-agent/internal/policy"
	"github.com/recallnet/base-aerodrome-agent/internal/schema"
	"github.com/recallnet/base-aerodrome-agent/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	lastCommand string
	log         *zap.SugaredLogger
	svc         *services
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	err = normalizeRunError(err)
	state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Verifiable inference gateway and Base trade agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if s.log == nil {
				log, err := newLogger(settings.Debug)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "init logger", err)
				}
				s.log = log
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeConfig, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Inference request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per inference request")
	cmd.PersistentFlags().BoolVar(&s.flags.Debug, "debug", false, "Enable development logging")
	cmd.PersistentFlags().StringVar(&s.flags.BaseURL, "base-url", "", "Inference service base URL")
	cmd.PersistentFlags().StringVar(&s.flags.ChainID, "chain-id", "", "Chain id bound into response signatures")
	cmd.PersistentFlags().BoolVar(&s.flags.Live, "live", false, "Execute trades on-chain instead of dry-running them")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newCompleteCommand())
	cmd.AddCommand(s.newVerifyCommand())
	cmd.AddCommand(s.newRecordsCommand())
	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newSchemaCommand(cmd))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (s *runtimeState) newSchemaCommand(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands and flags as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "build command schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath),
	}
	return out.Render(s.runner.stdout, env, out.OptionsFrom(s.settings))
}

func (s *runtimeState) meta(commandPath string) model.EnvelopeMeta {
	meta := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		ChainID:   s.settings.ChainID,
	}
	if commandPath == "complete" {
		dryRun := s.settings.TradeDryRun
		meta.DryRun = &dryRun
	}
	return meta
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	opts := out.OptionsFrom(s.settings)
	opts.ResultsOnly = false
	opts.Select = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error:   errorBody(err),
		Meta:    s.meta(commandPath),
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func errorBody(err error) *model.ErrorBody {
	body := &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    "internal_error",
		Message: err.Error(),
	}
	cErr, ok := clierr.As(err)
	if !ok {
		return body
	}
	body.Message = cErr.Message
	if cErr.Cause != nil {
		body.Message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
	}
	body.Stage = cErr.Stage
	body.StatusCode = cErr.StatusCode
	body.Service = string(cErr.Service)
	body.Type = errorType(cErr.Code)
	return body
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeConfig:
		return "config_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "service_unavailable"
	case clierr.CodeTransport:
		return "transport_error"
	case clierr.CodeProtocol:
		return "protocol_error"
	case clierr.CodeBlocked:
		return "command_blocked"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeActionPlan, clierr.CodeActionSim, clierr.CodeActionTimeout:
		return "trade_error"
	default:
		return "internal_error"
	}
}

func newRequestID() string {
	id, err := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 20)
	if err != nil {
		return ""
	}
	return "req_" + id
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeConfig, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (s *runtimeState) close() {
	if s.svc != nil {
		s.svc.Close()
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}
