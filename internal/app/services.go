package app

import (
	"os"
	"strconv"
	"strings"

	"github.com/recallnet/base-aerodrome-agent/internal/config"
	"github.com/recallnet/base-aerodrome-agent/internal/credential"
	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
	"github.com/recallnet/base-aerodrome-agent/internal/inference"
	"github.com/recallnet/base-aerodrome-agent/internal/policy"
	"github.com/recallnet/base-aerodrome-agent/internal/records"
	"github.com/recallnet/base-aerodrome-agent/internal/signer"
	"github.com/recallnet/base-aerodrome-agent/internal/trade"
	"go.uber.org/zap"
)

// services holds the components a command needs. Everything is built lazily
// so commands like `records hash` never touch keys or the network.
type services struct {
	settings config.Settings
	log      *zap.SugaredLogger

	store   *records.Store
	mirror  *records.RedisMirror
	signer  *signer.LocalSigner
	gateway *inference.Gateway
}

func (s *runtimeState) deps() *services {
	if s.svc == nil {
		log := s.log
		if log == nil {
			log = zap.NewNop().Sugar()
		}
		s.svc = &services{settings: s.settings, log: log}
	}
	return s.svc
}

func (svc *services) Close() {
	if svc.mirror != nil {
		_ = svc.mirror.Close()
	}
	if svc.store != nil {
		_ = svc.store.Close()
	}
}

func (svc *services) Store() (*records.Store, error) {
	if svc.store != nil {
		return svc.store, nil
	}
	store, err := records.Open(svc.settings.RecordsPath, svc.settings.RecordsLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open verification records", err)
	}
	svc.store = store
	return store, nil
}

// Sink is the SQLite store, fanned out to Redis when records.redis_addr is set.
func (svc *services) Sink() (inference.VerificationSink, error) {
	store, err := svc.Store()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(svc.settings.RedisAddr) == "" {
		return store, nil
	}
	if svc.mirror == nil {
		mirror, err := records.NewRedisMirror(svc.settings.RedisAddr, svc.settings.RedisKey)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeConfig, "configure records.redis_addr", err)
		}
		svc.mirror = mirror
	}
	return records.NewFanout(svc.log, store, svc.mirror), nil
}

func (svc *services) Signer() (*signer.LocalSigner, error) {
	if svc.signer != nil {
		return svc.signer, nil
	}
	cfg := signer.LocalSignerConfig{
		PrivateKeyHex:        svc.settings.PrivateKey,
		PrivateKeyFile:       svc.settings.PrivateKeyFile,
		KeystorePath:         svc.settings.KeystorePath,
		KeystorePassword:     strings.TrimSpace(os.Getenv(signer.EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(signer.EnvKeystorePasswordFile)),
	}
	var (
		local *signer.LocalSigner
		err   error
	)
	if cfg.Empty() {
		local, err = signer.NewLocalSignerFromEnv(signer.KeySourceAuto)
	} else {
		local, err = signer.NewLocalSigner(cfg)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load wallet key", err)
	}
	svc.signer = local
	return local, nil
}

func (svc *services) Credential() (credential.Provider, error) {
	cfg := credential.Config{
		APIKey:       svc.settings.APIKey,
		GrantBaseURL: svc.settings.GrantBaseURL,
		GrantTimeout: svc.settings.GrantTimeout,
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		local, err := svc.Signer()
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeAuth, "no api key configured and no wallet key available", err)
		}
		cfg.Signer = local
	}
	return credential.New(cfg)
}

func (svc *services) TradeExecutor() (*trade.Executor, error) {
	st := svc.settings
	chainID, err := strconv.ParseInt(strings.TrimSpace(st.ChainID), 10, 64)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "parse chain_id", err)
	}
	cfg := trade.Config{
		ChainID:     chainID,
		RPCURL:      st.TradeRPCURL,
		DryRun:      st.TradeDryRun,
		SlippageBps: st.TradeSlippageBps,
		Limits: policy.TradeLimits{
			AllowedTokens: st.TradeAllowedTokens,
			MaxTradeUSD:   st.TradeMaxUSD,
		},
		Logger: svc.log.Named("trade"),
	}
	if !st.TradeDryRun {
		local, err := svc.Signer()
		if err != nil {
			return nil, err
		}
		cfg.Signer = local
	}
	return trade.New(cfg)
}

func (svc *services) Gateway() (*inference.Gateway, error) {
	if svc.gateway != nil {
		return svc.gateway, nil
	}
	st := svc.settings
	if strings.TrimSpace(st.BaseURL) == "" {
		return nil, clierr.New(clierr.CodeConfig, "base_url is required (config, AGENT_BASE_URL or --base-url)")
	}
	cred, err := svc.Credential()
	if err != nil {
		return nil, err
	}
	sink, err := svc.Sink()
	if err != nil {
		return nil, err
	}
	opts := inference.Options{
		BaseURL:              st.BaseURL,
		CompletionsPath:      st.CompletionsPath,
		Credential:           cred,
		Timeout:              st.Timeout,
		Retries:              st.Retries,
		RequestsPerSecond:    st.RequestsPerSecond,
		ChainID:              st.ChainID,
		ExpectedSigner:       st.ExpectedSigner,
		PrimaryModel:         st.PrimaryModel,
		ReasoningModel:       st.ReasoningModel,
		ToolBudget:           st.ToolBudget,
		TradeToolName:        st.TradeToolName,
		ReasoningTemperature: st.ReasoningTemperature,
		ReasoningMaxTokens:   st.ReasoningMaxTokens,
		Sink:                 sink,
		Logger:               svc.log.Named("inference"),
	}
	executor, err := svc.TradeExecutor()
	if err != nil {
		// Completions still work; trade decisions are annotated as failed.
		svc.log.Warnw("trade executor unavailable", "error", err)
	} else {
		opts.Executor = executor
	}
	gw, err := inference.New(opts)
	if err != nil {
		return nil, err
	}
	svc.gateway = gw
	return gw, nil
}
