package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/recallnet/base-aerodrome-agent/internal/id"
	"github.com/recallnet/base-aerodrome-agent/internal/registry"
	"gopkg.in/yaml.v3"
)

const envPrefix = "AGENT_"

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	Debug          bool
	BaseURL        string
	ChainID        string
	Live           bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Debug          bool

	BaseURL         string
	GrantBaseURL    string
	CompletionsPath string
	APIKey          string

	PrivateKey     string
	PrivateKeyFile string
	KeystorePath   string

	ChainID        string
	ExpectedSigner string

	PrimaryModel         string
	ReasoningModel       string
	MaxTokens            int
	Temperature          *float32
	TopP                 *float32
	ToolBudget           int
	TradeToolName        string
	ReasoningTemperature *float32
	ReasoningMaxTokens   int

	Timeout           time.Duration
	GrantTimeout      time.Duration
	Retries           int
	RequestsPerSecond float64

	RecordsPath     string
	RecordsLockPath string
	RedisAddr       string
	RedisKey        string

	TradeDryRun        bool
	TradeRPCURL        string
	TradeSlippageBps   int64
	TradeMaxUSD        float64
	TradeAllowedTokens []string
}

type fileConfig struct {
	Output               string   `yaml:"output"`
	Debug                *bool    `yaml:"debug"`
	BaseURL              string   `yaml:"base_url"`
	GrantBaseURL         string   `yaml:"grant_base_url"`
	CompletionsPath      string   `yaml:"completions_path"`
	APIKey               string   `yaml:"api_key"`
	APIKeyEnv            string   `yaml:"api_key_env"`
	PrivateKey           string   `yaml:"private_key"`
	PrivateKeyFile       string   `yaml:"private_key_file"`
	KeystorePath         string   `yaml:"keystore_path"`
	ChainID              string   `yaml:"chain_id"`
	ExpectedSigner       string   `yaml:"expected_signer"`
	PrimaryModel         string   `yaml:"primary_model"`
	ReasoningModel       string   `yaml:"reasoning_model"`
	MaxTokens            *int     `yaml:"max_tokens"`
	Temperature          *float32 `yaml:"temperature"`
	TopP                 *float32 `yaml:"top_p"`
	ToolBudget           *int     `yaml:"tool_budget"`
	TradeToolName        string   `yaml:"trade_tool_name"`
	ReasoningTemperature *float32 `yaml:"reasoning_temperature"`
	ReasoningMaxTokens   *int     `yaml:"reasoning_max_tokens"`
	Timeout              string   `yaml:"timeout"`
	GrantTimeout         string   `yaml:"grant_timeout"`
	Retries              *int     `yaml:"retries"`
	RequestsPerSecond    *float64 `yaml:"requests_per_second"`
	Records              struct {
		Path      string `yaml:"path"`
		LockPath  string `yaml:"lock_path"`
		RedisAddr string `yaml:"redis_addr"`
		RedisKey  string `yaml:"redis_key"`
	} `yaml:"records"`
	Trade struct {
		DryRun        *bool    `yaml:"dry_run"`
		RPCURL        string   `yaml:"rpc_url"`
		SlippageBps   *int64   `yaml:"slippage_bps"`
		MaxTradeUSD   *float64 `yaml:"max_trade_usd"`
		AllowedTokens []string `yaml:"allowed_tokens"`
	} `yaml:"trade"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 120 * time.Second
	}
	if settings.GrantTimeout <= 0 {
		settings.GrantTimeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.RequestsPerSecond < 0 {
		settings.RequestsPerSecond = 0
	}
	if settings.GrantBaseURL == "" {
		settings.GrantBaseURL = settings.BaseURL
	}
	if err := settings.validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func (s Settings) validate() error {
	if s.BaseURL != "" {
		if err := registry.ValidateEndpoint(s.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if s.GrantBaseURL != "" {
		if err := registry.ValidateEndpoint(s.GrantBaseURL); err != nil {
			return fmt.Errorf("grant_base_url: %w", err)
		}
	}
	if s.TradeSlippageBps < 0 || s.TradeSlippageBps >= 10_000 {
		return fmt.Errorf("trade.slippage_bps must be between 0 and 9999")
	}
	if s.TradeMaxUSD < 0 {
		return fmt.Errorf("trade.max_trade_usd must not be negative")
	}
	return nil
}

func defaultSettings() (Settings, error) {
	recordsPath, lockPath, err := defaultRecordsPaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		CompletionsPath:  registry.DefaultCompletionsPath,
		ChainID:          strconv.FormatInt(id.BaseChainID, 10),
		ToolBudget:       8,
		TradeToolName:    "execute_swap",
		Timeout:          120 * time.Second,
		GrantTimeout:     10 * time.Second,
		Retries:          2,
		RecordsPath:      recordsPath,
		RecordsLockPath:  lockPath,
		TradeDryRun:      true,
		TradeSlippageBps: 50,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "agent", "config.yaml"), nil
}

func defaultRecordsPaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "agent")
	return filepath.Join(dir, "records.db"), filepath.Join(dir, "records.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Debug != nil {
		settings.Debug = *cfg.Debug
	}
	setString(&settings.BaseURL, cfg.BaseURL)
	setString(&settings.GrantBaseURL, cfg.GrantBaseURL)
	setString(&settings.CompletionsPath, cfg.CompletionsPath)
	setString(&settings.APIKey, cfg.APIKey)
	if cfg.APIKeyEnv != "" {
		settings.APIKey = os.Getenv(cfg.APIKeyEnv)
	}
	setString(&settings.PrivateKey, cfg.PrivateKey)
	setString(&settings.PrivateKeyFile, cfg.PrivateKeyFile)
	setString(&settings.KeystorePath, cfg.KeystorePath)
	setString(&settings.ChainID, cfg.ChainID)
	setString(&settings.ExpectedSigner, cfg.ExpectedSigner)
	setString(&settings.PrimaryModel, cfg.PrimaryModel)
	setString(&settings.ReasoningModel, cfg.ReasoningModel)
	if cfg.MaxTokens != nil {
		settings.MaxTokens = *cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		v := *cfg.Temperature
		settings.Temperature = &v
	}
	if cfg.TopP != nil {
		v := *cfg.TopP
		settings.TopP = &v
	}
	if cfg.ToolBudget != nil {
		settings.ToolBudget = *cfg.ToolBudget
	}
	setString(&settings.TradeToolName, cfg.TradeToolName)
	if cfg.ReasoningTemperature != nil {
		v := *cfg.ReasoningTemperature
		settings.ReasoningTemperature = &v
	}
	if cfg.ReasoningMaxTokens != nil {
		settings.ReasoningMaxTokens = *cfg.ReasoningMaxTokens
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.GrantTimeout != "" {
		d, err := time.ParseDuration(cfg.GrantTimeout)
		if err != nil {
			return fmt.Errorf("config grant_timeout: %w", err)
		}
		settings.GrantTimeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RequestsPerSecond != nil {
		settings.RequestsPerSecond = *cfg.RequestsPerSecond
	}
	setString(&settings.RecordsPath, cfg.Records.Path)
	setString(&settings.RecordsLockPath, cfg.Records.LockPath)
	setString(&settings.RedisAddr, cfg.Records.RedisAddr)
	setString(&settings.RedisKey, cfg.Records.RedisKey)
	if cfg.Trade.DryRun != nil {
		settings.TradeDryRun = *cfg.Trade.DryRun
	}
	setString(&settings.TradeRPCURL, cfg.Trade.RPCURL)
	if cfg.Trade.SlippageBps != nil {
		settings.TradeSlippageBps = *cfg.Trade.SlippageBps
	}
	if cfg.Trade.MaxTradeUSD != nil {
		settings.TradeMaxUSD = *cfg.Trade.MaxTradeUSD
	}
	if len(cfg.Trade.AllowedTokens) > 0 {
		settings.TradeAllowedTokens = normalizeList(cfg.Trade.AllowedTokens)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := getenv("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Debug = b
		}
	}
	setString(&settings.BaseURL, getenv("BASE_URL"))
	setString(&settings.GrantBaseURL, getenv("GRANT_BASE_URL"))
	setString(&settings.CompletionsPath, getenv("COMPLETIONS_PATH"))
	setString(&settings.APIKey, getenv("API_KEY"))
	setString(&settings.ChainID, getenv("CHAIN_ID"))
	setString(&settings.ExpectedSigner, getenv("EXPECTED_SIGNER"))
	setString(&settings.PrimaryModel, getenv("PRIMARY_MODEL"))
	setString(&settings.ReasoningModel, getenv("REASONING_MODEL"))
	if v := getenv("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := getenv("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := getenv("REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.RequestsPerSecond = f
		}
	}
	setString(&settings.RecordsPath, getenv("RECORDS_PATH"))
	setString(&settings.RecordsLockPath, getenv("RECORDS_LOCK_PATH"))
	setString(&settings.RedisAddr, getenv("REDIS_ADDR"))
	if v := getenv("DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.TradeDryRun = b
		}
	}
	setString(&settings.TradeRPCURL, getenv("RPC_URL"))
	if v := getenv("MAX_TRADE_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.TradeMaxUSD = f
		}
	}
	if v := getenv("ALLOWED_TOKENS"); v != "" {
		settings.TradeAllowedTokens = splitList(v)
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Debug {
		settings.Debug = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	setString(&settings.BaseURL, flags.BaseURL)
	setString(&settings.ChainID, flags.ChainID)
	if flags.Live {
		settings.TradeDryRun = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	return normalizeList(strings.Split(raw, ","))
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
