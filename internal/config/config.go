package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedConfig models seed.json / seed.yaml.
type SeedConfig struct {
	Chain struct {
		ChainID        int64    `json:"chainId" yaml:"chainId"`
		RPCURLs        []string `json:"rpcUrls" yaml:"rpcUrls"`
		MinBlockNumber uint64   `json:"minBlockNumber" yaml:"minBlockNumber"`
		TokenDecimals  int      `json:"tokenDecimals" yaml:"tokenDecimals"`
	} `json:"chain" yaml:"chain"`
	Signing struct {
		Name    string `json:"name" yaml:"name"`
		Version string `json:"version" yaml:"version"`
	} `json:"signing" yaml:"signing"`
	Rewards struct {
		Unit string `json:"unit" yaml:"unit"`
	} `json:"rewards" yaml:"rewards"`
	Timeouts struct {
		RPCTimeoutMs     int `json:"rpcTimeoutMs" yaml:"rpcTimeoutMs"`
		ConfirmTimeoutMs int `json:"confirmTimeoutMs" yaml:"confirmTimeoutMs"`
		PollIntervalMs   int `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	} `json:"timeouts" yaml:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64 `json:"chainId"`
	Contracts struct {
		FUNMoney string `json:"FUNMoney"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Storage    StorageConfig
}

type ServiceConfig struct {
	HTTPPort       int
	HMACSecret     string
	HMACClockSkew  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	ClaimLease     time.Duration
	LogFormat      string
	LogLevel       string
}

type ChainConfig struct {
	ChainID        *big.Int
	RPCURLs        []string
	Contract       string
	MinBlock       uint64
	TokenDecimals  uint8
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	DomainName     string
	DomainVersion  string
	RewardUnit     string
	// AttesterKey signs proofs and pays gas. Empty means no signer is configured.
	AttesterKey string
}

type StorageConfig struct {
	DatabaseURL string
	SQLitePath  string
	// RewardsFixture seeds the in-memory rewards source used without Postgres.
	// Without it those modes know no actions and are only useful in tests.
	RewardsFixture string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	HintTTL        time.Duration
}

const (
	defaultSeedPath        = "../seed.json"
	defaultDeploymentsPath = "../deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	cfg := build(seedCfg, deployCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(seed *SeedConfig, deploy *DeploymentConfig) *AppConfig {
	serviceCfg := ServiceConfig{
		HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:     envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:  time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		RateLimitRPS:   envOrFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: envOrInt("RATE_LIMIT_BURST", 10),
		ClaimLease:     time.Duration(envOrInt("MINT_CLAIM_LEASE_SECONDS", 300)) * time.Second,
		LogFormat:      envOr("LOG_FORMAT", "json"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
	}

	chainID := seed.Chain.ChainID
	if chainID == 0 {
		chainID = deploy.ChainID
	}
	rpcURLs := seed.Chain.RPCURLs
	if raw := envOr("CHAIN_RPC_URLS", ""); raw != "" {
		rpcURLs = splitList(raw)
	}
	decimals := seed.Chain.TokenDecimals
	if decimals <= 0 {
		decimals = 18
	}

	chainCfg := ChainConfig{
		ChainID:        big.NewInt(int64(envOrInt("CHAIN_ID", int(chainID)))),
		RPCURLs:        rpcURLs,
		Contract:       envOr("FUN_MONEY_ADDRESS", deploy.Contracts.FUNMoney),
		MinBlock:       seed.Chain.MinBlockNumber,
		TokenDecimals:  uint8(decimals),
		RPCTimeout:     millis(seed.Timeouts.RPCTimeoutMs, 5000),
		ConfirmTimeout: millis(seed.Timeouts.ConfirmTimeoutMs, 60000),
		PollInterval:   millis(seed.Timeouts.PollIntervalMs, 2000),
		DomainName:     orDefault(seed.Signing.Name, "FUN Money"),
		DomainVersion:  orDefault(seed.Signing.Version, "1"),
		RewardUnit:     orDefault(seed.Rewards.Unit, "FUN"),
		AttesterKey:    envOr("ATTESTER_PRIVATE_KEY", ""),
	}

	storageCfg := StorageConfig{
		DatabaseURL:    envOr("DATABASE_URL", ""),
		SQLitePath:     envOr("SQLITE_PATH", ""),
		RewardsFixture: envOr("REWARDS_FIXTURE_PATH", ""),
		RedisAddr:      envOr("REDIS_ADDR", ""),
		RedisPassword:  envOr("REDIS_PASSWORD", ""),
		RedisDB:        envOrInt("REDIS_DB", 0),
		HintTTL:        time.Duration(envOrInt("RPC_HINT_TTL_SECONDS", 30)) * time.Second,
	}

	return &AppConfig{
		Seed:       *seed,
		Deployment: *deploy,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Storage:    storageCfg,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Chain.ChainID == nil || c.Chain.ChainID.Sign() <= 0 {
		errs = append(errs, errors.New("chain id is required"))
	}
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, errors.New("at least one rpc url is required"))
	}
	if !strings.HasPrefix(c.Chain.Contract, "0x") || len(c.Chain.Contract) != 42 {
		errs = append(errs, fmt.Errorf("FUNMoney contract address %q is invalid", c.Chain.Contract))
	}
	// A claim must outlive the attempt holding it: endpoint validation, the
	// guards and broadcast, and the receipt wait.
	if worst := c.Chain.ConfirmTimeout + c.Chain.RPCTimeout*time.Duration(len(c.Chain.RPCURLs)+1); c.Service.ClaimLease <= worst {
		errs = append(errs, fmt.Errorf("mint claim lease %s must exceed the worst-case submission time %s", c.Service.ClaimLease, worst))
	}
	if c.Deployment.ChainID != 0 && c.Chain.ChainID != nil && c.Deployment.ChainID != c.Chain.ChainID.Int64() {
		errs = append(errs, fmt.Errorf("deployments chainId %d does not match chain id %s", c.Deployment.ChainID, c.Chain.ChainID))
	}
	return errors.Join(errs...)
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func millis(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func orDefault(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}
