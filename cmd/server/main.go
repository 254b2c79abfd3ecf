package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pplpmint/internal/chain"
	"pplpmint/internal/config"
	"pplpmint/internal/lock"
	"pplpmint/internal/logging"
	"pplpmint/internal/mint"
	"pplpmint/internal/mintstore"
	"pplpmint/internal/proof"
	"pplpmint/internal/rewards"
	"pplpmint/internal/server"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fatal(ctx, "config error", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Service.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logging.Configure(os.Stdout, cfg.Service.LogFormat, level)

	store, source, closeStore := openStorage(ctx, cfg.Storage)
	defer closeStore()

	var hints chain.HintCache = &chain.MemoryHints{TTL: cfg.Storage.HintTTL}
	if cfg.Storage.RedisAddr != "" {
		redisHints := chain.NewRedisHints(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, cfg.Storage.HintTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisHints.Ping(pingCtx); err != nil {
			logging.Warn(ctx, "redis unreachable; endpoint hints degrade to none", logging.Err(err))
		}
		cancel()
		defer redisHints.Close()
		hints = redisHints
	}

	contract := common.HexToAddress(cfg.Chain.Contract)
	dialer := chain.EthDialer{Contract: contract}

	var signer mint.ProofSigner
	if cfg.Chain.AttesterKey != "" {
		s, err := proof.NewSigner(cfg.Chain.AttesterKey)
		if err != nil {
			fatal(ctx, "attester key error", err)
		}
		dialer.Key = s.PrivateKey()
		signer = s
		logging.Info(ctx, "attester configured", slog.String("address", s.Address().Hex()))
	} else {
		logging.Warn(ctx, "ATTESTER_PRIVATE_KEY not set; mint requests will not be signed")
	}

	validator := &chain.Validator{
		Dial:     dialer.Dial,
		ChainID:  cfg.Chain.ChainID,
		Contract: contract,
		MinBlock: cfg.Chain.MinBlock,
		Timeout:  cfg.Chain.RPCTimeout,
		Hints:    hints,
	}

	metrics := server.NewMetrics()
	authorizer := mint.New(mint.Config{
		RPCURLs: cfg.Chain.RPCURLs,
		Domain: proof.Domain{
			Name:              cfg.Chain.DomainName,
			Version:           cfg.Chain.DomainVersion,
			ChainID:           cfg.Chain.ChainID,
			VerifyingContract: contract,
		},
		TokenDecimals: cfg.Chain.TokenDecimals,
		RPCTimeout:    cfg.Chain.RPCTimeout,
		ClaimLease:    cfg.Service.ClaimLease,
		RewardUnit:    cfg.Chain.RewardUnit,
	}, mint.Deps{
		Store:     store,
		Source:    source,
		Validator: validator,
		Signer:    signer,
		Submitter: &lock.Submitter{
			RPCTimeout:     cfg.Chain.RPCTimeout,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
			PollInterval:   cfg.Chain.PollInterval,
		},
		Recorder: metrics,
	})

	checks := server.HealthChecks{
		RPC: func(ctx context.Context) (string, error) {
			health, err := validator.Validate(ctx, cfg.Chain.RPCURLs, common.Address{})
			if err != nil {
				return "", err
			}
			health.Conn.Close()
			return health.Endpoint, nil
		},
	}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks.Store = pinger.Ping
	}

	apiServer := server.NewServer(cfg, authorizer, metrics, checks)

	go func() {
		if err := apiServer.Start(); err != nil {
			logging.Error(ctx, "server stopped", logging.Err(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	// In-flight submissions may be waiting for a receipt.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Chain.ConfirmTimeout+5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "shutdown error", logging.Err(err))
	}
}

// openStorage picks Postgres, then SQLite, then memory. The scoring tables
// only exist in Postgres; other modes read actions and scores from
// REWARDS_FIXTURE_PATH, or from an empty source when it is unset.
func openStorage(ctx context.Context, cfg config.StorageConfig) (mintstore.Store, rewards.Source, func()) {
	switch {
	case cfg.DatabaseURL != "":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := mintstore.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			fatal(ctx, "postgres connect error", err)
		}
		store, err := mintstore.NewPostgresStore(connectCtx, pool)
		if err != nil {
			fatal(ctx, "mint store error", err)
		}
		source, err := rewards.NewPostgresSource(pool)
		if err != nil {
			fatal(ctx, "rewards source error", err)
		}
		logging.Info(ctx, "using postgres storage")
		return store, source, pool.Close

	case cfg.SQLitePath != "":
		db, err := mintstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			fatal(ctx, "sqlite open error", err)
		}
		store, err := mintstore.NewGormStore(db)
		if err != nil {
			fatal(ctx, "mint store error", err)
		}
		logging.Warn(ctx, "using sqlite mint store with in-memory rewards source", slog.String("path", cfg.SQLitePath))
		return store, rewards.NewMemorySource(), func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}

	default:
		logging.Warn(ctx, "no DATABASE_URL or SQLITE_PATH; using in-memory storage")
		return mintstore.NewMemoryStore(), memorySource(ctx, cfg.RewardsFixture), func() {}
	}
}

func memorySource(ctx context.Context, fixture string) *rewards.MemorySource {
	if fixture == "" {
		logging.Warn(ctx, "REWARDS_FIXTURE_PATH not set; every authorization will report ACTION_NOT_FOUND")
		return rewards.NewMemorySource()
	}
	source, err := rewards.LoadMemorySource(fixture)
	if err != nil {
		fatal(ctx, "rewards fixture error", err)
	}
	logging.Info(ctx, "rewards fixture loaded", slog.String("path", fixture))
	return source
}

func fatal(ctx context.Context, msg string, err error) {
	logging.Error(ctx, msg, logging.Err(err))
	os.Exit(1)
}
