package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lumaforge/guildvault/internal/config"
	"github.com/lumaforge/guildvault/internal/ledger"
	"github.com/lumaforge/guildvault/internal/logger"
	"github.com/lumaforge/guildvault/internal/model"
	httptransport "github.com/lumaforge/guildvault/internal/transport/http"
	"github.com/lumaforge/guildvault/internal/vault"
	"github.com/lumaforge/guildvault/internal/vaultlog"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.BankTransaction{}, &model.BankAudit{},
		&model.VaultSlot{}, &model.VaultGold{},
		&model.VaultLogEntry{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. ledger & fees
	store := ledger.NewStore(gdb, rdb, log)
	fees, err := ledger.NewFeePolicy(cfg.Bank.WithdrawalFeePercent, cfg.Bank.MaxWithdrawalFee)
	if err != nil {
		log.Fatalf("fee policy: %v", err)
	}

	// 6. vault log & cache & controller
	vlog := vaultlog.NewLog(gdb, log)
	codec := model.Base64JSONCodec{}
	cache := vault.NewCache(gdb, codec, log, vault.DefaultCapacity,
		cfg.Vault.FlushMaxPendingSlots, time.Duration(cfg.Vault.FlushIntervalMs)*time.Millisecond)
	sessions := vault.NewRegistry()
	valuables := vault.NewValuablePolicy(cfg.Vault.ValuableMaterials)
	ctrl := vault.NewController(cache, sessions, vlog, valuables, codec, log,
		time.Duration(cfg.Vault.FlushIntervalMs)*time.Millisecond,
		time.Duration(cfg.Vault.IdleSessionTimeoutMs)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Maintain(ctx)

	// 7. gin router
	h := &httptransport.Handlers{
		Ledger: store, Fees: fees, Log: vlog, Controller: ctrl,
		MaxAmount: cfg.Bank.MaxTransactionAmount,
	}
	router := httptransport.NewRouter(log, h, cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("guildvault-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
