package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lumaforge/guildvault/internal/config"
	"github.com/lumaforge/guildvault/internal/logger"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/lumaforge/guildvault/internal/vaultlog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	pub := vaultlog.NewPublisher(gdb, kw, log)
	vlog := vaultlog.NewLog(gdb, log)
	retention := time.Duration(cfg.Vault.LogRetentionDays) * 24 * time.Hour

	drain := time.NewTicker(1 * time.Second)
	defer drain.Stop()
	archive := time.NewTicker(1 * time.Hour)
	defer archive.Stop()

	log.Info("guildvault-poller started")
	for {
		select {
		case <-drain.C:
			ctx := context.Background()
			sent, err := pub.Drain(ctx, 100)
			if err != nil {
				log.Errorf("drain outbox: %v", err)
				continue
			}
			if sent > 0 {
				log.Infof("%d events sent", sent)
			}
		case <-archive.C:
			cutoff := model.NowMillis() - retention.Milliseconds()
			removed, err := vlog.ArchiveOlderThan(context.Background(), cutoff)
			if err != nil {
				log.Errorf("archive log: %v", err)
				continue
			}
			if removed > 0 {
				log.Infof("archived %d log entries", removed)
			}
		}
	}
}
