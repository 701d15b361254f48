package vaultlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidKind means the entry kind does not match the append method.
var ErrInvalidKind = errors.New("invalid vault log entry kind")

// Log is the append-only record of vault gold and item movements. Appends are
// synchronous durable writes so that crash-window forensics stay meaningful;
// each append also emits an outbox event in the same database transaction for
// the external audit stream.
type Log struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewLog(db *gorm.DB, logger *zap.SugaredLogger) *Log {
	return &Log{db: db, log: logger}
}

// AppendGold records a gold deposit or withdrawal in nuggets.
func (l *Log) AppendGold(ctx context.Context, guildID, playerID uuid.UUID, kind string, amount int64) (*model.VaultLogEntry, error) {
	if kind != model.LogGoldDeposit && kind != model.LogGoldWithdraw {
		return nil, ErrInvalidKind
	}
	entry := model.NewGoldLogEntry(guildID, playerID, kind, amount)
	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendItem records an item add or remove. itemData is the opaque serialized
// payload; it is not interpreted here.
func (l *Log) AppendItem(ctx context.Context, guildID, playerID uuid.UUID, kind, itemData string, slot int) (*model.VaultLogEntry, error) {
	if kind != model.LogItemAdd && kind != model.LogItemRemove {
		return nil, ErrInvalidKind
	}
	entry := model.NewItemLogEntry(guildID, playerID, kind, itemData, slot)
	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Log) append(ctx context.Context, entry *model.VaultLogEntry) error {
	payload, _ := json.Marshal(entry)
	evt := &model.OutboxEvent{
		Aggregate:   "Vault",
		AggregateID: entry.GuildID.String(),
		EventType:   entry.TransactionType,
		Payload:     string(payload),
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Create(evt).Error
	})
	if err != nil {
		return fmt.Errorf("append vault log entry: %w", err)
	}
	return nil
}

// Filter narrows a Query. Exactly one of GuildID or PlayerID is usually set;
// both may be set to intersect them.
type Filter struct {
	GuildID   *uuid.UUID
	PlayerID  *uuid.UUID
	StartTime *int64 // inclusive, millis
	EndTime   *int64 // inclusive, millis
	Kind      string
	Limit     int
	Offset    int
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]model.VaultLogEntry, error) {
	q := l.db.WithContext(ctx).Model(&model.VaultLogEntry{})
	if f.GuildID != nil {
		q = q.Where("guild_id = ?", *f.GuildID)
	}
	if f.PlayerID != nil {
		q = q.Where("player_id = ?", *f.PlayerID)
	}
	if f.StartTime != nil {
		q = q.Where("timestamp >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.Where("timestamp <= ?", *f.EndTime)
	}
	if f.Kind != "" {
		q = q.Where("transaction_type = ?", f.Kind)
	}
	q = q.Order("timestamp DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	var entries []model.VaultLogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query vault log: %w", err)
	}
	return entries, nil
}

// EntriesBeforeCrash returns entries in the inclusive window
// [crashMillis - windowSeconds*1000, crashMillis], newest first. A manual
// forensic tool, not a recovery path.
func (l *Log) EntriesBeforeCrash(ctx context.Context, crashMillis int64, windowSeconds int) ([]model.VaultLogEntry, error) {
	start := crashMillis - int64(windowSeconds)*1000
	var entries []model.VaultLogEntry
	err := l.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, crashMillis).
		Order("timestamp DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("crash window query: %w", err)
	}
	return entries, nil
}

// ArchiveOlderThan hard-deletes entries older than the cutoff and returns the
// number removed. Run by the periodic retention sweep.
func (l *Log) ArchiveOlderThan(ctx context.Context, cutoffMillis int64) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("timestamp < ?", cutoffMillis).
		Delete(&model.VaultLogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("archive vault log: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountForGuild counts a guild's log entries.
func (l *Log) CountForGuild(ctx context.Context, guildID uuid.UUID) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&model.VaultLogEntry{}).
		Where("guild_id = ?", guildID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count vault log: %w", err)
	}
	return count, nil
}

// Recent returns the newest entries across all guilds, for admin monitoring.
func (l *Log) Recent(ctx context.Context, limit int) ([]model.VaultLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []model.VaultLogEntry
	err := l.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("recent vault log: %w", err)
	}
	return entries, nil
}
