package model

import (
	"time"

	"github.com/google/uuid"
)

// Vault transaction log entry kinds.
const (
	LogGoldDeposit  = "GOLD_DEPOSIT"
	LogGoldWithdraw = "GOLD_WITHDRAW"
	LogItemAdd      = "ITEM_ADD"
	LogItemRemove   = "ITEM_REMOVE"
)

// VaultLogEntry is an append-only record of a vault gold or item movement.
// Timestamps are milliseconds since epoch so crash-window arithmetic stays
// integral. Entries are never updated, only appended or bulk-expired by the
// retention sweep.
type VaultLogEntry struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuildID         uuid.UUID `gorm:"type:uuid;not null;index"`
	PlayerID        uuid.UUID `gorm:"type:uuid;not null;index"`
	TransactionType string    `gorm:"size:32;not null;column:transaction_type"`
	Amount          *int64
	ItemData        *string `gorm:"type:text"`
	Slot            *int
	Timestamp       int64 `gorm:"not null;index"`
}

func (VaultLogEntry) TableName() string { return "vault_transaction_log" }

// NowMillis is the log clock.
func NowMillis() int64 { return time.Now().UnixMilli() }

// NewGoldLogEntry builds a gold movement entry stamped now.
func NewGoldLogEntry(guildID, playerID uuid.UUID, kind string, amount int64) *VaultLogEntry {
	return &VaultLogEntry{
		ID:              uuid.New(),
		GuildID:         guildID,
		PlayerID:        playerID,
		TransactionType: kind,
		Amount:          &amount,
		Timestamp:       NowMillis(),
	}
}

// NewItemLogEntry builds an item movement entry stamped now.
func NewItemLogEntry(guildID, playerID uuid.UUID, kind, itemData string, slot int) *VaultLogEntry {
	return &VaultLogEntry{
		ID:              uuid.New(),
		GuildID:         guildID,
		PlayerID:        playerID,
		TransactionType: kind,
		ItemData:        &itemData,
		Slot:            &slot,
		Timestamp:       NowMillis(),
	}
}
