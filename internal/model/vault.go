package model

import (
	"github.com/google/uuid"
)

// VaultSlot is one persisted vault slot. Unique per (guild_id, slot_index);
// empty slots have no row. Slot 0 is reserved for the balance affordance and
// never holds a real item.
type VaultSlot struct {
	GuildID      uuid.UUID `gorm:"type:uuid;primaryKey;column:guild_id"`
	SlotIndex    int       `gorm:"primaryKey;column:slot_index"`
	ItemData     string    `gorm:"type:text;not null"`
	LastModified int64     `gorm:"not null"`
}

func (VaultSlot) TableName() string { return "guild_vault_items" }

// VaultGold is the persisted gold balance for a guild vault, in nuggets.
type VaultGold struct {
	GuildID uuid.UUID `gorm:"type:uuid;primaryKey;column:guild_id"`
	Balance int64     `gorm:"not null;default:0"`
}

func (VaultGold) TableName() string { return "vault_gold" }
