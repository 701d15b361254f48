package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded alongside balance-changing events.
const (
	AuditDeposit           = "DEPOSIT"
	AuditWithdrawal        = "WITHDRAWAL"
	AuditFeeCharged        = "FEE_CHARGED"
	AuditInsufficientFunds = "INSUFFICIENT_FUNDS"
	AuditGuildWipe         = "GUILD_WIPE"
)

// BankAudit is an immutable audit row written for dispute resolution.
// TransactionID links the audit to its ledger row when one exists.
type BankAudit struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TransactionID *uuid.UUID `gorm:"type:uuid"`
	GuildID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	ActorID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	Action        string     `gorm:"size:32;not null"`
	Details       string     `gorm:"size:255;not null"`
	OldBalance    int64      `gorm:"not null"`
	NewBalance    int64      `gorm:"not null"`
	Timestamp     time.Time  `gorm:"not null;index"`
}

func (BankAudit) TableName() string { return "bank_audit" }

// NewAudit builds an audit row stamped now.
func NewAudit(guildID, actorID uuid.UUID, action, details string, oldBalance, newBalance int64) *BankAudit {
	return &BankAudit{
		ID:         uuid.New(),
		GuildID:    guildID,
		ActorID:    actorID,
		Action:     action,
		Details:    details,
		OldBalance: oldBalance,
		NewBalance: newBalance,
		Timestamp:  time.Now().UTC(),
	}
}
