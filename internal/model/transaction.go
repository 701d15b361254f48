package model

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types for the guild bank ledger.
const (
	TxDeposit    = "DEPOSIT"
	TxWithdrawal = "WITHDRAWAL"
)

// BankTransaction is an immutable ledger row. Rows are only appended, never
// updated; they are deleted solely by a guild wipe.
type BankTransaction struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	GuildID     uuid.UUID `gorm:"type:uuid;not null;index"`
	ActorID     uuid.UUID `gorm:"type:uuid;not null"`
	Type        string    `gorm:"size:32;not null"`
	Amount      int64     `gorm:"not null"`
	Description string    `gorm:"size:255"`
	Fee         int64     `gorm:"not null;default:0"`
	Timestamp   time.Time `gorm:"not null;index"`
}

func (BankTransaction) TableName() string { return "bank_transactions" }

// Delta is this transaction's signed effect on the guild balance.
// Withdrawals cost amount plus fee.
func (t *BankTransaction) Delta() int64 {
	if t.Type == TxDeposit {
		return t.Amount
	}
	return -(t.Amount + t.Fee)
}

// NewDeposit builds a deposit transaction stamped now.
func NewDeposit(guildID, actorID uuid.UUID, amount int64, description string) *BankTransaction {
	return &BankTransaction{
		ID:          uuid.New(),
		GuildID:     guildID,
		ActorID:     actorID,
		Type:        TxDeposit,
		Amount:      amount,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
}

// NewWithdrawal builds a withdrawal transaction stamped now.
func NewWithdrawal(guildID, actorID uuid.UUID, amount, fee int64, description string) *BankTransaction {
	return &BankTransaction{
		ID:          uuid.New(),
		GuildID:     guildID,
		ActorID:     actorID,
		Type:        TxWithdrawal,
		Amount:      amount,
		Description: description,
		Fee:         fee,
		Timestamp:   time.Now().UTC(),
	}
}
