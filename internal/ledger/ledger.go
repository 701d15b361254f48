package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidAmount means a negative amount or fee was passed.
var ErrInvalidAmount = errors.New("amount and fee must be non-negative")

// ErrInvalidType means the transaction type is not DEPOSIT or WITHDRAWAL.
var ErrInvalidType = errors.New("invalid transaction type")

const balanceCacheTTL = 5 * time.Minute

// Store persists the append-only guild bank ledger and derives the cached
// balance. The ledger is authoritative; the cached balance is advisory and
// rebuilt by a full replay on any cache miss. A redis mirror warms the cache
// across restarts but is never trusted over the database.
type Store struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger

	mu       sync.Mutex
	balances map[uuid.UUID]int64
}

// NewStore constructs a ledger store. rdb may be nil in tests.
func NewStore(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:       db,
		rdb:      rdb,
		log:      logger,
		balances: make(map[uuid.UUID]int64),
	}
}

func validate(t *model.BankTransaction) error {
	if t.Amount < 0 || t.Fee < 0 {
		return ErrInvalidAmount
	}
	if t.Type != model.TxDeposit && t.Type != model.TxWithdrawal {
		return ErrInvalidType
	}
	return nil
}

// RecordTransaction appends one immutable ledger row, then advances the
// cached balance by the transaction's delta. On storage failure nothing is
// cached and the error is returned; the caller must not have altered any
// player-visible state before this call succeeds.
func (s *Store) RecordTransaction(ctx context.Context, t *model.BankTransaction) error {
	if err := validate(t); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	s.applyDelta(ctx, t.GuildID, t.Delta())
	return nil
}

// RecordAudit appends an audit row independently of any ledger write.
func (s *Store) RecordAudit(ctx context.Context, a *model.BankAudit) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// RecordTransactionWithAudit writes the ledger row and its audit row in one
// database transaction, so a crash can never leave a transaction without its
// audit trail. The audit is linked to the transaction id.
func (s *Store) RecordTransactionWithAudit(ctx context.Context, t *model.BankTransaction, a *model.BankAudit) error {
	if err := validate(t); err != nil {
		return err
	}
	a.TransactionID = &t.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(a).Error
	})
	if err != nil {
		return fmt.Errorf("record transaction with audit: %w", err)
	}
	s.applyDelta(ctx, t.GuildID, t.Delta())
	return nil
}

// applyDelta advances the cached balance after a successful append. If the
// guild is not cached yet the next GetBalance performs a full replay, so no
// entry is created here; the redis mirror is dropped in that case because it
// predates this append and must never be served over a replay.
func (s *Store) applyDelta(ctx context.Context, guildID uuid.UUID, delta int64) {
	s.mu.Lock()
	bal, ok := s.balances[guildID]
	if ok {
		bal += delta
		s.balances[guildID] = bal
	}
	s.mu.Unlock()
	if ok {
		s.mirrorBalance(ctx, guildID, bal)
		return
	}
	s.evictMirror(ctx, guildID)
}

// GetBalance returns the cached balance, falling back to a full ledger replay
// (deposits minus withdrawals plus fees) on a miss. Read-path storage
// failures degrade to 0 with a logged error so UI paths stay responsive.
func (s *Store) GetBalance(ctx context.Context, guildID uuid.UUID) int64 {
	s.mu.Lock()
	if bal, ok := s.balances[guildID]; ok {
		s.mu.Unlock()
		return bal
	}
	s.mu.Unlock()

	if bal, ok := s.warmBalance(ctx, guildID); ok {
		s.mu.Lock()
		s.balances[guildID] = bal
		s.mu.Unlock()
		return bal
	}

	return s.replayBalance(ctx, guildID)
}

// replayBalance derives the balance from scratch and repopulates the cache.
func (s *Store) replayBalance(ctx context.Context, guildID uuid.UUID) int64 {
	var bal int64
	err := s.db.WithContext(ctx).
		Model(&model.BankTransaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE -amount - fee END), 0)", model.TxDeposit).
		Where("guild_id = ?", guildID).
		Scan(&bal).Error
	if err != nil {
		s.log.Errorf("balance replay failed for guild %s: %v", guildID, err)
		return 0
	}
	s.mu.Lock()
	s.balances[guildID] = bal
	s.mu.Unlock()
	s.mirrorBalance(ctx, guildID, bal)
	return bal
}

func (s *Store) mirrorBalance(ctx context.Context, guildID uuid.UUID, bal int64) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, balanceKey(guildID), bal, balanceCacheTTL).Err(); err != nil {
		s.log.Warnf("balance mirror write failed for guild %s: %v", guildID, err)
	}
}

func (s *Store) warmBalance(ctx context.Context, guildID uuid.UUID) (int64, bool) {
	if s.rdb == nil {
		return 0, false
	}
	bal, err := s.rdb.Get(ctx, balanceKey(guildID)).Int64()
	if err != nil {
		return 0, false
	}
	return bal, true
}

func (s *Store) evictMirror(ctx context.Context, guildID uuid.UUID) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, balanceKey(guildID)).Err(); err != nil {
		s.log.Warnf("balance mirror evict failed for guild %s: %v", guildID, err)
	}
}

func balanceKey(guildID uuid.UUID) string {
	return "balance:" + guildID.String()
}

// GetTransactions returns a guild's ledger rows, newest first. limit <= 0
// means no limit.
func (s *Store) GetTransactions(ctx context.Context, guildID uuid.UUID, limit int) ([]model.BankTransaction, error) {
	var txs []model.BankTransaction
	q := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return txs, nil
}

// GetAuditForGuild returns a guild's audit rows, newest first.
func (s *Store) GetAuditForGuild(ctx context.Context, guildID uuid.UUID, limit int) ([]model.BankAudit, error) {
	return s.getAudit(ctx, "guild_id = ?", guildID, limit)
}

// GetAuditForPlayer returns a player's audit rows across guilds, newest first.
func (s *Store) GetAuditForPlayer(ctx context.Context, playerID uuid.UUID, limit int) ([]model.BankAudit, error) {
	return s.getAudit(ctx, "actor_id = ?", playerID, limit)
}

func (s *Store) getAudit(ctx context.Context, cond string, id uuid.UUID, limit int) ([]model.BankAudit, error) {
	var audits []model.BankAudit
	q := s.db.WithContext(ctx).
		Where(cond, id).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("get audit: %w", err)
	}
	return audits, nil
}

// GetTotalVolumeForGuild sums the amount column over every transaction.
func (s *Store) GetTotalVolumeForGuild(ctx context.Context, guildID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&model.BankTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("guild_id = ?", guildID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("total volume: %w", err)
	}
	return total, nil
}

// GetPlayerTotalDeposits sums a player's deposit amounts within a guild.
func (s *Store) GetPlayerTotalDeposits(ctx context.Context, playerID, guildID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&model.BankTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("guild_id = ? AND actor_id = ? AND type = ?", guildID, playerID, model.TxDeposit).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("player deposits: %w", err)
	}
	return total, nil
}

// GetPlayerTotalWithdrawals sums a player's withdrawal amounts plus fees
// within a guild.
func (s *Store) GetPlayerTotalWithdrawals(ctx context.Context, playerID, guildID uuid.UUID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&model.BankTransaction{}).
		Select("COALESCE(SUM(amount + fee), 0)").
		Where("guild_id = ? AND actor_id = ? AND type = ?", guildID, playerID, model.TxWithdrawal).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("player withdrawals: %w", err)
	}
	return total, nil
}

// GetTransactionCountForGuild counts a guild's ledger rows.
func (s *Store) GetTransactionCountForGuild(ctx context.Context, guildID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.BankTransaction{}).
		Where("guild_id = ?", guildID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("transaction count: %w", err)
	}
	return count, nil
}

// ClearGuildTransactions deletes a guild's ledger and audit rows and evicts
// the cached balance. Used only for guild deletion.
func (s *Store) ClearGuildTransactions(ctx context.Context, guildID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&model.BankTransaction{}).Error; err != nil {
			return err
		}
		return tx.Where("guild_id = ?", guildID).Delete(&model.BankAudit{}).Error
	})
	if err != nil {
		return fmt.Errorf("clear guild transactions: %w", err)
	}
	s.mu.Lock()
	delete(s.balances, guildID)
	s.mu.Unlock()
	s.evictMirror(ctx, guildID)
	return nil
}
