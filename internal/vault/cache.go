package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReservedSlot is the balance affordance. It never holds a real item; real
// slots occupy 1..capacity-1.
const ReservedSlot = 0

// DefaultCapacity is a full vault including the reserved slot.
const DefaultCapacity = 54

var (
	// ErrReservedSlot rejects any item placement into or removal from slot 0.
	ErrReservedSlot = errors.New("slot 0 is reserved for the balance affordance")
	// ErrInvalidSlot rejects out-of-range slot indices.
	ErrInvalidSlot = errors.New("slot index out of range")
	// ErrInvalidAmount rejects non-positive gold amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientGold rejects withdrawals past zero.
	ErrInsufficientGold = errors.New("insufficient vault gold")
	// ErrVaultUnavailable means the lazy load failed; operations fail closed
	// rather than fabricate items or balance.
	ErrVaultUnavailable = errors.New("vault storage unavailable")
)

// vaultState is the cached authoritative state of one guild's vault.
type vaultState struct {
	slots map[int]*model.Item
	gold  int64
	// dirty marks a failed flush; the periodic flusher retries it.
	dirty bool
}

// Cache holds the authoritative in-memory state of each guild's vault,
// decoupled from any single open view. Lazily loaded, write-back persisted.
// A single logical worker drives mutations; the mutex covers the loader and
// background flusher, and no mutation spans a blocking call.
type Cache struct {
	db       *gorm.DB
	codec    model.ItemCodec
	log      *zap.SugaredLogger
	capacity int

	flushMaxSlots int
	flushMaxAge   time.Duration

	mu      sync.Mutex
	vaults  map[uuid.UUID]*vaultState
	buffers map[uuid.UUID]*writeBuffer
}

// NewCache constructs the vault cache. capacity includes the reserved slot;
// pass 0 for the default.
func NewCache(db *gorm.DB, codec model.ItemCodec, logger *zap.SugaredLogger, capacity, flushMaxSlots int, flushMaxAge time.Duration) *Cache {
	if capacity <= 1 {
		capacity = DefaultCapacity
	}
	if flushMaxSlots <= 0 {
		flushMaxSlots = 5
	}
	if flushMaxAge <= 0 {
		flushMaxAge = time.Second
	}
	return &Cache{
		db:            db,
		codec:         codec,
		log:           logger,
		capacity:      capacity,
		flushMaxSlots: flushMaxSlots,
		flushMaxAge:   flushMaxAge,
		vaults:        make(map[uuid.UUID]*vaultState),
		buffers:       make(map[uuid.UUID]*writeBuffer),
	}
}

// Capacity is the slot count including the reserved slot.
func (c *Cache) Capacity() int { return c.capacity }

// CapacityForLevel maps a guild level to its vault capacity.
func CapacityForLevel(level int) int {
	switch {
	case level <= 1:
		return 9
	case level <= 5:
		return 18
	case level <= 10:
		return 27
	case level <= 15:
		return 36
	case level <= 20:
		return 45
	default:
		return 54
	}
}

func (c *Cache) checkSlot(slot int) error {
	if slot == ReservedSlot {
		return ErrReservedSlot
	}
	if slot < 0 || slot >= c.capacity {
		return ErrInvalidSlot
	}
	return nil
}

// getOrLoad returns the cached state, performing the lazy load on first
// access. Load failures are not cached; the vault stays unavailable until
// storage recovers. Caller must hold c.mu.
func (c *Cache) getOrLoad(ctx context.Context, guildID uuid.UUID) (*vaultState, error) {
	if st, ok := c.vaults[guildID]; ok {
		return st, nil
	}
	st, err := c.load(ctx, guildID)
	if err != nil {
		c.log.Errorf("vault load failed for guild %s: %v", guildID, err)
		return nil, ErrVaultUnavailable
	}
	c.vaults[guildID] = st
	return st, nil
}

func (c *Cache) load(ctx context.Context, guildID uuid.UUID) (*vaultState, error) {
	var rows []model.VaultSlot
	if err := c.db.WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error; err != nil {
		return nil, err
	}
	st := &vaultState{slots: make(map[int]*model.Item)}
	for _, row := range rows {
		item, err := c.codec.DecodeItem(row.ItemData)
		if err != nil {
			return nil, fmt.Errorf("decode slot %d: %w", row.SlotIndex, err)
		}
		st.slots[row.SlotIndex] = item
	}

	var gold model.VaultGold
	err := c.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&gold).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	st.gold = gold.Balance
	return st, nil
}

// GetSlot returns the current item in a slot, or nil if empty.
func (c *Cache) GetSlot(ctx context.Context, guildID uuid.UUID, slot int) (*model.Item, error) {
	if slot < 0 || slot >= c.capacity {
		return nil, ErrInvalidSlot
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return st.slots[slot], nil
}

// SetSlot applies a last-write-wins update at slot granularity and returns
// the previous item. Reserved-slot and range violations are rejected before
// any state changes. The write is buffered for the batched flush.
func (c *Cache) SetSlot(ctx context.Context, guildID uuid.UUID, slot int, item *model.Item) (*model.Item, error) {
	if err := c.checkSlot(slot); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return nil, err
	}
	prev := st.slots[slot]
	if item == nil {
		delete(st.slots, slot)
	} else {
		st.slots[slot] = item
	}
	c.buffer(guildID).bufferSlot(slot, item)
	return prev, nil
}

// Snapshot copies the cached slot map for read-only use (view projection).
func (c *Cache) Snapshot(ctx context.Context, guildID uuid.UUID) (map[int]*model.Item, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return nil, 0, err
	}
	slots := make(map[int]*model.Item, len(st.slots))
	for k, v := range st.slots {
		slots[k] = v
	}
	return slots, st.gold, nil
}

// GetGoldBalance returns the cached vault gold in nuggets.
func (c *Cache) GetGoldBalance(ctx context.Context, guildID uuid.UUID) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return 0, err
	}
	return st.gold, nil
}

// DepositGold atomically increases the cached balance and returns the new
// value. Never observed half-applied: the mutex covers the whole update.
func (c *Cache) DepositGold(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return 0, err
	}
	st.gold += amount
	c.buffer(guildID).bufferGold(st.gold)
	return st.gold, nil
}

// WithdrawGold decreases the cached balance, rejecting before any state
// change when funds are insufficient. Vault gold never goes negative.
func (c *Cache) WithdrawGold(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if st.gold < amount {
		return 0, ErrInsufficientGold
	}
	st.gold -= amount
	c.buffer(guildID).bufferGold(st.gold)
	return st.gold, nil
}

// buffer returns the guild's write buffer. Caller must hold c.mu.
func (c *Cache) buffer(guildID uuid.UUID) *writeBuffer {
	b, ok := c.buffers[guildID]
	if !ok {
		b = newWriteBuffer()
		c.buffers[guildID] = b
	}
	return b
}

// ValidateAndRepair overwrites a view's visible slots to match the cache
// wherever they disagree, and refreshes its balance affordance. This heals
// staleness silently; it is reconciliation, not an error.
func (c *Cache) ValidateAndRepair(ctx context.Context, guildID uuid.UUID, view ViewHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.getOrLoad(ctx, guildID)
	if err != nil {
		return err
	}
	visible := view.Slots()
	for slot := 1; slot < c.capacity; slot++ {
		cached := st.slots[slot]
		if !cached.Equal(visible[slot]) {
			c.log.Warnf("repaired stale slot %d for guild %s", slot, guildID)
			view.SetSlot(slot, cached)
		}
	}
	view.SetBalance(st.gold)
	return nil
}

// ForceFlush synchronously persists the full cached slot map and balance.
// Invoked selectively (gold movements, valuable items, last viewer leaving),
// not on every trivial mutation. Idempotent: flushing twice with no
// intervening mutation persists identical state.
func (c *Cache) ForceFlush(ctx context.Context, guildID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx, guildID)
}

func (c *Cache) flushLocked(ctx context.Context, guildID uuid.UUID) error {
	st, ok := c.vaults[guildID]
	if !ok {
		return nil // never loaded, nothing to persist
	}
	now := model.NowMillis()
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&model.VaultSlot{}).Error; err != nil {
			return err
		}
		for slot, item := range st.slots {
			data, err := c.codec.EncodeItem(item)
			if err != nil {
				return fmt.Errorf("encode slot %d: %w", slot, err)
			}
			row := model.VaultSlot{GuildID: guildID, SlotIndex: slot, ItemData: data, LastModified: now}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		gold := model.VaultGold{GuildID: guildID, Balance: st.gold}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance"}),
		}).Create(&gold).Error
	})
	if err != nil {
		// Cache stays authoritative; the periodic flusher retries.
		st.dirty = true
		c.log.Errorf("vault flush failed for guild %s: %v", guildID, err)
		return fmt.Errorf("flush vault: %w", err)
	}
	st.dirty = false
	if b, ok := c.buffers[guildID]; ok {
		b.clear()
	}
	return nil
}

// FlushPending flushes every buffer past its size or age threshold, plus any
// vault marked dirty by an earlier failed flush. Returns the number flushed.
func (c *Cache) FlushPending(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	flushed := 0
	for guildID, b := range c.buffers {
		st := c.vaults[guildID]
		retry := st != nil && st.dirty
		if !b.shouldFlush(c.flushMaxSlots, c.flushMaxAge) && !retry {
			continue
		}
		if err := c.flushLocked(ctx, guildID); err == nil {
			flushed++
		}
	}
	return flushed
}

// Evict flushes and drops a guild's cached state. Call only when no viewers
// remain.
func (c *Cache) Evict(ctx context.Context, guildID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flushLocked(ctx, guildID); err != nil {
		c.log.Errorf("evict flush failed for guild %s: %v", guildID, err)
		return // keep state rather than lose unflushed changes
	}
	delete(c.vaults, guildID)
	delete(c.buffers, guildID)
}

// Stats reports cache occupancy for monitoring.
func (c *Cache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := 0
	for _, b := range c.buffers {
		if b.hasPending() {
			pending++
		}
	}
	return map[string]int{
		"cached_vaults":         len(c.vaults),
		"pending_write_buffers": pending,
	}
}
