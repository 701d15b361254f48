package vault

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/logger"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestCache(t *testing.T) (*Cache, *gorm.DB, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.VaultSlot{}, &model.VaultGold{}))

	log, _ := logger.NewLogger()
	c := NewCache(db, model.Base64JSONCodec{}, log, DefaultCapacity, 5, time.Hour)
	return c, db, context.Background()
}

func TestCache_ReservedSlot(t *testing.T) {
	c, _, ctx := newTestCache(t)
	guildID := uuid.New()

	_, err := c.SetSlot(ctx, guildID, ReservedSlot, &model.Item{Material: "STONE", Amount: 1})
	assert.ErrorIs(t, err, ErrReservedSlot)
	_, err = c.SetSlot(ctx, guildID, ReservedSlot, nil)
	assert.ErrorIs(t, err, ErrReservedSlot)
	_, err = c.SetSlot(ctx, guildID, DefaultCapacity, &model.Item{Material: "STONE", Amount: 1})
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, err = c.SetSlot(ctx, guildID, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestCache_SetGetSlot(t *testing.T) {
	c, _, ctx := newTestCache(t)
	guildID := uuid.New()
	sword := &model.Item{Material: "DIAMOND_SWORD", Amount: 1}

	prev, err := c.SetSlot(ctx, guildID, 3, sword)
	assert.NoError(t, err)
	assert.Nil(t, prev)

	got, err := c.GetSlot(ctx, guildID, 3)
	assert.NoError(t, err)
	assert.True(t, sword.Equal(got))

	// last write wins at slot granularity and the old item is returned
	stone := &model.Item{Material: "STONE", Amount: 64}
	prev, err = c.SetSlot(ctx, guildID, 3, stone)
	assert.NoError(t, err)
	assert.True(t, sword.Equal(prev))

	prev, err = c.SetSlot(ctx, guildID, 3, nil)
	assert.NoError(t, err)
	assert.True(t, stone.Equal(prev))

	got, err = c.GetSlot(ctx, guildID, 3)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_FlushPersistsAndIsIdempotent(t *testing.T) {
	c, db, ctx := newTestCache(t)
	guildID := uuid.New()

	_, err := c.SetSlot(ctx, guildID, 1, &model.Item{Material: "OAK_LOG", Amount: 32})
	assert.NoError(t, err)
	_, err = c.DepositGold(ctx, guildID, uuid.New(), 81)
	assert.NoError(t, err)

	assert.NoError(t, c.ForceFlush(ctx, guildID))
	assert.NoError(t, c.ForceFlush(ctx, guildID))

	var slots []model.VaultSlot
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 1)

	var gold model.VaultGold
	assert.NoError(t, db.Where("guild_id = ?", guildID).First(&gold).Error)
	assert.Equal(t, int64(81), gold.Balance)
}

func TestCache_EvictThenReload(t *testing.T) {
	c, _, ctx := newTestCache(t)
	guildID := uuid.New()
	item := &model.Item{Material: "NETHER_STAR", Amount: 1, Enchantments: map[string]int{"mending": 1}}

	_, err := c.SetSlot(ctx, guildID, 7, item)
	assert.NoError(t, err)
	_, err = c.DepositGold(ctx, guildID, uuid.New(), 9)
	assert.NoError(t, err)
	c.Evict(ctx, guildID)

	// lazy reload from storage restores the full state
	got, err := c.GetSlot(ctx, guildID, 7)
	assert.NoError(t, err)
	assert.True(t, item.Equal(got))
	bal, err := c.GetGoldBalance(ctx, guildID)
	assert.NoError(t, err)
	assert.Equal(t, int64(9), bal)
}

func TestCache_FailClosedWhenStorageMissing(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	// no migration: every load hits a missing table
	log, _ := logger.NewLogger()
	c := NewCache(db, model.Base64JSONCodec{}, log, 0, 0, 0)
	ctx := context.Background()
	guildID := uuid.New()

	_, err = c.GetGoldBalance(ctx, guildID)
	assert.ErrorIs(t, err, ErrVaultUnavailable)
	_, err = c.SetSlot(ctx, guildID, 1, &model.Item{Material: "STONE", Amount: 1})
	assert.ErrorIs(t, err, ErrVaultUnavailable)
	_, err = c.DepositGold(ctx, guildID, uuid.New(), 10)
	assert.ErrorIs(t, err, ErrVaultUnavailable)

	// failure is not cached as an empty vault
	assert.Equal(t, 0, c.Stats()["cached_vaults"])
}

func TestCache_GoldDepositWithdraw(t *testing.T) {
	c, _, ctx := newTestCache(t)
	guildID := uuid.New()
	playerID := uuid.New()

	_, err := c.DepositGold(ctx, guildID, playerID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.WithdrawGold(ctx, guildID, playerID, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bal, err := c.DepositGold(ctx, guildID, playerID, 100)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	// rejected before any state change
	_, err = c.WithdrawGold(ctx, guildID, playerID, 101)
	assert.ErrorIs(t, err, ErrInsufficientGold)
	bal, err = c.GetGoldBalance(ctx, guildID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	bal, err = c.WithdrawGold(ctx, guildID, playerID, 100)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestCache_FlushPendingSizeThreshold(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.VaultSlot{}, &model.VaultGold{}))
	log, _ := logger.NewLogger()
	c := NewCache(db, model.Base64JSONCodec{}, log, DefaultCapacity, 2, time.Hour)
	ctx := context.Background()
	guildID := uuid.New()

	_, err = c.SetSlot(ctx, guildID, 1, &model.Item{Material: "STONE", Amount: 1})
	assert.NoError(t, err)
	assert.Equal(t, 0, c.FlushPending(ctx))

	_, err = c.SetSlot(ctx, guildID, 2, &model.Item{Material: "DIRT", Amount: 1})
	assert.NoError(t, err)
	assert.Equal(t, 1, c.FlushPending(ctx))

	var slots []model.VaultSlot
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 2)
}

func TestCache_ValidateAndRepair(t *testing.T) {
	c, _, ctx := newTestCache(t)
	guildID := uuid.New()
	real := &model.Item{Material: "EMERALD", Amount: 4}
	_, err := c.SetSlot(ctx, guildID, 5, real)
	assert.NoError(t, err)
	_, err = c.DepositGold(ctx, guildID, uuid.New(), 42)
	assert.NoError(t, err)

	view := NewProjectionView()
	view.SetSlot(5, &model.Item{Material: "COBBLESTONE", Amount: 1}) // stale
	view.SetSlot(9, &model.Item{Material: "TORCH", Amount: 8})       // phantom

	assert.NoError(t, c.ValidateAndRepair(ctx, guildID, view))
	slots := view.Slots()
	assert.True(t, real.Equal(slots[5]))
	assert.Nil(t, slots[9])
	assert.Equal(t, int64(42), view.Balance())
}

func TestCapacityForLevel(t *testing.T) {
	assert.Equal(t, 9, CapacityForLevel(0))
	assert.Equal(t, 9, CapacityForLevel(1))
	assert.Equal(t, 18, CapacityForLevel(5))
	assert.Equal(t, 27, CapacityForLevel(10))
	assert.Equal(t, 36, CapacityForLevel(15))
	assert.Equal(t, 45, CapacityForLevel(20))
	assert.Equal(t, 54, CapacityForLevel(21))
}
