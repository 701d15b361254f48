package vault

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/logger"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/lumaforge/guildvault/internal/vaultlog"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestController(t *testing.T) (*Controller, *gorm.DB, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.VaultSlot{}, &model.VaultGold{},
		&model.VaultLogEntry{}, &model.OutboxEvent{},
	))

	log, _ := logger.NewLogger()
	codec := model.Base64JSONCodec{}
	cache := NewCache(db, codec, log, DefaultCapacity, 5, time.Hour)
	ctrl := NewController(cache, NewRegistry(), vaultlog.NewLog(db, log),
		NewValuablePolicy(nil), codec, log, time.Hour, time.Hour)
	return ctrl, db, context.Background()
}

type fakeHoldings struct {
	items   map[int]*model.Item
	removed []int
}

func (f *fakeHoldings) Items() map[int]*model.Item { return f.items }
func (f *fakeHoldings) Remove(slot int) {
	delete(f.items, slot)
	f.removed = append(f.removed, slot)
}

func TestController_ViewersConverge(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	aliceView := NewProjectionView()
	bobView := NewProjectionView()

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, aliceView))
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, bob, bobView))

	item := &model.Item{Material: "OAK_PLANKS", Amount: 16}
	prev, err := ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 4, item)
	assert.NoError(t, err)
	assert.Nil(t, prev)

	// bob's open view converges without bob acting
	assert.True(t, item.Equal(bobView.Slots()[4]))
	// the actor's own view is not echoed back
	assert.Nil(t, aliceView.Slots()[4])
}

func TestController_ValuableRemovalLogsAndFlushes(t *testing.T) {
	ctrl, db, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	bobView := NewProjectionView()

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, bob, bobView))

	sword := &model.Item{
		Material:     "DIAMOND_SWORD",
		Amount:       1,
		Enchantments: map[string]int{"sharpness": 5},
	}
	_, err := ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 2, sword)
	assert.NoError(t, err)
	prev, err := ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 2, nil)
	assert.NoError(t, err)
	assert.True(t, sword.Equal(prev))

	// both movements were logged durably
	var entries []model.VaultLogEntry
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&entries).Error)
	assert.Len(t, entries, 2)
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.TransactionType]++
		assert.Equal(t, 2, *e.Slot)
	}
	assert.Equal(t, 1, kinds[model.LogItemAdd])
	assert.Equal(t, 1, kinds[model.LogItemRemove])

	// the valuable movement forced a flush, so storage shows the cleared slot
	var slots []model.VaultSlot
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 0)

	// bob's view shows the slot empty
	assert.Nil(t, bobView.Slots()[2])
}

func TestController_GoldFlow(t *testing.T) {
	ctrl, db, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	bobView := NewProjectionView()

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, bob, bobView))

	bal, err := ctrl.DepositGold(ctx, guildID, alice, 90)
	assert.NoError(t, err)
	assert.Equal(t, int64(90), bal)
	assert.Equal(t, int64(90), bobView.Balance())

	bal, err = ctrl.WithdrawGold(ctx, guildID, alice, 30)
	assert.NoError(t, err)
	assert.Equal(t, int64(60), bal)
	assert.Equal(t, int64(60), bobView.Balance())

	_, err = ctrl.WithdrawGold(ctx, guildID, alice, 1000)
	assert.ErrorIs(t, err, ErrInsufficientGold)

	// gold movements flush immediately
	var gold model.VaultGold
	assert.NoError(t, db.Where("guild_id = ?", guildID).First(&gold).Error)
	assert.Equal(t, int64(60), gold.Balance)

	var entries []model.VaultLogEntry
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&entries).Error)
	assert.Len(t, entries, 2)
}

func TestController_ReservedSlotClickIntents(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))

	res, err := ctrl.HandleBalanceSlotClick(ctx, guildID, alice, ClickPrimary, &fakeHoldings{})
	assert.NoError(t, err)
	assert.Equal(t, IntentOpenDepositFlow, res.Intent)

	res, err = ctrl.HandleBalanceSlotClick(ctx, guildID, alice, ClickSecondary, &fakeHoldings{})
	assert.NoError(t, err)
	assert.Equal(t, IntentOpenWithdrawFlow, res.Intent)
}

func TestController_DepositAllHeld(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))

	holdings := &fakeHoldings{items: map[int]*model.Item{
		0: {Material: "GOLD_BLOCK", Amount: 1},  // 81
		1: {Material: "GOLD_INGOT", Amount: 2},  // 18
		2: {Material: "GOLD_NUGGET", Amount: 7}, // 7
		3: {Material: "BREAD", Amount: 12},      // not currency, kept
	}}
	res, err := ctrl.HandleBalanceSlotClick(ctx, guildID, alice, ClickShiftPrimary, holdings)
	assert.NoError(t, err)
	assert.Equal(t, IntentDepositAllHeld, res.Intent)
	assert.Equal(t, int64(106), res.Deposited)
	assert.Equal(t, int64(106), res.NewBalance)
	assert.Len(t, holdings.removed, 3)
	assert.NotNil(t, holdings.items[3])

	// shift-click with nothing of value moves no gold
	res, err = ctrl.HandleBalanceSlotClick(ctx, guildID, alice, ClickShiftPrimary, &fakeHoldings{items: map[int]*model.Item{}})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), res.Deposited)
	assert.Equal(t, int64(106), res.NewBalance)
}

func TestController_DepositAllKeepsHoldingsOnFailure(t *testing.T) {
	// unmigrated storage: the vault fails closed on first access
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	log, _ := logger.NewLogger()
	codec := model.Base64JSONCodec{}
	cache := NewCache(db, codec, log, DefaultCapacity, 5, time.Hour)
	ctrl := NewController(cache, NewRegistry(), vaultlog.NewLog(db, log),
		NewValuablePolicy(nil), codec, log, time.Hour, time.Hour)
	ctx := context.Background()
	guildID := uuid.New()
	alice := uuid.New()

	block := &model.Item{Material: "GOLD_BLOCK", Amount: 1}
	holdings := &fakeHoldings{items: map[int]*model.Item{3: block}}
	_, err = ctrl.HandleBalanceSlotClick(ctx, guildID, alice, ClickShiftPrimary, holdings)
	assert.ErrorIs(t, err, ErrVaultUnavailable)

	// the failed deposit left the player's items untouched
	assert.Empty(t, holdings.removed)
	assert.True(t, block.Equal(holdings.items[3]))
}

type failingCodec struct{}

func (failingCodec) EncodeItem(*model.Item) (string, error) {
	return "", assert.AnError
}

func (failingCodec) DecodeItem(string) (*model.Item, error) {
	return nil, assert.AnError
}

func TestController_EncodeFailureStillFlushes(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.VaultSlot{}, &model.VaultGold{},
		&model.VaultLogEntry{}, &model.OutboxEvent{},
	))
	log, _ := logger.NewLogger()
	cache := NewCache(db, model.Base64JSONCodec{}, log, DefaultCapacity, 5, time.Hour)
	// the controller's log codec fails; the cache's storage codec does not
	ctrl := NewController(cache, NewRegistry(), vaultlog.NewLog(db, log),
		NewValuablePolicy(nil), failingCodec{}, log, time.Hour, time.Hour)
	ctx := context.Background()
	guildID := uuid.New()
	alice := uuid.New()

	star := &model.Item{Material: "NETHER_STAR", Amount: 1}
	_, err = ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 2, star)
	assert.NoError(t, err)

	// the log entry is lost to the encode failure but the durable flush for
	// the valuable movement still happens
	var entries []model.VaultLogEntry
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&entries).Error)
	assert.Len(t, entries, 0)
	var slots []model.VaultSlot
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 1)
}

func TestController_CloseFlushesOnLastViewer(t *testing.T) {
	ctrl, db, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, bob, NewProjectionView()))

	// a non-valuable change rides the buffer, not an immediate flush
	_, err := ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 6, &model.Item{Material: "COBBLESTONE", Amount: 64})
	assert.NoError(t, err)

	assert.NoError(t, ctrl.CloseVaultFor(ctx, alice))
	var slots []model.VaultSlot
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 0)

	// last viewer leaving flushes unconditionally
	assert.NoError(t, ctrl.CloseVaultFor(ctx, bob))
	assert.NoError(t, db.Where("guild_id = ?", guildID).Find(&slots).Error)
	assert.Len(t, slots, 1)
}

func TestController_OpenRepairsStaleView(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))
	item := &model.Item{Material: "EMERALD_BLOCK", Amount: 3}
	_, err := ctrl.UpdateSlotWithBroadcast(ctx, guildID, alice, 8, item)
	assert.NoError(t, err)
	_, err = ctrl.DepositGold(ctx, guildID, alice, 50)
	assert.NoError(t, err)
	assert.NoError(t, ctrl.CloseVaultFor(ctx, alice))

	// reopening with a stale client-side view starts from the cache
	stale := NewProjectionView()
	stale.SetSlot(8, &model.Item{Material: "DIRT", Amount: 1})
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, stale))
	assert.True(t, item.Equal(stale.Slots()[8]))
	assert.Equal(t, int64(50), stale.Balance())
}

func TestController_DisconnectNeverPanics(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	alice := uuid.New()

	// unknown player is a no-op
	assert.NotPanics(t, func() { ctrl.Disconnect(ctx, uuid.New()) })

	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, alice, NewProjectionView()))
	_, err := ctrl.DepositGold(ctx, guildID, alice, 10)
	assert.NoError(t, err)
	assert.NotPanics(t, func() { ctrl.Disconnect(ctx, alice) })

	// session is gone and a second disconnect stays quiet
	assert.Equal(t, 0, ctrl.Stats()["active_viewers"])
	assert.NotPanics(t, func() { ctrl.Disconnect(ctx, alice) })
}

func TestController_Stats(t *testing.T) {
	ctrl, _, ctx := newTestController(t)
	guildID := uuid.New()
	assert.NoError(t, ctrl.OpenVaultFor(ctx, guildID, uuid.New(), NewProjectionView()))
	stats := ctrl.Stats()
	assert.Equal(t, 1, stats["active_viewers"])
	assert.Equal(t, 1, stats["cached_vaults"])
}
