package vaultlog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/logger"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestLog(t *testing.T) (*Log, *gorm.DB, context.Context) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.VaultLogEntry{}, &model.OutboxEvent{}))

	log, _ := logger.NewLogger()
	return NewLog(db, log), db, context.Background()
}

func TestLog_AppendEmitsOutboxEvent(t *testing.T) {
	l, db, ctx := newTestLog(t)
	guildID := uuid.New()
	playerID := uuid.New()

	entry, err := l.AppendGold(ctx, guildID, playerID, model.LogGoldDeposit, 81)
	assert.NoError(t, err)
	assert.Equal(t, int64(81), *entry.Amount)
	assert.Greater(t, entry.Timestamp, int64(0))

	var events []model.OutboxEvent
	assert.NoError(t, db.Find(&events).Error)
	assert.Len(t, events, 1)
	assert.Equal(t, guildID.String(), events[0].AggregateID)
	assert.Equal(t, model.LogGoldDeposit, events[0].EventType)
	assert.False(t, events[0].Processed)
}

func TestLog_RejectsMismatchedKind(t *testing.T) {
	l, _, ctx := newTestLog(t)
	guildID := uuid.New()
	playerID := uuid.New()

	_, err := l.AppendGold(ctx, guildID, playerID, model.LogItemAdd, 1)
	assert.ErrorIs(t, err, ErrInvalidKind)
	_, err = l.AppendItem(ctx, guildID, playerID, model.LogGoldDeposit, "data", 3)
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestLog_QueryFilters(t *testing.T) {
	l, _, ctx := newTestLog(t)
	guildA := uuid.New()
	guildB := uuid.New()
	playerID := uuid.New()

	_, err := l.AppendGold(ctx, guildA, playerID, model.LogGoldDeposit, 10)
	assert.NoError(t, err)
	_, err = l.AppendGold(ctx, guildA, playerID, model.LogGoldWithdraw, 5)
	assert.NoError(t, err)
	_, err = l.AppendItem(ctx, guildB, playerID, model.LogItemAdd, "blob", 7)
	assert.NoError(t, err)

	byGuild, err := l.Query(ctx, Filter{GuildID: &guildA})
	assert.NoError(t, err)
	assert.Len(t, byGuild, 2)

	byKind, err := l.Query(ctx, Filter{GuildID: &guildA, Kind: model.LogGoldWithdraw})
	assert.NoError(t, err)
	assert.Len(t, byKind, 1)
	assert.Equal(t, int64(5), *byKind[0].Amount)

	byPlayer, err := l.Query(ctx, Filter{PlayerID: &playerID})
	assert.NoError(t, err)
	assert.Len(t, byPlayer, 3)

	paged, err := l.Query(ctx, Filter{PlayerID: &playerID, Limit: 2, Offset: 2})
	assert.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestLog_CrashWindowInclusive(t *testing.T) {
	l, db, ctx := newTestLog(t)
	guildID := uuid.New()
	playerID := uuid.New()

	crash := int64(1_000_000)
	seed := func(ts, amount int64) {
		e := model.NewGoldLogEntry(guildID, playerID, model.LogGoldDeposit, amount)
		e.Timestamp = ts
		assert.NoError(t, db.Create(e).Error)
	}
	seed(crash-5001, 1) // just outside a 5s window
	seed(crash-5000, 2) // boundary, included
	seed(crash-100, 3)
	seed(crash, 4) // crash instant, included
	seed(crash+1, 5)

	entries, err := l.EntriesBeforeCrash(ctx, crash, 5)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	// newest first
	assert.Equal(t, int64(4), *entries[0].Amount)
	assert.Equal(t, int64(3), *entries[1].Amount)
	assert.Equal(t, int64(2), *entries[2].Amount)
}

func TestLog_ArchiveOlderThan(t *testing.T) {
	l, db, ctx := newTestLog(t)
	guildID := uuid.New()
	playerID := uuid.New()

	seed := func(ts int64) {
		e := model.NewGoldLogEntry(guildID, playerID, model.LogGoldDeposit, 1)
		e.Timestamp = ts
		assert.NoError(t, db.Create(e).Error)
	}
	seed(100)
	seed(200)
	seed(300)

	removed, err := l.ArchiveOlderThan(ctx, 300)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err := l.CountForGuild(ctx, guildID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLog_Recent(t *testing.T) {
	l, _, ctx := newTestLog(t)
	playerID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := l.AppendGold(ctx, uuid.New(), playerID, model.LogGoldDeposit, int64(i+1))
		assert.NoError(t, err)
	}
	entries, err := l.Recent(ctx, 3)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
}
