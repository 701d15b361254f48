package vault

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/lumaforge/guildvault/internal/vaultlog"
	"go.uber.org/zap"
)

// ClickKind is the interaction kind on the reserved balance slot.
type ClickKind int

const (
	ClickPrimary ClickKind = iota
	ClickSecondary
	ClickShiftPrimary
)

// Intent is what a reserved-slot click means. The slot itself is never
// mutated; intents execute against the ledger and cache.
type Intent string

const (
	IntentOpenDepositFlow  Intent = "OPEN_DEPOSIT_FLOW"
	IntentOpenWithdrawFlow Intent = "OPEN_WITHDRAW_FLOW"
	IntentDepositAllHeld   Intent = "DEPOSIT_ALL_HELD"
)

// ClickResult reports the interpreted intent and, when it executed
// immediately, the gold moved.
type ClickResult struct {
	Intent     Intent
	Deposited  int64
	NewBalance int64
}

// PlayerHoldings exposes a player's carried items to the deposit-all intent.
// Resolved by the session/view provider; this subsystem never touches player
// state otherwise.
type PlayerHoldings interface {
	Items() map[int]*model.Item
	Remove(slot int)
}

// Controller orchestrates the vault open/edit/commit/broadcast/flush
// lifecycle. Every mutation is validated and applied to the cache directly;
// views are pure projections, so viewers converge without deferred
// read-backs. The controller mutex gives all viewers of a guild the same
// total order of committed mutations.
type Controller struct {
	cache     *Cache
	sessions  *Registry
	vlog      *vaultlog.Log
	valuables *ValuablePolicy
	codec     model.ItemCodec
	log       *zap.SugaredLogger

	flushInterval time.Duration
	idleTimeout   time.Duration

	mu sync.Mutex
}

func NewController(cache *Cache, sessions *Registry, vlog *vaultlog.Log, valuables *ValuablePolicy,
	codec model.ItemCodec, logger *zap.SugaredLogger, flushInterval, idleTimeout time.Duration) *Controller {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Controller{
		cache:         cache,
		sessions:      sessions,
		vlog:          vlog,
		valuables:     valuables,
		codec:         codec,
		log:           logger,
		flushInterval: flushInterval,
		idleTimeout:   idleTimeout,
	}
}

// OpenVaultFor registers the viewer and immediately repairs the new view
// against the cache so it starts from the authoritative state. Fails closed
// when the vault cannot be loaded.
func (ct *Controller) OpenVaultFor(ctx context.Context, guildID, playerID uuid.UUID, view ViewHandle) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if err := ct.cache.ValidateAndRepair(ctx, guildID, view); err != nil {
		return err
	}
	ct.sessions.Register(guildID, playerID, view)
	ct.log.Infof("player %s opened vault for guild %s", playerID, guildID)
	return nil
}

// CloseVaultFor re-syncs the closing view against the cache, unregisters the
// viewer, and flushes when no viewers remain.
func (ct *Controller) CloseVaultFor(ctx context.Context, playerID uuid.UUID) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.closeLocked(ctx, playerID)
}

func (ct *Controller) closeLocked(ctx context.Context, playerID uuid.UUID) error {
	s, ok := ct.sessions.Get(playerID)
	if !ok {
		return nil
	}
	// The cache is authoritative; repair the view once more so a viewer
	// reopening from a cached client surface cannot carry stale state.
	if err := ct.cache.ValidateAndRepair(ctx, s.GuildID, s.View); err != nil {
		ct.log.Warnf("close repair failed for guild %s: %v", s.GuildID, err)
	}
	guildID, last, _ := ct.sessions.Unregister(playerID)
	if last {
		if err := ct.cache.ForceFlush(ctx, guildID); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect is an implicit close. It must never panic or leak a session, so
// errors are logged and swallowed.
func (ct *Controller) Disconnect(ctx context.Context, playerID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			ct.log.Errorf("panic during disconnect cleanup for %s: %v", playerID, r)
			ct.sessions.Unregister(playerID)
		}
	}()
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if err := ct.closeLocked(ctx, playerID); err != nil {
		ct.log.Errorf("disconnect cleanup for %s: %v", playerID, err)
	}
}

// UpdateSlotWithBroadcast validates and commits a slot change, logs and
// force-flushes valuable movements, and pushes the committed value to every
// other viewer of the guild so open views converge without reopening.
// Returns the previous item.
func (ct *Controller) UpdateSlotWithBroadcast(ctx context.Context, guildID, playerID uuid.UUID, slot int, item *model.Item) (*model.Item, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	prev, err := ct.cache.SetSlot(ctx, guildID, slot, item)
	if err != nil {
		return nil, err
	}
	ct.sessions.Touch(playerID)

	ct.logItemMovement(ctx, guildID, playerID, slot, prev, item)

	for _, s := range ct.sessions.Viewers(guildID) {
		if s.PlayerID == playerID {
			continue
		}
		s.View.SetSlot(slot, item)
	}
	return prev, nil
}

// logItemMovement appends log entries and force-flushes when the moved item
// is valuable. Non-valuable changes ride the periodic batched flush.
func (ct *Controller) logItemMovement(ctx context.Context, guildID, playerID uuid.UUID, slot int, prev, item *model.Item) {
	flush := false
	if item != nil && ct.valuables.IsValuable(item) {
		if data, err := ct.codec.EncodeItem(item); err != nil {
			ct.log.Errorf("encode item for add log failed for guild %s slot %d: %v", guildID, slot, err)
		} else if _, err := ct.vlog.AppendItem(ctx, guildID, playerID, model.LogItemAdd, data, slot); err != nil {
			ct.log.Errorf("item add log failed for guild %s: %v", guildID, err)
		}
		flush = true
	}
	if prev != nil && ct.valuables.IsValuable(prev) {
		if data, err := ct.codec.EncodeItem(prev); err != nil {
			ct.log.Errorf("encode item for remove log failed for guild %s slot %d: %v", guildID, slot, err)
		} else if _, err := ct.vlog.AppendItem(ctx, guildID, playerID, model.LogItemRemove, data, slot); err != nil {
			ct.log.Errorf("item remove log failed for guild %s: %v", guildID, err)
		}
		flush = true
	}
	if flush {
		if err := ct.cache.ForceFlush(ctx, guildID); err != nil {
			ct.log.Errorf("valuable flush failed for guild %s: %v", guildID, err)
		}
	}
}

// DepositGold adds vault gold, logs the movement, flushes immediately, and
// broadcasts the new balance to every viewer.
func (ct *Controller) DepositGold(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.depositGoldLocked(ctx, guildID, playerID, amount)
}

func (ct *Controller) depositGoldLocked(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error) {
	bal, err := ct.cache.DepositGold(ctx, guildID, playerID, amount)
	if err != nil {
		return 0, err
	}
	if _, err := ct.vlog.AppendGold(ctx, guildID, playerID, model.LogGoldDeposit, amount); err != nil {
		ct.log.Errorf("gold deposit log failed for guild %s: %v", guildID, err)
	}
	if err := ct.cache.ForceFlush(ctx, guildID); err != nil {
		ct.log.Errorf("gold deposit flush failed for guild %s: %v", guildID, err)
	}
	ct.broadcastBalance(guildID, bal)
	ct.sessions.Touch(playerID)
	return bal, nil
}

// WithdrawGold removes vault gold with the same log/flush/broadcast policy.
// Rejected before any state change when funds are insufficient.
func (ct *Controller) WithdrawGold(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	bal, err := ct.cache.WithdrawGold(ctx, guildID, playerID, amount)
	if err != nil {
		return 0, err
	}
	if _, err := ct.vlog.AppendGold(ctx, guildID, playerID, model.LogGoldWithdraw, amount); err != nil {
		ct.log.Errorf("gold withdraw log failed for guild %s: %v", guildID, err)
	}
	if err := ct.cache.ForceFlush(ctx, guildID); err != nil {
		ct.log.Errorf("gold withdraw flush failed for guild %s: %v", guildID, err)
	}
	ct.broadcastBalance(guildID, bal)
	ct.sessions.Touch(playerID)
	return bal, nil
}

func (ct *Controller) broadcastBalance(guildID uuid.UUID, balance int64) {
	for _, s := range ct.sessions.Viewers(guildID) {
		s.View.SetBalance(balance)
	}
}

// GetGoldBalance reads the cached vault balance.
func (ct *Controller) GetGoldBalance(ctx context.Context, guildID uuid.UUID) (int64, error) {
	return ct.cache.GetGoldBalance(ctx, guildID)
}

// ForceFlush persists a guild's cached vault state immediately.
func (ct *Controller) ForceFlush(ctx context.Context, guildID uuid.UUID) error {
	return ct.cache.ForceFlush(ctx, guildID)
}

// HandleBalanceSlotClick interprets a click on the reserved slot as a user
// intent. The native mutation is always cancelled by the caller; the slot
// itself is never written. Shift-click executes immediately: every
// currency-valued item the player holds is consumed and deposited.
func (ct *Controller) HandleBalanceSlotClick(ctx context.Context, guildID, playerID uuid.UUID, kind ClickKind, holdings PlayerHoldings) (*ClickResult, error) {
	switch kind {
	case ClickPrimary:
		ct.sessions.Touch(playerID)
		return &ClickResult{Intent: IntentOpenDepositFlow}, nil
	case ClickSecondary:
		ct.sessions.Touch(playerID)
		return &ClickResult{Intent: IntentOpenWithdrawFlow}, nil
	case ClickShiftPrimary:
		ct.mu.Lock()
		defer ct.mu.Unlock()
		total := int64(0)
		var currency []int
		for slot, item := range holdings.Items() {
			if v := GoldValue(item); v > 0 {
				total += v
				currency = append(currency, slot)
			}
		}
		res := &ClickResult{Intent: IntentDepositAllHeld}
		if total == 0 {
			res.NewBalance, _ = ct.cache.GetGoldBalance(ctx, guildID)
			return res, nil
		}
		bal, err := ct.depositGoldLocked(ctx, guildID, playerID, total)
		if err != nil {
			// a failed deposit must not touch the player's holdings
			return nil, err
		}
		for _, slot := range currency {
			holdings.Remove(slot)
		}
		res.Deposited = total
		res.NewBalance = bal
		return res, nil
	default:
		return &ClickResult{Intent: IntentOpenDepositFlow}, nil
	}
}

// Maintain runs the periodic batched flush and the idle-session sweep until
// the context is cancelled. Flushes happen off the mutation path; a failure
// is logged and the cache stays authoritative until the next success.
func (ct *Controller) Maintain(ctx context.Context) {
	ticker := time.NewTicker(ct.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ct.flushAll(context.Background())
			return
		case <-ticker.C:
			ct.cache.FlushPending(ctx)
			for _, playerID := range ct.sessions.Idle(ct.idleTimeout) {
				ct.log.Infof("closing idle vault session for player %s", playerID)
				if err := ct.CloseVaultFor(ctx, playerID); err != nil {
					ct.log.Errorf("idle close for %s: %v", playerID, err)
				}
			}
		}
	}
}

func (ct *Controller) flushAll(ctx context.Context) {
	ct.cache.mu.Lock()
	guilds := make([]uuid.UUID, 0, len(ct.cache.vaults))
	for guildID := range ct.cache.vaults {
		guilds = append(guilds, guildID)
	}
	ct.cache.mu.Unlock()
	for _, guildID := range guilds {
		if err := ct.cache.ForceFlush(ctx, guildID); err != nil {
			ct.log.Errorf("shutdown flush failed for guild %s: %v", guildID, err)
		}
	}
}

// Logger exposes the controller's logger for transport adapters.
func (ct *Controller) Logger() *zap.SugaredLogger { return ct.log }

// Stats merges cache and session counts for the admin surface.
func (ct *Controller) Stats() map[string]int {
	stats := ct.cache.Stats()
	stats["active_viewers"] = ct.sessions.Count()
	return stats
}
