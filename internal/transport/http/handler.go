package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lumaforge/guildvault/internal/ledger"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/lumaforge/guildvault/internal/vault"
	"github.com/lumaforge/guildvault/internal/vaultlog"
)

// Handlers carries the composed subsystem. Authorization happens before any
// request reaches these endpoints; they only validate shapes and amounts.
type Handlers struct {
	Ledger     *ledger.Store
	Fees       *ledger.FeePolicy
	Log        *vaultlog.Log
	Controller *vault.Controller
	// MaxAmount caps single bank transactions; <= 0 disables the cap.
	MaxAmount int64
}

func RegisterHandlers(r *gin.Engine, h *Handlers) {
	v1 := r.Group("/v1")
	{
		v1.POST("/guilds/:id/bank/deposit", h.bankDeposit)
		v1.POST("/guilds/:id/bank/withdraw", h.bankWithdraw)
		v1.GET("/guilds/:id/bank/balance", h.bankBalance)
		v1.GET("/guilds/:id/bank/transactions", h.bankTransactions)
		v1.GET("/guilds/:id/bank/audit", h.guildAudit)
		v1.GET("/guilds/:id/bank/stats", h.bankStats)
		v1.GET("/guilds/:id/players/:pid/bank/totals", h.playerTotals)
		v1.DELETE("/guilds/:id/bank", h.clearGuild)
		v1.GET("/players/:id/bank/audit", h.playerAudit)

		v1.GET("/guilds/:id/vault/log", h.guildVaultLog)
		v1.GET("/players/:id/vault/log", h.playerVaultLog)
		v1.GET("/vault/log/recent", h.recentVaultLog)
		v1.GET("/vault/log/crash-window", h.crashWindow)
		v1.POST("/vault/log/archive", h.archiveLog)
		v1.GET("/vault/stats", h.vaultStats)

		v1.GET("/guilds/:id/vault/gold", h.vaultGold)
		v1.POST("/guilds/:id/vault/gold/deposit", h.vaultGoldDeposit)
		v1.POST("/guilds/:id/vault/gold/withdraw", h.vaultGoldWithdraw)
		v1.PUT("/guilds/:id/vault/slots/:slot", h.vaultSetSlot)
		v1.POST("/guilds/:id/vault/flush", h.vaultFlush)
		v1.GET("/guilds/:id/vault/ws", h.vaultViewer)
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}

type bankMoveReq struct {
	ActorID     string `json:"actor_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (h *Handlers) checkAmount(c *gin.Context, amount int64) bool {
	if amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return false
	}
	if h.MaxAmount > 0 && amount > h.MaxAmount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount exceeds transaction limit"})
		return false
	}
	return true
}

func (h *Handlers) bankDeposit(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req bankMoveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor_id"})
		return
	}
	if !h.checkAmount(c, req.Amount) {
		return
	}
	old := h.Ledger.GetBalance(c, guildID)
	tx := model.NewDeposit(guildID, actorID, req.Amount, req.Description)
	audit := model.NewAudit(guildID, actorID, model.AuditDeposit, req.Description, old, old+tx.Delta())
	if err := h.Ledger.RecordTransactionWithAudit(c, tx, audit); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrInvalidAmount) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": h.Ledger.GetBalance(c, guildID), "transaction_id": tx.ID})
}

func (h *Handlers) bankWithdraw(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req bankMoveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor_id"})
		return
	}
	if !h.checkAmount(c, req.Amount) {
		return
	}
	fee := h.Fees.WithdrawalFee(req.Amount)
	old := h.Ledger.GetBalance(c, guildID)
	tx := model.NewWithdrawal(guildID, actorID, req.Amount, fee, req.Description)
	audit := model.NewAudit(guildID, actorID, model.AuditWithdrawal, req.Description, old, old+tx.Delta())
	if err := h.Ledger.RecordTransactionWithAudit(c, tx, audit); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrInvalidAmount) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": h.Ledger.GetBalance(c, guildID), "fee": fee, "transaction_id": tx.ID})
}

func (h *Handlers) bankBalance(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": h.Ledger.GetBalance(c, guildID)})
}

func (h *Handlers) bankTransactions(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.Ledger.GetTransactions(c, guildID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (h *Handlers) guildAudit(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	audits, err := h.Ledger.GetAuditForGuild(c, guildID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, audits)
}

func (h *Handlers) playerAudit(c *gin.Context) {
	playerID, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	audits, err := h.Ledger.GetAuditForPlayer(c, playerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, audits)
}

func (h *Handlers) bankStats(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	volume, err := h.Ledger.GetTotalVolumeForGuild(c, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	count, err := h.Ledger.GetTransactionCountForGuild(c, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":           h.Ledger.GetBalance(c, guildID),
		"total_volume":      volume,
		"transaction_count": count,
	})
}

func (h *Handlers) playerTotals(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	playerID, ok := parseID(c, "pid")
	if !ok {
		return
	}
	deposits, err := h.Ledger.GetPlayerTotalDeposits(c, playerID, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	withdrawals, err := h.Ledger.GetPlayerTotalWithdrawals(c, playerID, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_deposits": deposits, "total_withdrawals": withdrawals})
}

func (h *Handlers) clearGuild(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.Ledger.ClearGuildTransactions(c, guildID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) guildVaultLog(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.queryVaultLog(c, vaultlog.Filter{GuildID: &guildID})
}

func (h *Handlers) playerVaultLog(c *gin.Context) {
	playerID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.queryVaultLog(c, vaultlog.Filter{PlayerID: &playerID})
}

func (h *Handlers) queryVaultLog(c *gin.Context, f vaultlog.Filter) {
	if v := c.Query("start"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.StartTime = &ts
		}
	}
	if v := c.Query("end"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.EndTime = &ts
		}
	}
	f.Kind = c.Query("kind")
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := h.Log.Query(c, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handlers) recentVaultLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.Log.Recent(c, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handlers) crashWindow(c *gin.Context) {
	crashTS, err := strconv.ParseInt(c.Query("crash_ts"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid crash_ts"})
		return
	}
	window, _ := strconv.Atoi(c.DefaultQuery("window_seconds", "5"))
	entries, err := h.Log.EntriesBeforeCrash(c, crashTS, window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type archiveReq struct {
	OlderThan int64 `json:"older_than" binding:"required"`
}

func (h *Handlers) archiveLog(c *gin.Context) {
	var req archiveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	removed, err := h.Log.ArchiveOlderThan(c, req.OlderThan)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handlers) vaultStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Controller.Stats())
}

func (h *Handlers) vaultGold(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	bal, err := h.Controller.GetGoldBalance(c, guildID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

type goldMoveReq struct {
	PlayerID string `json:"player_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
}

func (h *Handlers) vaultGoldDeposit(c *gin.Context) {
	h.vaultGoldMove(c, h.Controller.DepositGold)
}

func (h *Handlers) vaultGoldWithdraw(c *gin.Context) {
	h.vaultGoldMove(c, h.Controller.WithdrawGold)
}

func (h *Handlers) vaultGoldMove(c *gin.Context, move func(ctx context.Context, guildID, playerID uuid.UUID, amount int64) (int64, error)) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req goldMoveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player_id"})
		return
	}
	bal, err := move(c, guildID, playerID, req.Amount)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, vault.ErrVaultUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, vault.ErrInsufficientGold):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

type setSlotReq struct {
	PlayerID string      `json:"player_id" binding:"required"`
	Item     *model.Item `json:"item"`
}

func (h *Handlers) vaultSetSlot(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot"})
		return
	}
	var req setSlotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	playerID, err := uuid.Parse(req.PlayerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player_id"})
		return
	}
	prev, err := h.Controller.UpdateSlotWithBroadcast(c, guildID, playerID, slot, req.Item)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, vault.ErrVaultUnavailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"previous": prev})
}

func (h *Handlers) vaultFlush(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.Controller.ForceFlush(c, guildID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
