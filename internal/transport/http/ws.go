package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lumaforge/guildvault/internal/model"
	"github.com/lumaforge/guildvault/internal/vault"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Outbound frames pushed into a viewer's open vault.
type slotFrame struct {
	Type string      `json:"type"`
	Slot int         `json:"slot"`
	Item *model.Item `json:"item"`
}

type balanceFrame struct {
	Type    string `json:"type"`
	Balance int64  `json:"balance"`
}

type clickResultFrame struct {
	Type       string       `json:"type"`
	Intent     vault.Intent `json:"intent"`
	Deposited  int64        `json:"deposited"`
	NewBalance int64        `json:"new_balance"`
	Removed    []int        `json:"removed_slots,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Inbound frames from the viewer's client.
type inboundFrame struct {
	Type     string              `json:"type"`
	Slot     int                 `json:"slot"`
	Item     *model.Item         `json:"item"`
	Click    string              `json:"click"`
	Holdings map[int]*model.Item `json:"holdings"`
}

// wsView is a websocket-backed ViewHandle. It keeps a shadow copy of what the
// viewer sees so repair comparison works, and forwards every committed update
// as a frame. Sends never block the controller: a full outbound queue drops
// the connection, and the next open starts from a full repair.
type wsView struct {
	*vault.ProjectionView
	send chan []byte
	log  *zap.SugaredLogger
}

func newWSView(log *zap.SugaredLogger) *wsView {
	return &wsView{
		ProjectionView: vault.NewProjectionView(),
		send:           make(chan []byte, 64),
		log:            log,
	}
}

func (v *wsView) SetSlot(slot int, item *model.Item) {
	v.ProjectionView.SetSlot(slot, item)
	v.push(slotFrame{Type: "SLOT_UPDATE", Slot: slot, Item: item})
}

func (v *wsView) SetBalance(balance int64) {
	v.ProjectionView.SetBalance(balance)
	v.push(balanceFrame{Type: "BALANCE_UPDATE", Balance: balance})
}

func (v *wsView) push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		v.log.Errorf("marshal view frame: %v", err)
		return
	}
	select {
	case v.send <- data:
	default:
		v.log.Warn("viewer send queue full, dropping frame")
	}
}

// wsHoldings adapts a client-reported holdings map to the deposit-all intent
// and records which slots were consumed so the client can clear them.
type wsHoldings struct {
	items   map[int]*model.Item
	removed []int
}

func (h *wsHoldings) Items() map[int]*model.Item { return h.items }

func (h *wsHoldings) Remove(slot int) {
	delete(h.items, slot)
	h.removed = append(h.removed, slot)
}

// vaultViewer upgrades the connection and runs a live vault session until the
// socket closes. The player id rides a query parameter; authentication sits in
// front of this service.
func (h *Handlers) vaultViewer(c *gin.Context) {
	guildID, ok := parseID(c, "id")
	if !ok {
		return
	}
	playerID, err := uuid.Parse(c.Query("player_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Controller.Logger().Errorf("websocket upgrade: %v", err)
		return
	}

	view := newWSView(h.Controller.Logger())
	if err := h.Controller.OpenVaultFor(c.Request.Context(), guildID, playerID, view); err != nil {
		data, _ := json.Marshal(errorFrame{Type: "ERROR", Error: err.Error()})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, string(data)), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(conn, view, playerID)
	h.readPump(c, conn, view, guildID, playerID)
}

func (h *Handlers) readPump(c *gin.Context, conn *websocket.Conn, view *wsView, guildID, playerID uuid.UUID) {
	defer func() {
		h.Controller.Disconnect(c.Request.Context(), playerID)
		close(view.send)
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Controller.Logger().Warnf("viewer %s read: %v", playerID, err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			view.push(errorFrame{Type: "ERROR", Error: "malformed frame"})
			continue
		}
		switch frame.Type {
		case "SET_SLOT":
			if _, err := h.Controller.UpdateSlotWithBroadcast(c.Request.Context(), guildID, playerID, frame.Slot, frame.Item); err != nil {
				view.push(errorFrame{Type: "ERROR", Error: err.Error()})
			}
		case "BALANCE_CLICK":
			holdings := &wsHoldings{items: frame.Holdings}
			if holdings.items == nil {
				holdings.items = map[int]*model.Item{}
			}
			res, err := h.Controller.HandleBalanceSlotClick(c.Request.Context(), guildID, playerID, clickKind(frame.Click), holdings)
			if err != nil {
				view.push(errorFrame{Type: "ERROR", Error: err.Error()})
				continue
			}
			view.push(clickResultFrame{
				Type:       "CLICK_RESULT",
				Intent:     res.Intent,
				Deposited:  res.Deposited,
				NewBalance: res.NewBalance,
				Removed:    holdings.removed,
			})
		case "CLOSE":
			return
		default:
			view.push(errorFrame{Type: "ERROR", Error: "unknown frame type"})
		}
	}
}

func (h *Handlers) writePump(conn *websocket.Conn, view *wsView, playerID uuid.UUID) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case data, ok := <-view.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.Controller.Logger().Warnf("viewer %s write: %v", playerID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func clickKind(s string) vault.ClickKind {
	switch s {
	case "SECONDARY":
		return vault.ClickSecondary
	case "SHIFT_PRIMARY":
		return vault.ClickShiftPrimary
	default:
		return vault.ClickPrimary
	}
}
