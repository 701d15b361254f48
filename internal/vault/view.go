package vault

import (
	"sync"

	"github.com/lumaforge/guildvault/internal/model"
)

// ViewHandle is a live rendering of a vault held by one viewer session. The
// cache pushes committed state into it; the handle never feeds state back.
// Implementations must tolerate being written after the viewer is gone.
type ViewHandle interface {
	// SetSlot renders an item (or empty, for nil) into a real slot.
	SetSlot(slot int, item *model.Item)
	// SetBalance refreshes the balance affordance in the reserved slot.
	SetBalance(balance int64)
	// Slots reports what the viewer currently sees, for repair comparison.
	Slots() map[int]*model.Item
}

// ProjectionView is a plain in-memory ViewHandle: a pure projection of the
// cache, used by tests and as the base for transport-backed views.
type ProjectionView struct {
	mu      sync.Mutex
	slots   map[int]*model.Item
	balance int64
}

func NewProjectionView() *ProjectionView {
	return &ProjectionView{slots: make(map[int]*model.Item)}
}

func (v *ProjectionView) SetSlot(slot int, item *model.Item) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if item == nil {
		delete(v.slots, slot)
	} else {
		v.slots[slot] = item
	}
}

func (v *ProjectionView) SetBalance(balance int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = balance
}

func (v *ProjectionView) Slots() map[int]*model.Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[int]*model.Item, len(v.slots))
	for k, item := range v.slots {
		out[k] = item
	}
	return out
}

func (v *ProjectionView) Balance() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}
