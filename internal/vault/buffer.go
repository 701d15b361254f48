package vault

import (
	"time"

	"github.com/lumaforge/guildvault/internal/model"
)

// writeBuffer batches slot and gold changes between flushes so trivial
// mutations do not each pay a durable write.
type writeBuffer struct {
	pendingSlots   map[int]*model.Item
	pendingDeletes map[int]struct{}
	pendingGold    *int64
	firstChange    time.Time
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{
		pendingSlots:   make(map[int]*model.Item),
		pendingDeletes: make(map[int]struct{}),
	}
}

func (b *writeBuffer) bufferSlot(slot int, item *model.Item) {
	if !b.hasPending() {
		b.firstChange = time.Now()
	}
	if item == nil {
		delete(b.pendingSlots, slot)
		b.pendingDeletes[slot] = struct{}{}
	} else {
		b.pendingSlots[slot] = item
		delete(b.pendingDeletes, slot)
	}
}

func (b *writeBuffer) bufferGold(balance int64) {
	if !b.hasPending() {
		b.firstChange = time.Now()
	}
	b.pendingGold = &balance
}

func (b *writeBuffer) hasPending() bool {
	return len(b.pendingSlots) > 0 || len(b.pendingDeletes) > 0 || b.pendingGold != nil
}

// shouldFlush triggers on buffered slot count or age of the oldest change.
func (b *writeBuffer) shouldFlush(maxSlots int, maxAge time.Duration) bool {
	if !b.hasPending() {
		return false
	}
	return len(b.pendingSlots) >= maxSlots || time.Since(b.firstChange) >= maxAge
}

func (b *writeBuffer) clear() {
	b.pendingSlots = make(map[int]*model.Item)
	b.pendingDeletes = make(map[int]struct{})
	b.pendingGold = nil
}
