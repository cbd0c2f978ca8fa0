package world

import "time"

// HistoryItem is one entry in a device's connection history. An item is
// opened when a session initializes and closed when that same session
// ends; the session's connection id ties the two together.
type HistoryItem struct {
	ConnID      uint64
	Closed      bool
	ConnectedAt time.Time
	LastMessage time.Time
	Address     string
}

// ConnectionHistory is an ordered record of a device's sessions. It is not
// safe for concurrent use; the world's lock guards it.
type ConnectionHistory struct {
	items []HistoryItem
}

// Open appends an open entry for a new session.
func (h *ConnectionHistory) Open(connID uint64, at time.Time, address string) {
	h.items = append(h.items, HistoryItem{
		ConnID:      connID,
		ConnectedAt: at,
		Address:     address,
	})
}

// Close closes the open entry for connID, recording the last time the
// session heard from the device. Closing an unknown or already closed
// entry is a no-op.
func (h *ConnectionHistory) Close(connID uint64, lastMessage time.Time) {
	for i := range h.items {
		if h.items[i].ConnID == connID && !h.items[i].Closed {
			h.items[i].Closed = true
			h.items[i].LastMessage = lastMessage
			return
		}
	}
}

// Cleanup drops closed entries whose last message is older than cutoff.
// Open entries are never dropped.
func (h *ConnectionHistory) Cleanup(cutoff time.Time) {
	kept := h.items[:0]
	for _, item := range h.items {
		if item.Closed && item.LastMessage.Before(cutoff) {
			continue
		}
		kept = append(kept, item)
	}
	h.items = kept
}

// Items returns a copy of the history in order.
func (h *ConnectionHistory) Items() []HistoryItem {
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}
