// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
)

// inflightSlot is one sent but not yet committed QoS 1/2 message.
type inflightSlot struct {
	onAdvance func()
	offset    int64
	packetID  uint16
	acked     bool
	released  bool
}

// inflightWindow bounds the unacknowledged outbound messages of a session.
// Slots are kept in send order and only the acknowledged prefix is popped,
// so acknowledgments may arrive in any order while commits stay in order.
type inflightWindow struct {
	mu       sync.Mutex
	slots    []*inflightSlot
	byID     map[uint16]*inflightSlot
	capacity int
}

func newInflightWindow(capacity int) *inflightWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &inflightWindow{
		byID:     make(map[uint16]*inflightSlot, capacity),
		capacity: capacity,
	}
}

// Add registers a message sent under packetID. onAdvance runs once the slot
// and every earlier slot have been acknowledged.
func (w *inflightWindow) Add(packetID uint16, offset int64, onAdvance func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.slots) >= w.capacity {
		return ErrWindowFull
	}
	if _, ok := w.byID[packetID]; ok {
		return ErrPacketIDInUse
	}

	s := &inflightSlot{
		onAdvance: onAdvance,
		offset:    offset,
		packetID:  packetID,
	}
	w.slots = append(w.slots, s)
	w.byID[packetID] = s
	return nil
}

// Release marks a QoS 2 slot as received by the peer (PUBREC).
func (w *inflightWindow) Release(packetID uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.byID[packetID]
	if !ok {
		return ErrUnknownPacketID
	}
	s.released = true
	return nil
}

// Commit acknowledges packetID. It reports whether the low-water mark advanced
// and whether that advance freed capacity in a full window. Callbacks of popped
// slots run in slot order after the window lock is released.
func (w *inflightWindow) Commit(packetID uint16) (advanced, freed bool, err error) {
	w.mu.Lock()
	s, ok := w.byID[packetID]
	if !ok {
		w.mu.Unlock()
		return false, false, ErrUnknownPacketID
	}
	s.acked = true
	delete(w.byID, packetID)

	wasFull := len(w.slots) >= w.capacity

	n := 0
	for n < len(w.slots) && w.slots[n].acked {
		n++
	}
	popped := make([]*inflightSlot, n)
	copy(popped, w.slots[:n])
	for i := range n {
		w.slots[i] = nil
	}
	w.slots = w.slots[n:]
	w.mu.Unlock()

	for _, p := range popped {
		if p.onAdvance != nil {
			p.onAdvance()
		}
	}

	advanced = n > 0
	return advanced, advanced && wasFull, nil
}

// IsFull reports whether no further slot can be added.
func (w *inflightWindow) IsFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots) >= w.capacity
}

// Len returns the number of occupied slots, acknowledged or not.
func (w *inflightWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

// Has reports whether packetID is awaiting acknowledgment.
func (w *inflightWindow) Has(packetID uint16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byID[packetID]
	return ok
}

// PendingIDs returns the unacknowledged packet IDs in send order.
func (w *inflightWindow) PendingIDs() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]uint16, 0, len(w.byID))
	for _, s := range w.slots {
		if !s.acked {
			ids = append(ids, s.packetID)
		}
	}
	return ids
}

// Clear drops every slot without running callbacks.
func (w *inflightWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.slots = nil
	w.byID = make(map[uint16]*inflightSlot, w.capacity)
}
