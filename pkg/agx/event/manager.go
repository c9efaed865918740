// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event manages the firmware's completion stamps.
//
// Firmware tracks progress on a fixed pool of event slots. Each slot is one
// 32-bit stamp cell in a shared array, plus a private cell firmware uses for
// its own bookkeeping. A work queue holds a slot while it has work in
// flight; firmware writes the stamp of each command it completes and then
// raises the slot's bit in an event flag message.
//
// Stamp cells are never reset. A slot handed to a new owner continues from
// whatever value the previous owner left behind, so owners must start from
// Event.Current rather than from zero.
package event

import (
	"context"
	"fmt"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/agx/slotalloc"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/bitmap"
	"agxfw.dev/agxfw/pkg/cleanup"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

// NumEvents is the number of event slots firmware supports.
const NumEvents = 128

// Owner is notified when firmware signals the event it holds.
type Owner interface {
	// Signal is called from the receive poller. It must not block.
	Signal()
}

type cells struct {
	stamp   *atomicbitops.Uint32
	fwStamp *atomicbitops.Uint32
}

// Manager owns the event slots.
type Manager struct {
	stamps   *object.Array[atomicbitops.Uint32]
	fwStamps *object.Array[atomicbitops.Uint32]
	slots    *slotalloc.Allocator[cells]

	// mu protects owners.
	mu     sync.Mutex
	owners [NumEvents]Owner
}

// NewManager allocates the stamp arrays. The stamps firmware reports
// completion through are allocated from shared; firmware's own cells from
// private.
func NewManager(shared, private alloc.Allocator) (*Manager, error) {
	stamps, err := alloc.NewArray[atomicbitops.Uint32](shared, NumEvents)
	if err != nil {
		return nil, fmt.Errorf("allocating event stamps: %w", err)
	}
	cu := cleanup.Make(stamps.Release)
	defer cu.Clean()

	fwStamps, err := alloc.NewArray[atomicbitops.Uint32](private, NumEvents)
	if err != nil {
		return nil, fmt.Errorf("allocating firmware event stamps: %w", err)
	}
	cu.Add(fwStamps.Release)

	slots, err := slotalloc.New("event", NumEvents, func(slot uint32) (cells, error) {
		return cells{
			stamp:   stamps.At(int(slot)),
			fwStamp: fwStamps.At(int(slot)),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	cu.Release()

	log.Debugf("Event stamps at %#x, firmware stamps at %#x", stamps.GPUAddress(), fwStamps.GPUAddress())
	return &Manager{
		stamps:   stamps,
		fwStamps: fwStamps,
		slots:    slots,
	}, nil
}

// StampsPointer returns the address of the shared stamp array, as
// published in the runtime pointers.
func (m *Manager) StampsPointer() object.WeakPointer[atomicbitops.Uint32] {
	return m.stamps.WeakPointer()
}

// Stamp returns the shared stamp cell of slot i.
func (m *Manager) Stamp(i uint32) *atomicbitops.Uint32 {
	return m.stamps.At(int(i))
}

// Free returns the number of unheld slots.
func (m *Manager) Free() int {
	return m.slots.Free()
}

// Get returns an event slot for owner, waiting for one to be released if
// all are held. If token names a slot that is still free, it is reused.
func (m *Manager) Get(ctx context.Context, token slotalloc.Token, owner Owner) (*Event, error) {
	g, err := m.slots.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.claim(g, owner), nil
}

// TryGet is like Get but fails with EBUSY instead of waiting.
func (m *Manager) TryGet(token slotalloc.Token, owner Owner) (*Event, error) {
	g, err := m.slots.TryGet(token)
	if err != nil {
		return nil, err
	}
	return m.claim(g, owner), nil
}

func (m *Manager) claim(g *slotalloc.Guard[cells], owner Owner) *Event {
	m.mu.Lock()
	m.owners[g.Slot()] = owner
	m.mu.Unlock()
	e := &Event{m: m, guard: g}
	log.Debugf("Event %d: claimed at %v", g.Slot(), e.Current())
	return e
}

// Signal notifies the owner of slot i, if any.
func (m *Manager) Signal(i uint32) {
	if i >= NumEvents {
		log.Warningf("Event: signal for slot %d out of range", i)
		return
	}
	m.mu.Lock()
	owner := m.owners[i]
	m.mu.Unlock()
	if owner == nil {
		log.Debugf("Event %d: signal with no owner", i)
		return
	}
	owner.Signal()
}

// Flag signals every slot whose bit is set in firing.
func (m *Manager) Flag(firing [4]uint32) {
	b := bitmap.FromWords(firing[:])
	b.ForEach(m.Signal)
}

// Release frees the manager's memory. Firmware must no longer reference
// it.
func (m *Manager) Release() {
	m.fwStamps.Release()
	m.stamps.Release()
}

// Event is a held event slot.
type Event struct {
	m     *Manager
	guard *slotalloc.Guard[cells]
	once  sync.Once
}

// Slot returns the slot index.
func (e *Event) Slot() uint32 {
	return e.guard.Slot()
}

// Token returns a token that may be used to ask for the same slot again.
func (e *Event) Token() slotalloc.Token {
	return e.guard.Token()
}

// StampPointer returns the GPU address of the slot's shared stamp.
func (e *Event) StampPointer() object.WeakPointer[atomicbitops.Uint32] {
	return e.m.stamps.ItemPointer(int(e.Slot()))
}

// FWStampPointer returns the GPU address of the slot's firmware stamp.
func (e *Event) FWStampPointer() object.WeakPointer[atomicbitops.Uint32] {
	return e.m.fwStamps.ItemPointer(int(e.Slot()))
}

// Current returns the last stamp firmware wrote to the slot.
func (e *Event) Current() EventValue {
	return EventValue(e.guard.Data().stamp.Load())
}

// Release frees the slot. The stamp keeps its value.
func (e *Event) Release() {
	e.once.Do(func() {
		e.m.mu.Lock()
		e.m.owners[e.Slot()] = nil
		e.m.mu.Unlock()
		e.guard.Release()
	})
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("Event(%d)", e.Slot())
}
