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

// Package slotalloc allocates slots from a fixed pool.
//
// Each slot carries a value built once when the pool is created. A holder
// can remember the Token of a slot it released and ask for the same slot
// again; it gets it back only if nobody else took it meanwhile. Free slots
// are otherwise handed out least recently used first, which keeps old
// tokens redeemable for as long as possible.
package slotalloc

import (
	"context"
	"fmt"

	"agxfw.dev/agxfw/pkg/bitmap"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/sync"
)

// Token identifies one tenure of a slot. The zero Token matches nothing.
type Token struct {
	slot       uint32
	generation uint64
}

// IsZero returns true if t is the zero Token.
func (t Token) IsZero() bool {
	return t.generation == 0
}

// String implements fmt.Stringer.
func (t Token) String() string {
	if t.IsZero() {
		return "Token(none)"
	}
	return fmt.Sprintf("Token(%d@%d)", t.slot, t.generation)
}

type slot[T any] struct {
	data T

	// generation is bumped on every new holder.
	generation uint64

	// lastUsed orders released slots for reuse.
	lastUsed uint64
}

// Allocator is a pool of slots holding values of type T.
type Allocator[T any] struct {
	name string

	// mu protects the fields below.
	mu    sync.Mutex
	slots []slot[T]
	used  bitmap.Bitmap
	clock uint64

	// released is closed and replaced whenever a slot is freed.
	released chan struct{}
}

// New returns an Allocator of n slots. init builds the value of each slot.
func New[T any](name string, n int, init func(slot uint32) (T, error)) (*Allocator[T], error) {
	if n <= 0 {
		panic(fmt.Sprintf("slot allocator %s with %d slots", name, n))
	}
	a := &Allocator[T]{
		name:     name,
		slots:    make([]slot[T], n),
		used:     bitmap.New(uint32(n)),
		released: make(chan struct{}),
	}
	for i := range a.slots {
		d, err := init(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("slot allocator %s: initializing slot %d: %w", name, i, err)
		}
		a.slots[i].data = d
	}
	return a, nil
}

// Len returns the number of slots.
func (a *Allocator[T]) Len() int {
	return len(a.slots)
}

// Free returns the number of free slots.
func (a *Allocator[T]) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - int(a.used.GetNumOnes())
}

// Data returns the value of slot i, whether or not it is held.
func (a *Allocator[T]) Data(i uint32) *T {
	return &a.slots[i].data
}

// TryGet returns a free slot without waiting. If token still names a free
// slot, that slot is returned. It fails with EBUSY if all slots are held.
func (a *Allocator[T]) TryGet(token Token) (*Guard[T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g := a.getLocked(token); g != nil {
		return g, nil
	}
	return nil, fmt.Errorf("slot allocator %s: all %d slots held: %w", a.name, len(a.slots), linuxerr.EBUSY)
}

// Get is like TryGet, but waits for a slot to be released when none is
// free. It returns ctx.Err() if ctx ends first.
func (a *Allocator[T]) Get(ctx context.Context, token Token) (*Guard[T], error) {
	for {
		a.mu.Lock()
		if g := a.getLocked(token); g != nil {
			a.mu.Unlock()
			return g, nil
		}
		released := a.released
		a.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Preconditions: a.mu is locked.
func (a *Allocator[T]) getLocked(token Token) *Guard[T] {
	if a.used.GetNumOnes() == uint32(len(a.slots)) {
		return nil
	}
	var i uint32
	if !token.IsZero() && token.slot < uint32(len(a.slots)) && !a.used.Contains(token.slot) && a.slots[token.slot].generation == token.generation {
		i = token.slot
	} else {
		i = a.lruLocked()
		a.slots[i].generation++
		for a.slots[i].generation == 0 {
			a.slots[i].generation++
		}
	}
	a.used.Add(i)
	return &Guard[T]{
		a:          a,
		slot:       i,
		generation: a.slots[i].generation,
	}
}

// lruLocked returns the free slot released longest ago.
//
// Preconditions: a.mu is locked. At least one slot is free.
func (a *Allocator[T]) lruLocked() uint32 {
	best := uint32(len(a.slots))
	for i := range a.slots {
		if a.used.Contains(uint32(i)) {
			continue
		}
		if best == uint32(len(a.slots)) || a.slots[i].lastUsed < a.slots[best].lastUsed {
			best = uint32(i)
		}
	}
	return best
}

func (a *Allocator[T]) release(i uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock++
	a.slots[i].lastUsed = a.clock
	a.used.Remove(i)
	close(a.released)
	a.released = make(chan struct{})
}

// Guard is a held slot.
type Guard[T any] struct {
	a          *Allocator[T]
	slot       uint32
	generation uint64
	once       sync.Once
}

// Slot returns the slot index.
func (g *Guard[T]) Slot() uint32 {
	return g.slot
}

// Token returns a token that may later be used to ask for the same slot.
func (g *Guard[T]) Token() Token {
	return Token{slot: g.slot, generation: g.generation}
}

// Data returns the slot's value.
func (g *Guard[T]) Data() *T {
	return &g.a.slots[g.slot].data
}

// Release frees the slot. It is safe to call Release more than once.
func (g *Guard[T]) Release() {
	g.once.Do(func() {
		g.a.release(g.slot)
	})
}

// String implements fmt.Stringer.
func (g *Guard[T]) String() string {
	return fmt.Sprintf("%s[%d]", g.a.name, g.slot)
}
