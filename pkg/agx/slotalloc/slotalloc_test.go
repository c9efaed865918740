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

package slotalloc

import (
	"context"
	"errors"
	"testing"
	"time"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/sync"
	"golang.org/x/sync/errgroup"
)

func newTestAllocator(t *testing.T, n int) *Allocator[uint32] {
	t.Helper()
	a, err := New("test", n, func(slot uint32) (uint32, error) { return slot * 10, nil })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestData(t *testing.T) {
	a := newTestAllocator(t, 4)
	g, err := a.TryGet(Token{})
	if err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}
	if got, want := *g.Data(), g.Slot()*10; got != want {
		t.Errorf("Data got %d, want %d", got, want)
	}
	if a.Data(g.Slot()) != g.Data() {
		t.Errorf("Allocator.Data and Guard.Data disagree")
	}
}

func TestInitError(t *testing.T) {
	want := errors.New("boom")
	_, err := New("test", 3, func(slot uint32) (int, error) {
		if slot == 2 {
			return 0, want
		}
		return 0, nil
	})
	if !errors.Is(err, want) {
		t.Errorf("New got err %v, want %v", err, want)
	}
}

func TestExhaustion(t *testing.T) {
	a := newTestAllocator(t, 3)
	var gs []*Guard[uint32]
	for i := 0; i < 3; i++ {
		g, err := a.TryGet(Token{})
		if err != nil {
			t.Fatalf("TryGet %d failed: %v", i, err)
		}
		gs = append(gs, g)
	}
	if _, err := a.TryGet(Token{}); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("TryGet on a full pool got err %v, want EBUSY", err)
	}
	if n := a.Free(); n != 0 {
		t.Errorf("Free got %d, want 0", n)
	}

	gs[1].Release()
	gs[1].Release()
	if n := a.Free(); n != 1 {
		t.Errorf("Free after double Release got %d, want 1", n)
	}
	g, err := a.TryGet(Token{})
	if err != nil {
		t.Fatalf("TryGet after Release failed: %v", err)
	}
	if g.Slot() != gs[1].Slot() {
		t.Errorf("TryGet got slot %d, want released slot %d", g.Slot(), gs[1].Slot())
	}
}

func TestTokenReuse(t *testing.T) {
	a := newTestAllocator(t, 4)
	g, err := a.TryGet(Token{})
	if err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}
	tok := g.Token()
	g.Release()

	// Other slots were released less recently, but the token wins.
	g, err = a.TryGet(tok)
	if err != nil {
		t.Fatalf("TryGet(%v) failed: %v", tok, err)
	}
	if g.Slot() != tok.slot {
		t.Errorf("TryGet(%v) got slot %d", tok, g.Slot())
	}
	if g.Token() != tok {
		t.Errorf("redeemed token changed from %v to %v", tok, g.Token())
	}
	g.Release()

	// Let someone else hold every slot once, invalidating tok.
	var others []*Guard[uint32]
	for i := 0; i < a.Len(); i++ {
		o, err := a.TryGet(Token{})
		if err != nil {
			t.Fatalf("TryGet failed: %v", err)
		}
		others = append(others, o)
	}
	for _, o := range others {
		o.Release()
	}
	g, err = a.TryGet(tok)
	if err != nil {
		t.Fatalf("TryGet(%v) failed: %v", tok, err)
	}
	if g.Token() == tok {
		t.Errorf("stale token %v was redeemed", tok)
	}
}

func TestLRUOrder(t *testing.T) {
	a := newTestAllocator(t, 3)
	var gs []*Guard[uint32]
	for i := 0; i < 3; i++ {
		g, err := a.TryGet(Token{})
		if err != nil {
			t.Fatalf("TryGet failed: %v", err)
		}
		gs = append(gs, g)
	}
	gs[2].Release()
	gs[0].Release()
	gs[1].Release()
	for _, want := range []uint32{gs[2].Slot(), gs[0].Slot(), gs[1].Slot()} {
		g, err := a.TryGet(Token{})
		if err != nil {
			t.Fatalf("TryGet failed: %v", err)
		}
		if g.Slot() != want {
			t.Errorf("TryGet got slot %d, want %d", g.Slot(), want)
		}
	}
}

func TestConcurrentGetUnique(t *testing.T) {
	const n = 64
	a := newTestAllocator(t, n)
	var (
		mu   sync.Mutex
		seen = make(map[uint32]bool)
		g    errgroup.Group
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			s, err := a.Get(context.Background(), Token{})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[s.Slot()] {
				t.Errorf("slot %d handed out twice", s.Slot())
			}
			seen[s.Slot()] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(seen) != n {
		t.Errorf("got %d distinct slots, want %d", len(seen), n)
	}
}

func TestGetBlocks(t *testing.T) {
	a := newTestAllocator(t, 1)
	held, err := a.TryGet(Token{})
	if err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}

	var g errgroup.Group
	got := make(chan *Guard[uint32], 1)
	g.Go(func() error {
		s, err := a.Get(context.Background(), Token{})
		if err != nil {
			return err
		}
		got <- s
		return nil
	})
	select {
	case s := <-got:
		t.Fatalf("Get returned %v while the only slot was held", s)
	case <-time.After(20 * time.Millisecond):
	}
	held.Release()
	if err := g.Wait(); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s := <-got; s.Slot() != held.Slot() {
		t.Errorf("Get got slot %d, want %d", s.Slot(), held.Slot())
	}
}

func TestGetCanceled(t *testing.T) {
	a := newTestAllocator(t, 1)
	if _, err := a.TryGet(Token{}); err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Get(ctx, Token{}); err != context.DeadlineExceeded {
		t.Errorf("Get got err %v, want %v", err, context.DeadlineExceeded)
	}
}
