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

package event

import (
	"testing"

	"agxfw.dev/agxfw/pkg/agx/agxtest"
	"agxfw.dev/agxfw/pkg/agx/slotalloc"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/sync"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestEventValue(t *testing.T) {
	for _, tc := range []struct {
		a, b EventValue
		want int
	}{
		{0, 0, 0},
		{0x100, 0, 1},
		{0, 0x100, -1},
		{0xffffff00, 0, -1},
		{0, 0xffffff00, 1},
		{0x7fffff00, 0, 1},
		{0x80000000, 0x100, 1},
		{0x80000100, 0, -1},
	} {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Errorf("%v.Compare(%v) got %d, want %d", tc.a, tc.b, got, tc.want)
		}
		if got := tc.a.Before(tc.b); got != (tc.want < 0) {
			t.Errorf("%v.Before(%v) got %t", tc.a, tc.b, got)
		}
		if got := tc.a.After(tc.b); got != (tc.want > 0) {
			t.Errorf("%v.After(%v) got %t", tc.a, tc.b, got)
		}
		if got := tc.a.Reached(tc.b); got != (tc.want >= 0) {
			t.Errorf("%v.Reached(%v) got %t", tc.a, tc.b, got)
		}
	}
}

func TestEventValueCounter(t *testing.T) {
	v := EventValue(0x12345600)
	if got, want := v.Counter(), uint32(0x123456); got != want {
		t.Errorf("Counter got %#x, want %#x", got, want)
	}
	n := v.Next()
	v.Increment()
	if n != v || v.Counter() != 0x123457 {
		t.Errorf("Next got %v, Increment got %v, want counter %#x", n, v, 0x123457)
	}
	if got, want := EventValue(0xffffff00).Next(), EventValue(0); got != want {
		t.Errorf("Next at the top got %v, want %v", got, want)
	}
}

func TestEventValueWrap(t *testing.T) {
	// Walk the counter through a full wrap, checking each value against one
	// from a fixed distance back.
	const window = 1 << 12
	start := EventValue(0xfff00000)
	history := make([]EventValue, window)
	v := start
	for i := 0; i < 1<<24+window; i++ {
		prev := history[i%window]
		if i >= window {
			if !prev.Before(v) || !v.After(prev) {
				t.Fatalf("step %d: %v not before %v", i, prev, v)
			}
			if got, want := v.Delta(prev), int32(window*stampUnit); got != want {
				t.Fatalf("step %d: %v.Delta(%v) got %#x, want %#x", i, v, prev, got, want)
			}
		}
		history[i%window] = v
		v = v.Next()
	}
	if v.Counter() != (start.Counter()+window)%(1<<24) {
		t.Errorf("after a full wrap got %v, want counter %#x", v, (start.Counter()+window)%(1<<24))
	}
}

type testOwner struct {
	signals atomicbitops.Uint32
}

func (o *testOwner) Signal() {
	o.signals.Add(1)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mem := agxtest.NewMemory(t, 0)
	m, err := NewManager(mem.Shared, mem.Private)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Release)
	return m
}

func TestManagerSignal(t *testing.T) {
	m := newTestManager(t)
	var o testOwner
	e, err := m.TryGet(slotalloc.Token{}, &o)
	if err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}
	if got, want := e.StampPointer().Addr(), m.StampsPointer().Addr()+4*uint64(e.Slot()); got != want {
		t.Errorf("StampPointer got %#x, want %#x", got, want)
	}

	// Firmware completes a command.
	m.Stamp(e.Slot()).Store(0x300)
	var firing [4]uint32
	firing[e.Slot()/32] |= 1 << (e.Slot() % 32)
	m.Flag(firing)
	if got := o.signals.Load(); got != 1 {
		t.Errorf("owner got %d signals, want 1", got)
	}
	if got := e.Current(); got != 0x300 {
		t.Errorf("Current got %v, want 0x300", got)
	}

	e.Release()
	m.Signal(e.Slot())
	if got := o.signals.Load(); got != 1 {
		t.Errorf("released owner got %d signals, want 1", got)
	}

	// The stamp survives release and is seen by the next owner.
	var o2 testOwner
	e2, err := m.TryGet(e.Token(), &o2)
	if err != nil {
		t.Fatalf("TryGet failed: %v", err)
	}
	defer e2.Release()
	if e2.Slot() != e.Slot() {
		t.Fatalf("TryGet(%v) got slot %d, want %d", e.Token(), e2.Slot(), e.Slot())
	}
	if got := e2.Current(); got != 0x300 {
		t.Errorf("Current after reuse got %v, want 0x300", got)
	}
}

func TestManagerFlagBits(t *testing.T) {
	m := newTestManager(t)
	owners := make([]testOwner, NumEvents)
	for i := range owners {
		if _, err := m.TryGet(slotalloc.Token{}, &owners[i]); err != nil {
			t.Fatalf("TryGet %d failed: %v", i, err)
		}
	}
	if _, err := m.TryGet(slotalloc.Token{}, &testOwner{}); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("TryGet on a full pool got err %v, want EBUSY", err)
	}

	m.Flag([4]uint32{1, 1 << 1, 0, 1 << 31})
	var got []int
	for i := range owners {
		if owners[i].signals.Load() != 0 {
			got = append(got, i)
		}
	}
	if diff := cmp.Diff([]int{0, 33, 127}, got); diff != "" {
		t.Errorf("signaled slots mismatch (-want +got):\n%s", diff)
	}
}

func TestManagerConcurrentGet(t *testing.T) {
	m := newTestManager(t)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		seen = make(map[uint32]bool)
	)
	for i := 0; i < NumEvents; i++ {
		g.Go(func() error {
			e, err := m.Get(t.Context(), slotalloc.Token{}, &testOwner{})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[e.Slot()] {
				t.Errorf("slot %d handed out twice", e.Slot())
			}
			seen[e.Slot()] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := m.Free(); n != 0 {
		t.Errorf("Free got %d, want 0", n)
	}
}
