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

package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"agxfw.dev/agxfw/pkg/agx/agxtest"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
)

func newBuffer(t *testing.T, v fwconf.Version, maxBlocks int) (*agxtest.Memory, *Buffer) {
	t.Helper()
	abi, err := fw.Lookup(v)
	if err != nil {
		t.Fatalf("fw.Lookup(%v) failed: %v", v, err)
	}
	mem := agxtest.NewMemory(t, 32<<20)
	b, err := New(abi, mem.Shared, mem.GPU, Params{Name: "test", ContextID: 3, Slot: 5, MaxBlocks: maxBlocks})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Release)
	return mem, b
}

type counts struct {
	Pages, Blocks, Total uint32
}

func (b *Buffer) counts() counts {
	var c counts
	b.withCounts(func(pageCount, blockCount, _ *atomicbitops.Uint32) {
		c.Pages = pageCount.Load()
		c.Blocks = blockCount.Load()
	})
	b.blockCtl.With(func(raw *fw.BlockControl, _ *struct{}) {
		c.Total = raw.Total.Load()
	})
	return c
}

func TestLayoutSelection(t *testing.T) {
	for _, v := range []fwconf.Version{fwconf.V12_3, fwconf.V13_0B4} {
		t.Run(v.String(), func(t *testing.T) {
			_, b := newBuffer(t, v, 2)
			if got, want := b.info != nil, v == fwconf.V12_3; got != want {
				t.Errorf("V12_3 layout selected: got %t, want %t", got, want)
			}
			var err error
			switch v {
			case fwconf.V12_3:
				_, err = InfoPointer[fw.BufferInfo](b)
				if _, err := InfoPointer[fw.BufferInfoV13B4](b); !linuxerr.Equals(linuxerr.EINVAL, err) {
					t.Errorf("InfoPointer with wrong type: got %v, want EINVAL", err)
				}
			default:
				_, err = InfoPointer[fw.BufferInfoV13B4](b)
			}
			if err != nil {
				t.Errorf("InfoPointer failed: %v", err)
			}
		})
	}
}

func TestBadParams(t *testing.T) {
	abi, err := fw.Lookup(fwconf.V12_3)
	if err != nil {
		t.Fatalf("fw.Lookup failed: %v", err)
	}
	mem := agxtest.NewMemory(t, 1<<20)
	if _, err := New(abi, mem.Shared, mem.GPU, Params{Name: "bad"}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New with no blocks: got %v, want EINVAL", err)
	}
}

func TestGrow(t *testing.T) {
	_, b := newBuffer(t, fwconf.V12_3, 4)
	if got, want := b.counts(), (counts{}); got != want {
		t.Errorf("initial counts: got %+v, want %+v", got, want)
	}
	if err := b.Grow(2); err != nil {
		t.Fatalf("Grow(2) failed: %v", err)
	}
	if got, want := b.counts(), (counts{Pages: 2 * PagesPerBlock, Blocks: 2, Total: 2}); got != want {
		t.Errorf("counts after Grow(2): got %+v, want %+v", got, want)
	}
	// Shrinking requests are no-ops.
	if err := b.Grow(1); err != nil {
		t.Fatalf("Grow(1) failed: %v", err)
	}
	if got := b.Blocks(); got != 2 {
		t.Errorf("Blocks: got %d, want 2", got)
	}

	var want []uint32
	for _, blk := range b.blocks {
		base := uint32(blk.GPUAddress() >> PageShift)
		for p := uint32(0); p < PagesPerBlock; p++ {
			want = append(want, base+p)
		}
	}
	if diff := cmp.Diff(want, b.pageList.Slice()[:len(want)]); diff != "" {
		t.Errorf("page list mismatch (-want +got):\n%s", diff)
	}
	for i, blk := range b.blocks {
		if got, want := *b.blockList.At(i), uint32(blk.GPUAddress()>>PageShift); got != want {
			t.Errorf("block list[%d]: got %#x, want %#x", i, got, want)
		}
	}
	b.info.With(func(raw *fw.BufferInfo, _ *struct{}) {
		if got, want := raw.PageList.Addr(), b.pageList.GPUAddress(); got != want {
			t.Errorf("PageList: got %#x, want %#x", got, want)
		}
		if got, want := raw.BlockSize, uint32(BlockSize); got != want {
			t.Errorf("BlockSize: got %#x, want %#x", got, want)
		}
		if got, want := raw.LastPage.Load(), uint32(2*PagesPerBlock-1); got != want {
			t.Errorf("LastPage: got %d, want %d", got, want)
		}
	})
}

func TestGrowLimit(t *testing.T) {
	_, b := newBuffer(t, fwconf.V13_0B4, 1)
	if err := b.Grow(2); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Errorf("Grow past maximum: got %v, want ENOSPC", err)
	}
	if got := b.Blocks(); got != 0 {
		t.Errorf("Blocks after failed Grow: got %d, want 0", got)
	}
}

func TestInitCommand(t *testing.T) {
	_, b := newBuffer(t, fwconf.V12_3, 1)
	cmd := b.InitCommand()
	want := fw.InitBuffer{
		Tag:           fw.CommandInitBufferManager,
		ContextID:     3,
		BufferMgrSlot: 5,
	}
	want.BufferMgr = cmd.BufferMgr
	if diff := cmp.Diff(want, cmd); diff != "" {
		t.Errorf("InitCommand mismatch (-want +got):\n%s", diff)
	}
	if got, want := cmd.BufferMgr.Addr(), b.InfoAddr(); got != want {
		t.Errorf("BufferMgr: got %#x, want %#x", got, want)
	}
}

func TestScene(t *testing.T) {
	mem, b := newBuffer(t, fwconf.V12_3, 1)
	s, err := b.NewScene(mem.Shared)
	if err != nil {
		t.Fatalf("NewScene failed: %v", err)
	}
	defer s.Release()
	if s.Buffer() != b {
		t.Errorf("Scene.Buffer: got %p, want %p", s.Buffer(), b)
	}
	s.scene.With(func(raw *fw.Scene, _ *struct{}) {
		if got, want := raw.Stats.Addr(), s.StatsPointer().Addr(); got != want {
			t.Errorf("Scene.Stats: got %#x, want %#x", got, want)
		}
		if raw.UserBuffer.IsNull() {
			t.Errorf("Scene.UserBuffer is null")
		}
	})
	if got, want := s.Pointer().Addr(), s.scene.GPUAddress(); got != want {
		t.Errorf("Pointer: got %#x, want %#x", got, want)
	}
}
