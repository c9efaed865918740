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

// Package buffer implements the tiled vertex buffer manager.
//
// Vertex jobs spill binned geometry into memory the host hands to firmware
// in blocks of pages. A Buffer owns the firmware's BufferInfo together with
// its page and block lists; each render pass uses it through a Scene.
package buffer

import (
	"fmt"
	"reflect"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/cleanup"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

const (
	// PageShift is the log2 of the buffer page size.
	PageShift = gpuarch.PageShift

	// PageSize is the size of a buffer page.
	PageSize = 1 << PageShift

	// PagesPerBlock is the number of pages in a block.
	PagesPerBlock = 8

	// BlockSize is the size of a block.
	BlockSize = PageSize * PagesPerBlock

	// userBufferSize is the size of a scene's user buffer.
	userBufferSize = 0x4000
)

// Params configures a Buffer.
type Params struct {
	// Name identifies the buffer in logs.
	Name string

	// ContextID is the firmware context the buffer belongs to.
	ContextID uint32

	// Slot is the buffer manager slot firmware tracks it in.
	Slot uint32

	// MaxBlocks bounds the number of blocks the buffer can grow to.
	MaxBlocks int
}

// Buffer is a tiled vertex buffer manager.
type Buffer struct {
	params Params
	abi    *fw.ABI
	gpu    alloc.Allocator

	// Exactly one of info and infoV13B4 is set, as selected by the ABI.
	info      *object.Object[fw.BufferInfo, struct{}]
	infoV13B4 *object.Object[fw.BufferInfoV13B4, struct{}]

	blockCtl  *object.Object[fw.BlockControl, struct{}]
	counter   *object.Object[fw.Counter, struct{}]
	pageList  *object.Array[uint32]
	blockList *object.Array[uint32]

	// mu protects blocks.
	mu     sync.Mutex
	blocks []object.Allocation
}

// New allocates a buffer manager with no blocks. Memory firmware grows into
// comes from gpu; the manager's own structures from shared.
func New(abi *fw.ABI, shared, gpu alloc.Allocator, p Params) (*Buffer, error) {
	if p.MaxBlocks <= 0 {
		return nil, fmt.Errorf("buffer %s: %d blocks: %w", p.Name, p.MaxBlocks, linuxerr.EINVAL)
	}
	var cu cleanup.Cleanup
	defer cu.Clean()

	b := &Buffer{params: p, abi: abi, gpu: gpu}
	var err error
	if b.pageList, err = alloc.NewArray[uint32](shared, p.MaxBlocks*PagesPerBlock); err != nil {
		return nil, fmt.Errorf("buffer %s: allocating page list: %w", p.Name, err)
	}
	cu.Add(b.pageList.Release)
	if b.blockList, err = alloc.NewArray[uint32](shared, p.MaxBlocks); err != nil {
		return nil, fmt.Errorf("buffer %s: allocating block list: %w", p.Name, err)
	}
	cu.Add(b.blockList.Release)
	if b.blockCtl, err = alloc.NewDefault[fw.BlockControl, struct{}](shared); err != nil {
		return nil, fmt.Errorf("buffer %s: allocating block control: %w", p.Name, err)
	}
	cu.Add(b.blockCtl.Release)
	if b.counter, err = alloc.NewDefault[fw.Counter, struct{}](shared); err != nil {
		return nil, fmt.Errorf("buffer %s: allocating counter: %w", p.Name, err)
	}
	cu.Add(b.counter.Release)

	switch abi.Layout {
	case fw.LayoutV12_3:
		b.info, err = alloc.NewInplace(shared, struct{}{}, func(_ *struct{}, raw *fw.BufferInfo) (*fw.BufferInfo, error) {
			raw.LastID = -1
			raw.CurID = -1
			raw.PageList = b.pageList.WeakPointer()
			raw.PageListSize = uint32(4 * b.pageList.Len())
			raw.BlockList = b.blockList.WeakPointer()
			raw.BlockCtl = b.blockCtl.WeakPointer()
			raw.BlockSize = BlockSize
			raw.Counter = b.counter.WeakPointer()
			return raw, nil
		})
		if err == nil {
			cu.Add(b.info.Release)
		}
	default:
		b.infoV13B4, err = alloc.NewInplace(shared, struct{}{}, func(_ *struct{}, raw *fw.BufferInfoV13B4) (*fw.BufferInfoV13B4, error) {
			raw.LastID = -1
			raw.CurID = -1
			raw.PageList = b.pageList.WeakPointer()
			raw.PageListSize = uint32(4 * b.pageList.Len())
			raw.BlockList = b.blockList.WeakPointer()
			raw.BlockCtl = b.blockCtl.WeakPointer()
			raw.BlockSize = BlockSize
			raw.Counter = b.counter.WeakPointer()
			return raw, nil
		})
		if err == nil {
			cu.Add(b.infoV13B4.Release)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("buffer %s: allocating buffer info: %w", p.Name, err)
	}
	cu.Release()
	log.Debugf("Buffer %s: info at %#x, up to %d blocks", p.Name, b.InfoAddr(), p.MaxBlocks)
	return b, nil
}

// InfoAddr returns the GPU address of the buffer's BufferInfo.
func (b *Buffer) InfoAddr() uint64 {
	if b.info != nil {
		return b.info.GPUAddress()
	}
	return b.infoV13B4.GPUAddress()
}

// InfoPointer returns a pointer to the buffer's BufferInfo, which must be
// of type I for the buffer's firmware release.
func InfoPointer[I any](b *Buffer) (object.WeakPointer[I], error) {
	if want := b.abi.BufferInfo; reflect.TypeFor[I]() != want {
		return object.WeakPointer[I]{}, fmt.Errorf("buffer %s: firmware %v uses %v, not %v: %w", b.params.Name, b.abi.Version, want, reflect.TypeFor[I](), linuxerr.EINVAL)
	}
	return object.NewWeakPointer[I](b.InfoAddr()), nil
}

// withCounts calls fn with the page and block counters of the buffer info.
func (b *Buffer) withCounts(fn func(pageCount, blockCount, lastPage *atomicbitops.Uint32)) {
	if b.info != nil {
		b.info.With(func(raw *fw.BufferInfo, _ *struct{}) {
			fn(&raw.PageCount, &raw.BlockCount, &raw.LastPage)
		})
		return
	}
	b.infoV13B4.With(func(raw *fw.BufferInfoV13B4, _ *struct{}) {
		fn(&raw.PageCount, &raw.BlockCount, &raw.LastPage)
	})
}

// Blocks returns the number of blocks the buffer holds.
func (b *Buffer) Blocks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// Grow adds memory until the buffer holds n blocks. It fails with ENOSPC
// if n exceeds the buffer's maximum.
func (b *Buffer) Grow(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.params.MaxBlocks {
		return fmt.Errorf("buffer %s: cannot grow to %d blocks, maximum %d: %w", b.params.Name, n, b.params.MaxBlocks, linuxerr.ENOSPC)
	}
	for len(b.blocks) < n {
		blk, err := b.gpu.Alloc(BlockSize, gpuarch.PageSize)
		if err != nil {
			b.publishLocked()
			return fmt.Errorf("buffer %s: allocating block %d: %w", b.params.Name, len(b.blocks), err)
		}
		i := len(b.blocks)
		base := blk.GPUAddress() >> PageShift
		for p := 0; p < PagesPerBlock; p++ {
			*b.pageList.At(i*PagesPerBlock + p) = uint32(base) + uint32(p)
		}
		*b.blockList.At(i) = uint32(base)
		b.blocks = append(b.blocks, blk)
	}
	b.publishLocked()
	return nil
}

// publishLocked makes the current blocks visible to firmware.
//
// Preconditions: b.mu is locked.
func (b *Buffer) publishLocked() {
	pages := uint32(len(b.blocks) * PagesPerBlock)
	blocks := uint32(len(b.blocks))
	b.withCounts(func(pageCount, blockCount, lastPage *atomicbitops.Uint32) {
		pageCount.Store(pages)
		blockCount.Store(blocks)
		if pages > 0 {
			lastPage.Store(pages - 1)
		}
	})
	b.blockCtl.With(func(raw *fw.BlockControl, _ *struct{}) {
		raw.Total.Store(blocks)
	})
	log.Debugf("Buffer %s: %d blocks", b.params.Name, blocks)
}

// InitCommand returns the command that initializes the buffer manager on a
// work queue.
func (b *Buffer) InitCommand() fw.InitBuffer {
	return fw.InitBuffer{
		Tag:           fw.CommandInitBufferManager,
		ContextID:     b.params.ContextID,
		BufferMgrSlot: b.params.Slot,
		BufferMgr:     object.NewWeakPointer[byte](b.InfoAddr()),
	}
}

// Release frees the buffer and its blocks. Firmware must no longer
// reference them.
func (b *Buffer) Release() {
	b.mu.Lock()
	for _, blk := range b.blocks {
		blk.Release()
	}
	b.blocks = nil
	b.mu.Unlock()
	if b.info != nil {
		b.info.Release()
	} else {
		b.infoV13B4.Release()
	}
	b.counter.Release()
	b.blockCtl.Release()
	b.blockList.Release()
	b.pageList.Release()
}

// Scene is one render pass's use of a Buffer.
type Scene struct {
	buffer *Buffer
	scene  *object.Object[fw.Scene, struct{}]
	stats  *object.Object[fw.Stats, struct{}]
	user   *object.Array[byte]
}

// NewScene allocates a Scene using b.
func (b *Buffer) NewScene(shared alloc.Allocator) (*Scene, error) {
	stats, err := alloc.NewDefault[fw.Stats, struct{}](shared)
	if err != nil {
		return nil, fmt.Errorf("buffer %s: allocating scene stats: %w", b.params.Name, err)
	}
	cu := cleanup.Make(stats.Release)
	defer cu.Clean()
	user, err := alloc.NewArray[byte](b.gpu, userBufferSize)
	if err != nil {
		return nil, fmt.Errorf("buffer %s: allocating user buffer: %w", b.params.Name, err)
	}
	cu.Add(user.Release)
	scene, err := alloc.NewObject(shared, struct{}{}, func(*struct{}) fw.Scene {
		return fw.Scene{
			UserBuffer: user.WeakPointer(),
			Stats:      stats.WeakPointer(),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("buffer %s: allocating scene: %w", b.params.Name, err)
	}
	cu.Release()
	return &Scene{buffer: b, scene: scene, stats: stats, user: user}, nil
}

// Buffer returns the buffer the scene uses.
func (s *Scene) Buffer() *Buffer {
	return s.buffer
}

// Pointer returns the scene's GPU address.
func (s *Scene) Pointer() object.WeakPointer[fw.Scene] {
	return s.scene.WeakPointer()
}

// StatsPointer returns the address of the scene's statistics.
func (s *Scene) StatsPointer() object.WeakPointer[fw.Stats] {
	return s.stats.WeakPointer()
}

// Release frees the scene. The buffer is not released.
func (s *Scene) Release() {
	s.scene.Release()
	s.user.Release()
	s.stats.Release()
}
