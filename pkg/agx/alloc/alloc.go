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

// Package alloc provides the shared-object allocator and the typed object
// constructors built on it.
//
// Every allocation is backed by its own run of UAT pages from the platform
// page allocator, mapped into a GPU address space. The useful region is
// placed as close to the end of the run as alignment allows. Runs are never
// shared, so two allocations never alias.
package alloc

import (
	"fmt"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/iova"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/memfile"
	"agxfw.dev/agxfw/pkg/sync"
)

// Allocator hands out shared allocations.
type Allocator interface {
	// Alloc returns an allocation of at least size bytes whose GPU address
	// is aligned to align, which must be a power of two no larger than
	// gpuarch.PageSize.
	Alloc(size, align uint64) (object.Allocation, error)
}

// PageAllocator is the platform memory allocator.
type PageAllocator interface {
	Allocate(size uint64) (*memfile.Backing, error)
}

// AddressSpace is the GPU address space allocations are mapped into.
type AddressSpace interface {
	Map(m iova.Mappable, prot iova.Prot) (uint64, error)
	Unmap(va uint64) error
}

// Stats is a point-in-time view of an allocator.
type Stats struct {
	// Live is the number of allocations not yet released.
	Live int
	// Requested is the sum of requested sizes of live allocations.
	Requested uint64
	// Mapped is the sum of mapped sizes of live allocations.
	Mapped uint64
}

// SimpleAllocator maps one backing object per allocation.
type SimpleAllocator struct {
	name     string
	pages    PageAllocator
	vm       AddressSpace
	prot     iova.Prot
	minAlign uint64

	// mu protects stats.
	mu    sync.Mutex
	stats Stats
}

// NewSimple returns a SimpleAllocator that maps allocations with prot.
// minAlign raises the alignment of every allocation; zero means none.
func NewSimple(name string, pages PageAllocator, vm AddressSpace, prot iova.Prot, minAlign uint64) *SimpleAllocator {
	if minAlign == 0 {
		minAlign = 1
	}
	if !gpuarch.IsPowerOfTwo(minAlign) || minAlign > gpuarch.PageSize {
		panic(fmt.Sprintf("allocator %s: bad minimum alignment %#x", name, minAlign))
	}
	return &SimpleAllocator{
		name:     name,
		pages:    pages,
		vm:       vm,
		prot:     prot,
		minAlign: minAlign,
	}
}

// Name returns the allocator's name.
func (a *SimpleAllocator) Name() string {
	return a.name
}

// Stats returns the allocator's current usage.
func (a *SimpleAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Alloc implements Allocator.Alloc.
func (a *SimpleAllocator) Alloc(size, align uint64) (object.Allocation, error) {
	align = max(align, a.minAlign)
	if !gpuarch.IsPowerOfTwo(align) || align > gpuarch.PageSize {
		panic(fmt.Sprintf("allocator %s: bad alignment %#x", a.name, align))
	}
	// Zero sized raw types still get a distinct, valid address.
	size = max(size, 1)
	sizeAligned, ok := gpuarch.PageRoundUp(size)
	if !ok {
		return nil, fmt.Errorf("allocator %s: size %#x overflows: %w", a.name, size, linuxerr.ENOMEM)
	}
	offset := (sizeAligned - size) &^ (align - 1)

	backing, err := a.pages.Allocate(sizeAligned)
	if err != nil {
		return nil, fmt.Errorf("allocator %s: allocating %#x bytes: %w", a.name, sizeAligned, err)
	}
	base, err := a.vm.Map(backing, a.prot)
	if err != nil {
		backing.Release()
		return nil, fmt.Errorf("allocator %s: mapping %#x bytes: %w", a.name, sizeAligned, err)
	}

	if log.IsLogging(log.Debug) {
		log.Debugf("Allocator %s: alloc %#x align %#x -> size %#x offset %#x gpu %#x", a.name, size, align, sizeAligned, offset, base+offset)
	}

	a.mu.Lock()
	a.stats.Live++
	a.stats.Requested += size
	a.stats.Mapped += sizeAligned
	a.mu.Unlock()

	return &allocation{
		owner:   a,
		backing: backing,
		ptr:     unsafe.Pointer(&backing.Bytes()[offset]),
		base:    base,
		gpu:     base + offset,
		size:    size,
		mapped:  sizeAligned,
	}, nil
}

// allocation is an object.Allocation from a SimpleAllocator.
type allocation struct {
	owner   *SimpleAllocator
	backing *memfile.Backing
	ptr     unsafe.Pointer
	base    uint64
	gpu     uint64
	size    uint64
	mapped  uint64
	once    sync.Once
}

// Ptr implements object.Allocation.Ptr.
func (al *allocation) Ptr() unsafe.Pointer {
	return al.ptr
}

// GPUAddress implements object.Allocation.GPUAddress.
func (al *allocation) GPUAddress() uint64 {
	return al.gpu
}

// Size implements object.Allocation.Size.
func (al *allocation) Size() uint64 {
	return al.size
}

// Release implements object.Allocation.Release.
func (al *allocation) Release() {
	al.once.Do(func() {
		a := al.owner
		if err := a.vm.Unmap(al.base); err != nil {
			log.Warningf("Allocator %s: unmapping %#x: %v", a.name, al.base, err)
		}
		al.backing.Release()
		al.ptr = nil

		a.mu.Lock()
		a.stats.Live--
		a.stats.Requested -= al.size
		a.stats.Mapped -= al.mapped
		a.mu.Unlock()
	})
}
