// Copyright 2023 The gVisor Authors.
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

// Package iova manages a GPU virtual address space: it assigns addresses to
// host-mapped backing objects and translates GPU addresses back to host
// memory for firmware-side inspection.
//
// The page table format is not modeled; a Space only records which backing
// object covers which address range.
package iova

import (
	"fmt"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
	"github.com/google/btree"
)

// Prot is the set of access permissions of a mapping.
type Prot uint32

// Mapping permissions, as understood by the firmware MMU.
const (
	// ProtFWPrivRW is readable and writable by firmware only.
	ProtFWPrivRW Prot = 1 << iota
	// ProtFWSharedRW is shared between firmware and the host.
	ProtFWSharedRW
	// ProtGPUFWSharedRW is shared between the GPU, firmware and the host.
	ProtGPUFWSharedRW
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	switch p {
	case ProtFWPrivRW:
		return "fw-priv-rw"
	case ProtFWSharedRW:
		return "fw-shared-rw"
	case ProtGPUFWSharedRW:
		return "gpu-fw-shared-rw"
	default:
		return fmt.Sprintf("Prot(%#x)", uint32(p))
	}
}

// Mappable is a page-granular host-mapped backing object.
type Mappable interface {
	// Bytes returns the host mapping.
	Bytes() []byte

	// Size returns the size in bytes, a multiple of gpuarch.PageSize.
	Size() uint64
}

type mapping struct {
	start, end uint64
	m          Mappable
	prot       Prot
}

func lessMapping(a, b *mapping) bool {
	return a.start < b.start
}

// Space is a GPU virtual address range [base, base+size).
type Space struct {
	name      string
	base, end uint64

	// mu protects tree.
	mu   sync.RWMutex
	tree *btree.BTreeG[*mapping]
}

// New creates an address space covering [base, base+size). Address zero is
// never handed out even if the range includes it.
func New(name string, base, size uint64) (*Space, error) {
	if !gpuarch.IsAligned(base, gpuarch.PageSize) || !gpuarch.IsAligned(size, gpuarch.PageSize) || size == 0 {
		return nil, fmt.Errorf("address space %q [%#x, +%#x) is not page aligned: %w", name, base, size, linuxerr.EINVAL)
	}
	if base+size < base && base+size != 0 {
		return nil, fmt.Errorf("address space %q [%#x, +%#x) overflows: %w", name, base, size, linuxerr.EINVAL)
	}
	s := &Space{
		name: name,
		base: base,
		end:  base + size,
		tree: btree.NewG(8, lessMapping),
	}
	if base == 0 {
		s.base = gpuarch.PageSize
	}
	return s, nil
}

// Base returns the lowest address handed out by s.
func (s *Space) Base() uint64 {
	return s.base
}

// Map assigns the lowest free range that fits m and returns its GPU address.
func (s *Space) Map(m Mappable, prot Prot) (uint64, error) {
	size := m.Size()
	if size == 0 || !gpuarch.IsAligned(size, gpuarch.PageSize) || uint64(len(m.Bytes())) < size {
		return 0, fmt.Errorf("mapping of %#x bytes is not page granular: %w", size, linuxerr.EINVAL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.base
	found := false
	s.tree.Ascend(func(cur *mapping) bool {
		if cur.start-start >= size {
			found = true
			return false
		}
		start = cur.end
		return true
	})
	// s.end == 0 means the space ends at the top of the 64-bit range.
	if !found && s.end-start < size {
		return 0, fmt.Errorf("address space %q exhausted mapping %#x bytes: %w", s.name, size, linuxerr.ENOSPC)
	}
	s.tree.ReplaceOrInsert(&mapping{start: start, end: start + size, m: m, prot: prot})
	if log.IsLogging(log.Debug) {
		log.Debugf("iova %s: mapped [%#x, %#x) %v", s.name, start, start+size, prot)
	}
	return start, nil
}

// Unmap removes the mapping starting at va.
func (s *Space) Unmap(va uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Delete(&mapping{start: va}); !ok {
		return fmt.Errorf("address space %q: no mapping at %#x: %w", s.name, va, linuxerr.ENOENT)
	}
	return nil
}

// lookupLocked returns the mapping containing va.
//
// Preconditions: s.mu must be locked.
func (s *Space) lookupLocked(va uint64) *mapping {
	var found *mapping
	s.tree.DescendLessOrEqual(&mapping{start: va}, func(cur *mapping) bool {
		if va < cur.end {
			found = cur
		}
		return false
	})
	return found
}

// Translate returns the n host bytes backing [va, va+n). The range must lie
// within a single mapping.
func (s *Space) Translate(va, n uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.lookupLocked(va)
	if m == nil || n > m.end-va {
		return nil, fmt.Errorf("address space %q: [%#x, +%#x) not mapped: %w", s.name, va, n, linuxerr.EFAULT)
	}
	off := va - m.start
	return m.m.Bytes()[off : off+n : off+n], nil
}

// ProtAt returns the permissions of the mapping containing va.
func (s *Space) ProtAt(va uint64) (Prot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.lookupLocked(va); m != nil {
		return m.prot, true
	}
	return 0, false
}

// Mappings returns the number of live mappings.
func (s *Space) Mappings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
