// Copyright 2019 The gVisor Authors.
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

// Package memfile provides the platform page allocator: page-granular,
// host-mappable memory carved out of a single memfd. Each allocation is
// mapped separately so it can be handed to a GPU address space as an
// independent backing object.
package memfile

import (
	"fmt"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
	"golang.org/x/sys/unix"
)

// extent is a range of file offsets [off, off+len).
type extent struct {
	off, len int64
}

// File owns a shared memory file and allocates backing objects from it.
type File struct {
	fd    int
	limit int64

	// mu protects the fields below.
	mu        sync.Mutex
	fileSize  int64
	nextAlloc int64
	allocated int64
	free      []extent
}

// New creates a File. If limit is non-zero, the file never grows beyond
// limit bytes and allocations that do not fit fail with ENOMEM.
func New(name string, limit int64) (*File, error) {
	if limit < 0 || !gpuarch.IsAligned(uint64(limit), gpuarch.PageSize) {
		return nil, fmt.Errorf("limit %#x is not a multiple of %#x: %w", limit, gpuarch.PageSize, linuxerr.EINVAL)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %v", err)
	}
	// F_SEAL_SHRINK prevents truncation under live mappings.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to apply memfd seals: %v", err)
	}
	return &File{fd: fd, limit: limit}, nil
}

// Destroy releases the file. Backing objects that are still mapped stay
// valid until released.
func (f *File) Destroy() {
	unix.Close(f.fd)
}

// Allocated returns the number of bytes currently handed out.
func (f *File) Allocated() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocated
}

// Allocate returns a new backing object of at least size bytes, rounded up
// to the UAT page size. The contents are zeroed.
func (f *File) Allocate(size uint64) (*Backing, error) {
	if size == 0 {
		return nil, fmt.Errorf("invalid size: %d: %w", size, linuxerr.EINVAL)
	}
	rounded, ok := gpuarch.PageRoundUp(size)
	if !ok || rounded > 1<<62 {
		return nil, fmt.Errorf("size %#x overflows after rounding up to page size: %w", size, linuxerr.ENOMEM)
	}
	length := int64(rounded)

	f.mu.Lock()
	off, err := f.reserveLocked(length)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.allocated += length
	f.mu.Unlock()

	data, err := unix.Mmap(f.fd, off, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.mu.Lock()
		f.releaseLocked(extent{off, length})
		f.mu.Unlock()
		return nil, fmt.Errorf("mmap(%#x, %#x) failed: %v: %w", off, length, err, linuxerr.ENOMEM)
	}
	return &Backing{file: f, off: off, data: data}, nil
}

// reserveLocked picks file offsets for length bytes, preferring released
// extents.
//
// Preconditions: f.mu must be locked.
func (f *File) reserveLocked(length int64) (int64, error) {
	for i, e := range f.free {
		if e.len < length {
			continue
		}
		if e.len == length {
			f.free = append(f.free[:i], f.free[i+1:]...)
		} else {
			f.free[i] = extent{e.off + length, e.len - length}
		}
		return e.off, nil
	}
	end := f.nextAlloc + length
	if err := f.ensureFileSizeLocked(end); err != nil {
		return 0, err
	}
	off := f.nextAlloc
	f.nextAlloc = end
	return off, nil
}

// ensureFileSizeLocked grows the file to at least min bytes, doubling.
//
// Preconditions: f.mu must be locked.
func (f *File) ensureFileSizeLocked(min int64) error {
	if min <= 0 {
		return fmt.Errorf("file size would overflow: %w", linuxerr.ENOMEM)
	}
	if f.limit != 0 && min > f.limit {
		return fmt.Errorf("need %#x bytes, limit is %#x: %w", min, f.limit, linuxerr.ENOMEM)
	}
	if f.fileSize >= min {
		return nil
	}
	newSize := 2 * f.fileSize
	if newSize == 0 {
		newSize = gpuarch.PageSize
	}
	for newSize < min {
		newNewSize := newSize * 2
		if newNewSize <= 0 {
			return fmt.Errorf("file size would overflow: %w", linuxerr.ENOMEM)
		}
		newSize = newNewSize
	}
	if f.limit != 0 && newSize > f.limit {
		newSize = f.limit
	}
	if err := unix.Ftruncate(f.fd, newSize); err != nil {
		return fmt.Errorf("ftruncate failed: %v", err)
	}
	f.fileSize = newSize
	return nil
}

// releaseLocked returns e to the free list, merging neighbours.
//
// Preconditions: f.mu must be locked.
func (f *File) releaseLocked(e extent) {
	f.allocated -= e.len
	i := 0
	for i < len(f.free) && f.free[i].off < e.off {
		i++
	}
	f.free = append(f.free, extent{})
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = e
	// Merge with the following extent, then with the preceding one.
	if i+1 < len(f.free) && f.free[i].off+f.free[i].len == f.free[i+1].off {
		f.free[i].len += f.free[i+1].len
		f.free = append(f.free[:i+1], f.free[i+2:]...)
	}
	if i > 0 && f.free[i-1].off+f.free[i-1].len == f.free[i].off {
		f.free[i-1].len += f.free[i].len
		f.free = append(f.free[:i], f.free[i+1:]...)
	}
}

// Backing is one mapped allocation from a File.
type Backing struct {
	file *File
	off  int64
	data []byte
}

// Bytes returns the host mapping of the backing object.
func (b *Backing) Bytes() []byte {
	return b.data
}

// Size returns the size of the backing object in bytes.
func (b *Backing) Size() uint64 {
	return uint64(len(b.data))
}

// Offset returns the offset of the backing object in its file.
func (b *Backing) Offset() int64 {
	return b.off
}

// Release unmaps the backing object and returns its pages to the file. It
// is safe to call Release more than once.
func (b *Backing) Release() {
	if b.data == nil {
		return
	}
	length := int64(len(b.data))
	if err := unix.Munmap(b.data); err != nil {
		log.Warningf("memfile: munmap(%#x, %#x) failed: %v", b.off, length, err)
	}
	b.data = nil
	// Punch a hole so that reused ranges read back as zeroes.
	if err := unix.Fallocate(b.file.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, b.off, length); err != nil {
		log.Warningf("memfile: punching hole at %#x+%#x failed: %v", b.off, length, err)
	}
	b.file.mu.Lock()
	b.file.releaseLocked(extent{b.off, length})
	b.file.mu.Unlock()
}
