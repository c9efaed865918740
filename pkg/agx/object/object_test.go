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

package object

import (
	"errors"
	"testing"
	"unsafe"

	agxerrors "agxfw.dev/agxfw/pkg/errors"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"github.com/google/go-cmp/cmp"
)

// heapAlloc is an Allocation over host memory with a made-up GPU address.
type heapAlloc struct {
	buf      []uint64
	gpu      uint64
	size     uint64
	released int
}

func newHeapAlloc(size, gpu uint64) *heapAlloc {
	return &heapAlloc{buf: make([]uint64, (size+7)/8+1), gpu: gpu, size: size}
}

func (h *heapAlloc) Ptr() unsafe.Pointer { return unsafe.Pointer(&h.buf[0]) }
func (h *heapAlloc) GPUAddress() uint64  { return h.gpu }
func (h *heapAlloc) Size() uint64        { return h.size }
func (h *heapAlloc) Release()            { h.released++ }

type rawPair struct {
	A   uint32
	Ptr WeakPointer[rawPair]
	B   U64
}

type pair struct {
	a, b int
}

type rawDefault struct {
	Mark uint16
	Pad  [2]uint8
	X    uint32
}

func (r *rawDefault) SetDefault() {
	r.Mark = 0xffff
}

func TestLayoutTypes(t *testing.T) {
	if got := unsafe.Sizeof(U64{}); got != 8 {
		t.Errorf("Sizeof(U64) = %d, want 8", got)
	}
	if got := unsafe.Alignof(WeakPointer[rawPair]{}); got != 4 {
		t.Errorf("Alignof(WeakPointer) = %d, want 4", got)
	}
	if got := unsafe.Sizeof(rawPair{}); got != 20 {
		t.Errorf("Sizeof(rawPair) = %d, want 20", got)
	}
	if got := NewU64(0x1122334455667788); got != (U64{0x55667788, 0x11223344}) {
		t.Errorf("NewU64 got %v", got)
	}
}

func TestNew(t *testing.T) {
	a := newHeapAlloc(64, 0x10000)
	o, err := New(a, pair{a: 1, b: 2}, func(in *pair) rawPair {
		return rawPair{A: uint32(in.a), B: NewU64(uint64(in.b) << 40)}
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	o.With(func(raw *rawPair, in *pair) {
		if raw.A != 1 || raw.B.Get() != 2<<40 {
			t.Errorf("raw got %+v", *raw)
		}
		if *in != (pair{1, 2}) {
			t.Errorf("inner got %+v", *in)
		}
	})
	if got := o.WeakPointer().Addr(); got != 0x10000 {
		t.Errorf("WeakPointer got %#x, want 0x10000", got)
	}
	if got := FieldPointer(o, func(r *rawPair) *U64 { return &r.B }).Addr(); got != 0x10000+12 {
		t.Errorf("FieldPointer(B) got %#x, want %#x", got, 0x10000+12)
	}

	o.Release()
	o.Release()
	if a.released != 1 {
		t.Errorf("allocation released %d times, want 1", a.released)
	}
}

func TestConstructionErrors(t *testing.T) {
	fill := func(in *pair, raw *rawPair) (*rawPair, error) { return raw, nil }
	for _, tc := range []struct {
		name string
		a    Allocation
		fill func(in *pair, raw *rawPair) (*rawPair, error)
		want *agxerrors.Error
	}{
		{
			name: "too small",
			a:    newHeapAlloc(16, 0x4000),
			fill: fill,
			want: linuxerr.ENOMEM,
		},
		{
			name: "null address",
			a:    newHeapAlloc(64, 0),
			fill: fill,
			want: linuxerr.EINVAL,
		},
		{
			name: "foreign raw pointer",
			a:    newHeapAlloc(64, 0x4000),
			fill: func(in *pair, raw *rawPair) (*rawPair, error) { return new(rawPair), nil },
			want: linuxerr.EINVAL,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewInplace(tc.a, pair{}, tc.fill)
			if !linuxerr.Equals(tc.want, err) {
				t.Errorf("got err %v, want %v", err, tc.want)
			}
		})
	}

	wantErr := errors.New("build failed")
	_, err := NewPrealloc(newHeapAlloc(64, 0x4000), func(WeakPointer[rawPair]) (*pair, error) {
		return nil, wantErr
	}, fill)
	if !errors.Is(err, wantErr) {
		t.Errorf("NewPrealloc got err %v, want %v", err, wantErr)
	}
}

type rawBad struct {
	A uint32
	P *uint32
}

func TestRejectsHostPointers(t *testing.T) {
	_, err := NewDefault[rawBad, pair](newHeapAlloc(64, 0x4000))
	if !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("NewDefault with pointer field got %v, want EINVAL", err)
	}
}

type selfRef struct {
	self WeakPointer[rawPair]
	name string
}

func TestNewPrealloc(t *testing.T) {
	a := newHeapAlloc(64, 0x8000)
	o, err := NewPrealloc(a, func(self WeakPointer[rawPair]) (*selfRef, error) {
		return &selfRef{self: self, name: "list head"}, nil
	}, func(in *selfRef, raw *rawPair) (*rawPair, error) {
		raw.Ptr = in.self
		return raw, nil
	})
	if err != nil {
		t.Fatalf("NewPrealloc failed: %v", err)
	}
	o.With(func(raw *rawPair, in *selfRef) {
		if raw.Ptr.Addr() != o.GPUAddress() || in.self.Addr() != o.GPUAddress() {
			t.Errorf("self pointers got raw %v inner %v, want %#x", raw.Ptr, in.self, o.GPUAddress())
		}
	})
}

func TestNewBoxedKeepsAddress(t *testing.T) {
	in := &pair{a: 7}
	o, err := NewBoxed(newHeapAlloc(64, 0x4000), in, func(in *pair, raw *rawPair) (*rawPair, error) {
		raw.A = uint32(in.a)
		return raw, nil
	})
	if err != nil {
		t.Fatalf("NewBoxed failed: %v", err)
	}
	o.WithMut(func(raw *rawPair, got *pair) {
		if got != in {
			t.Errorf("logical value moved: got %p, want %p", got, in)
		}
		got.b = 9
		raw.B.Set(9)
	})
	if in.b != 9 {
		t.Errorf("mutation not visible through original pointer")
	}
}

func TestNewDefault(t *testing.T) {
	a := newHeapAlloc(64, 0x4000)
	// Dirty the memory first; defaults must not depend on it being zero.
	for i := range a.buf {
		a.buf[i] = ^uint64(0)
	}
	o, err := NewDefault[rawDefault, pair](a)
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	o.With(func(raw *rawDefault, in *pair) {
		if diff := cmp.Diff(rawDefault{Mark: 0xffff}, *raw); diff != "" {
			t.Errorf("raw mismatch (-want +got):\n%s", diff)
		}
		if *in != (pair{}) {
			t.Errorf("inner got %+v, want zero", *in)
		}
	})
}

func TestArray(t *testing.T) {
	a := newHeapAlloc(64, 0x20000)
	arr, err := NewArrayFrom(a, []uint32{10, 20, 30})
	if err != nil {
		t.Fatalf("NewArrayFrom failed: %v", err)
	}
	if arr.Len() != 3 || *arr.At(2) != 30 {
		t.Errorf("got len %d elem %d, want 3 30", arr.Len(), *arr.At(2))
	}
	if got := arr.ItemPointer(2).Addr(); got != 0x20008 {
		t.Errorf("ItemPointer(2) got %#x, want 0x20008", got)
	}
	if diff := cmp.Diff([]uint32{10, 20, 30}, arr.Slice()); diff != "" {
		t.Errorf("Slice mismatch (-want +got):\n%s", diff)
	}

	for _, i := range []int{-1, 3} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("At(%d) did not panic", i)
				}
			}()
			arr.At(i)
		}()
	}

	if _, err := NewArray[uint64](newHeapAlloc(64, 0x4000), 9); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("oversized NewArray got %v, want ENOMEM", err)
	}

	defaults, err := NewArray[rawDefault](newHeapAlloc(64, 0x4000), 4)
	if err != nil {
		t.Fatalf("NewArray failed: %v", err)
	}
	for i, e := range defaults.Slice() {
		if e.Mark != 0xffff {
			t.Errorf("element %d not defaulted: %+v", i, e)
		}
	}
}

func TestArrayUseAfterRelease(t *testing.T) {
	a := newHeapAlloc(64, 0x20000)
	arr, err := NewArrayFrom(a, []uint32{1, 2})
	if err != nil {
		t.Fatalf("NewArrayFrom failed: %v", err)
	}
	arr.Release()
	arr.Release()
	if a.released != 1 {
		t.Errorf("allocation released %d times, want 1", a.released)
	}
	for name, fn := range map[string]func(){
		"With":    func() { arr.With(func([]uint32) {}) },
		"WithMut": func() { arr.WithMut(func([]uint32) {}) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s after Release did not panic", name)
				}
			}()
			fn()
		}()
	}
}
