// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap implements a fixed size bitmap.
type Bitmap struct {
	// size is the number of valid bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// FromWords builds a Bitmap from little-endian 32-bit words, as found in
// firmware messages. Bit i of the result is bit i%32 of words[i/32].
func FromWords(words []uint32) Bitmap {
	b := New(uint32(len(words)) * 32)
	for i, w := range words {
		b.bitBlock[i/2] |= uint64(w) << (32 * (i % 2))
	}
	for _, blk := range b.bitBlock {
		b.numOnes += uint32(bits.OnesCount64(blk))
	}
	return b
}

// Words returns the bitmap as little-endian 32-bit words, the inverse of
// FromWords.
func (b *Bitmap) Words() []uint32 {
	words := make([]uint32, (b.size+31)/32)
	for i := range words {
		words[i] = uint32(b.bitBlock[i/2] >> (32 * (i % 2)))
	}
	return words
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	for i := start / 64; start < b.size && i < uint32(len(b.bitBlock)); i++ {
		w := ^b.bitBlock[i]
		if i == start/64 {
			w &= ^uint64(0) << (start % 64)
		}
		if w != 0 {
			if bit = i*64 + uint32(bits.TrailingZeros64(w)); bit < b.size {
				return bit, nil
			}
			break
		}
	}
	return 0, fmt.Errorf("bitmap has no unset bits at or after %d", start)
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (bit uint32, err error) {
	for i := start / 64; start < b.size && i < uint32(len(b.bitBlock)); i++ {
		w := b.bitBlock[i]
		if i == start/64 {
			w &= ^uint64(0) << (start % 64)
		}
		if w != 0 {
			return i*64 + uint32(bits.TrailingZeros64(w)), nil
		}
	}
	return 0, fmt.Errorf("bitmap has no set bits at or after %d", start)
}

// Add adds i to the bitmap.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range for bitmap of size %d", i, b.size))
	}
	blk, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blk]&mask == 0 {
		b.numOnes++
		b.bitBlock[blk] |= mask
	}
}

// Remove removes i from the bitmap.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	blk, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blk]&mask != 0 {
		b.numOnes--
		b.bitBlock[blk] &^= mask
	}
}

// ForEach calls fn for every set bit in ascending order.
func (b *Bitmap) ForEach(fn func(i uint32)) {
	for i, blk := range b.bitBlock {
		for blk != 0 {
			tz := bits.TrailingZeros64(blk)
			fn(uint32(i*64 + tz))
			blk &^= uint64(1) << tz
		}
	}
}

// ToSlice transforms a Bitmap into a slice.
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	b.ForEach(func(i uint32) {
		out = append(out, i)
	})
	return out
}
