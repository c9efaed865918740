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

package fw

import (
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/atomicbitops"
)

// BlockControl is the allocation cursor of a buffer manager's block list.
type BlockControl struct {
	Total atomicbitops.Uint32
	WPtr  atomicbitops.Uint32
	Unk   atomicbitops.Uint32
	Pad0  [0x34]byte
}

// Counter counts buffer manager resets.
type Counter struct {
	Count atomicbitops.Uint32
	Pad0  [0x3c]byte
}

// Stats holds per-scene buffer statistics. CPUFlag is written by the host.
type Stats struct {
	GPU0    atomicbitops.Uint32
	GPU4    atomicbitops.Uint32
	GPU8    atomicbitops.Uint32
	GPUC    atomicbitops.Uint32
	Pad0    [0x10]byte
	CPUFlag atomicbitops.Uint32
	Pad1    [0x1c]byte
}

// BufferInfo describes a tiled vertex buffer manager.
type BufferInfo struct {
	GPUCounter   uint32
	Unk4         uint32
	LastID       int32
	CurID        int32
	Unk10        uint32
	GPUCounter2  uint32
	Unk18        uint32
	Unk1C        uint32
	PageList     object.WeakPointer[uint32]
	PageListSize uint32
	PageCount    atomicbitops.Uint32
	Unk30        uint32
	BlockCount   atomicbitops.Uint32
	Unk38        uint32
	BlockList    object.WeakPointer[uint32]
	BlockCtl     object.WeakPointer[BlockControl]
	LastPage     atomicbitops.Uint32
	GPUPagePtr1  uint32
	GPUPagePtr2  uint32
	Unk58        uint32
	BlockSize    uint32
	Unk60        object.U64
	Counter      object.WeakPointer[Counter]
	Unk70        [8]uint32
	Unk90        [0x30]byte
}

// BufferInfoV13B4 is BufferInfo since 13.0b4, which dropped Unk1C.
type BufferInfoV13B4 struct {
	GPUCounter   uint32
	Unk4         uint32
	LastID       int32
	CurID        int32
	Unk10        uint32
	GPUCounter2  uint32
	Unk18        uint32
	PageList     object.WeakPointer[uint32]
	PageListSize uint32
	PageCount    atomicbitops.Uint32
	Unk30        uint32
	BlockCount   atomicbitops.Uint32
	Unk38        uint32
	BlockList    object.WeakPointer[uint32]
	BlockCtl     object.WeakPointer[BlockControl]
	LastPage     atomicbitops.Uint32
	GPUPagePtr1  uint32
	GPUPagePtr2  uint32
	Unk58        uint32
	BlockSize    uint32
	Unk60        object.U64
	Counter      object.WeakPointer[Counter]
	Unk70        [8]uint32
	Unk90        [0x30]byte
}

// Scene is the per-render-pass view of a buffer manager.
type Scene struct {
	Unk0       object.U64
	Unk8       object.U64
	Unk10      object.U64
	UserBuffer object.WeakPointer[byte]
	Unk20      uint32
	Stats      object.WeakPointer[Stats]
	Unk2C      uint32
	Unk30      object.U64
	Unk38      object.U64
}
