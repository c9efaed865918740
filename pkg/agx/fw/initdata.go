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

// NumPipes is the number of independent pipe sets. Each set has one ring
// per pipe type.
const NumPipes = 4

// PipeChannels are the rings of one pipe set, indexed by PipeType.
type PipeChannels [NumPipeTypes]ChannelRing[ChannelState, RunWorkQueueMsg]

// RuntimePointers tells firmware where every host channel lives.
type RuntimePointers struct {
	Pipes         [NumPipes]PipeChannels
	DeviceControl ChannelRing[ChannelState, DeviceControlMsg]
	Event         ChannelRing[ChannelState, EventMsg]
	FWLog         ChannelRing[FWLogChannelState, FWLogMsg]
	KTrace        ChannelRing[ChannelState, KTraceMsg]
	Stats         ChannelRing[ChannelState, StatsMsg]
	FWCtl         ChannelRing[FWCtlChannelState, FWCtlMsg]
	EventStamps   object.WeakPointer[atomicbitops.Uint32]
	NumEvents     uint32
	Unk12C        uint32
}

// FWStatus is written by firmware to report its run state.
type FWStatus struct {
	Halted  atomicbitops.Uint32
	Pad0    [0xc]byte
	Resumed atomicbitops.Uint32
	Pad1    [0xc]byte
}

// InitData is the root structure handed to firmware at boot.
type InitData struct {
	Unk0                    object.U64
	RuntimePointers         object.WeakPointer[RuntimePointers]
	Unk10                   object.U64
	FWStatus                object.WeakPointer[FWStatus]
	UATPageSize             uint16
	UATPageBits             uint8
	UATNumLevels            uint8
	Unk24                   uint32
	HostMappedFWAllocations uint32
	Unk2C                   uint32
	Unk30                   [0x10]byte
}
