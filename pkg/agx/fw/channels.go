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

// Package fw defines the raw structures shared with the GPU coprocessor
// firmware.
//
// Every type in this package is bit-exact with the firmware's memory
// contract. Fields named UnkNN are not understood beyond their offset and
// must be preserved as documented. Types whose layout differs between
// firmware releases carry a version suffix; the ABI table selects between
// them.
//
// 64-bit fields are 4-byte aligned in firmware structures, so they use
// object.U64 and object.WeakPointer instead of uint64.
package fw

import (
	"fmt"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/atomicbitops"
)

// Channel capacities, in messages.
const (
	DeviceControlRingSize = 0x100
	PipeRingSize          = 0x100
	FWCtlRingSize         = 0x100
	EventRingSize         = 0x100
	FWLogRingSize         = 0x100
	KTraceRingSize        = 0x200
	StatsRingSize         = 0x100
)

// FWLogSubChannels is the number of independent firmware log streams.
const FWLogSubChannels = 6

// State is implemented by pointers to channel state structures. A state
// holds one read/write pointer pair per sub-channel.
type State interface {
	// SubChannels returns the number of pointer pairs.
	SubChannels() int

	// ReadPtr returns the read pointer of sub-channel sub.
	ReadPtr(sub int) *atomicbitops.Uint32

	// WritePtr returns the write pointer of sub-channel sub.
	WritePtr(sub int) *atomicbitops.Uint32
}

func checkSub(sub, n int) {
	if sub < 0 || sub >= n {
		panic(fmt.Sprintf("sub-channel %d out of range [0, %d)", sub, n))
	}
}

// ChannelState is the pointer pair of a single-stream ring. Each pointer
// occupies its own cache line.
type ChannelState struct {
	RPtr atomicbitops.Uint32
	Pad0 [0x1c]byte
	WPtr atomicbitops.Uint32
	Pad1 [0xc]byte
}

// SubChannels implements State.SubChannels.
func (*ChannelState) SubChannels() int { return 1 }

// ReadPtr implements State.ReadPtr.
func (s *ChannelState) ReadPtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, 1)
	return &s.RPtr
}

// WritePtr implements State.WritePtr.
func (s *ChannelState) WritePtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, 1)
	return &s.WPtr
}

// FWCtlChannelState is the pointer pair of the firmware control ring.
type FWCtlChannelState struct {
	RPtr atomicbitops.Uint32
	Pad0 [0xc]byte
	WPtr atomicbitops.Uint32
	Pad1 [0xc]byte
}

// SubChannels implements State.SubChannels.
func (*FWCtlChannelState) SubChannels() int { return 1 }

// ReadPtr implements State.ReadPtr.
func (s *FWCtlChannelState) ReadPtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, 1)
	return &s.RPtr
}

// WritePtr implements State.WritePtr.
func (s *FWCtlChannelState) WritePtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, 1)
	return &s.WPtr
}

// FWLogChannelState holds one pointer pair per firmware log stream.
type FWLogChannelState [FWLogSubChannels]ChannelState

// SubChannels implements State.SubChannels.
func (*FWLogChannelState) SubChannels() int { return FWLogSubChannels }

// ReadPtr implements State.ReadPtr.
func (s *FWLogChannelState) ReadPtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, FWLogSubChannels)
	return &s[sub].RPtr
}

// WritePtr implements State.WritePtr.
func (s *FWLogChannelState) WritePtr(sub int) *atomicbitops.Uint32 {
	checkSub(sub, FWLogSubChannels)
	return &s[sub].WPtr
}

// ChannelRing is how a channel is described to firmware.
type ChannelRing[S, M any] struct {
	State object.WeakPointer[S]
	Ring  object.WeakPointer[M]
}

// RunWorkQueueMsg tells firmware that a work queue has new entries. It is
// the message type of the pipe rings.
type RunWorkQueueMsg struct {
	PipeType  PipeType
	WorkQueue object.WeakPointer[QueueInfo]
	WPtr      uint32
	EventSlot uint32
	IsNew     uint8
	Pad0      [0x1b]byte
}

// DeviceControlTag identifies a device control message.
type DeviceControlTag uint32

// Device control messages.
const (
	DeviceControlInitialize DeviceControlTag = 0x13
)

// DeviceControlMsg is a device control request.
type DeviceControlMsg struct {
	Tag  DeviceControlTag
	Data [0x2c]byte
}

// EventMsgTag identifies a firmware event message.
type EventMsgTag uint32

// Firmware event messages.
const (
	EventFault   EventMsgTag = 0
	EventFlag    EventMsgTag = 1
	EventTimeout EventMsgTag = 4
)

// String implements fmt.Stringer.
func (t EventMsgTag) String() string {
	switch t {
	case EventFault:
		return "Fault"
	case EventFlag:
		return "Flag"
	case EventTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("EventMsgTag(%d)", uint32(t))
	}
}

// EventMsg is a message on the event ring. Its payload depends on Tag.
type EventMsg struct {
	Tag     EventMsgTag
	Payload [0x34]byte
}

// EventFlagMsg reports completed event slots. Bit i of Firing is event
// slot i.
type EventFlagMsg struct {
	Tag    EventMsgTag
	Firing [4]uint32
	Unk14  uint16
	Pad0   [0x22]byte
}

// EventTimeoutMsg reports a job that did not finish in time.
type EventTimeoutMsg struct {
	Tag       EventMsgTag
	Counter   uint32
	Unk8      uint32
	EventSlot uint32
	Pad0      [0x28]byte
}

// Flag returns m as an EventFlagMsg. m.Tag must be EventFlag.
func (m *EventMsg) Flag() *EventFlagMsg {
	return (*EventFlagMsg)(unsafe.Pointer(m))
}

// Timeout returns m as an EventTimeoutMsg. m.Tag must be EventTimeout.
func (m *EventMsg) Timeout() *EventTimeoutMsg {
	return (*EventTimeoutMsg)(unsafe.Pointer(m))
}

// NewFlagMsg returns a flag message for the given firing bitmap.
func NewFlagMsg(firing [4]uint32) EventMsg {
	var m EventMsg
	f := m.Flag()
	f.Tag = EventFlag
	f.Firing = firing
	return m
}

// FWLogMsg is one firmware log line.
type FWLogMsg struct {
	MsgType   uint32
	SeqNo     uint32
	Timestamp object.U64
	Msg       [0xc8]byte
}

// Text returns the log text, up to the first NUL.
func (m *FWLogMsg) Text() string {
	n := 0
	for n < len(m.Msg) && m.Msg[n] != 0 {
		n++
	}
	return string(m.Msg[:n])
}

// SetText sets the log text, truncating it if necessary.
func (m *FWLogMsg) SetText(s string) {
	clear(m.Msg[:])
	copy(m.Msg[:len(m.Msg)-1], s)
}

// KTraceMsg is one firmware trace record.
type KTraceMsg struct {
	MsgType   uint32
	Timestamp object.U64
	Args      [4]object.U64
	Code      uint8
	Channel   uint8
	Pad0      [0xa]byte
}

// StatsMsg is a firmware statistics record. Tag selects the layout of
// Data, which is not interpreted by the host.
type StatsMsg struct {
	Tag  uint32
	Data [0x5c]byte
}

// FWCtlMsg is a firmware control request.
type FWCtlMsg struct {
	Addr      object.U64
	Unk8      uint32
	Slot      uint32
	PageCount uint16
	Unk12     uint16
}
