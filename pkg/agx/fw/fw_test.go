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
	"reflect"
	"testing"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/event"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
)

func TestSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"ChannelState", unsafe.Sizeof(ChannelState{}), 0x30},
		{"FWCtlChannelState", unsafe.Sizeof(FWCtlChannelState{}), 0x20},
		{"FWLogChannelState", unsafe.Sizeof(FWLogChannelState{}), 6 * 0x30},
		{"ChannelRing", unsafe.Sizeof(ChannelRing[ChannelState, EventMsg]{}), 0x10},
		{"RunWorkQueueMsg", unsafe.Sizeof(RunWorkQueueMsg{}), 0x30},
		{"DeviceControlMsg", unsafe.Sizeof(DeviceControlMsg{}), 0x30},
		{"EventMsg", unsafe.Sizeof(EventMsg{}), 0x38},
		{"EventFlagMsg", unsafe.Sizeof(EventFlagMsg{}), 0x38},
		{"EventTimeoutMsg", unsafe.Sizeof(EventTimeoutMsg{}), 0x38},
		{"FWLogMsg", unsafe.Sizeof(FWLogMsg{}), 0xd8},
		{"KTraceMsg", unsafe.Sizeof(KTraceMsg{}), 0x38},
		{"StatsMsg", unsafe.Sizeof(StatsMsg{}), 0x60},
		{"FWCtlMsg", unsafe.Sizeof(FWCtlMsg{}), 0x14},
		{"Barrier", unsafe.Sizeof(Barrier{}), 0x20},
		{"GPUContextData", unsafe.Sizeof(GPUContextData{}), 0x40},
		{"RingState", unsafe.Sizeof(RingState{}), 0x60},
		{"Priority", unsafe.Sizeof(Priority{}), 0x1c},
		{"QueueInfo", unsafe.Sizeof(QueueInfo{}), 0xb0},
		{"NotifierList", unsafe.Sizeof(NotifierList{}), 0x18},
		{"Notifier", unsafe.Sizeof(Notifier{}), 0x40},
		{"InitBuffer", unsafe.Sizeof(InitBuffer{}), 0x20},
		{"JobStamp", unsafe.Sizeof(JobStamp{}), 0x18},
		{"RunVertex", unsafe.Sizeof(RunVertex{}), 0x150},
		{"RunVertexV13B4", unsafe.Sizeof(RunVertexV13B4{}), 0x170},
		{"RunFragment", unsafe.Sizeof(RunFragment{}), 0x154},
		{"RunFragmentV13B4", unsafe.Sizeof(RunFragmentV13B4{}), 0x17c},
		{"RunCompute", unsafe.Sizeof(RunCompute{}), 0xb0},
		{"RunComputeV13B4", unsafe.Sizeof(RunComputeV13B4{}), 0xc0},
		{"BlockControl", unsafe.Sizeof(BlockControl{}), 0x40},
		{"Counter", unsafe.Sizeof(Counter{}), 0x40},
		{"Stats", unsafe.Sizeof(Stats{}), 0x40},
		{"BufferInfo", unsafe.Sizeof(BufferInfo{}), 0xc0},
		{"BufferInfoV13B4", unsafe.Sizeof(BufferInfoV13B4{}), 0xbc},
		{"Scene", unsafe.Sizeof(Scene{}), 0x40},
		{"RuntimePointers", unsafe.Sizeof(RuntimePointers{}), 0x130},
		{"FWStatus", unsafe.Sizeof(FWStatus{}), 0x20},
		{"InitData", unsafe.Sizeof(InitData{}), 0x40},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func TestOffsets(t *testing.T) {
	var (
		cs  ChannelState
		fcs FWCtlChannelState
		rwq RunWorkQueueMsg
		ef  EventFlagMsg
		kt  KTraceMsg
		b   Barrier
		gcd GPUContextData
		rs  RingState
		qi  QueueInfo
		rv  RunVertexV13B4
		rf  RunFragment
		bi  BufferInfo
		bi2 BufferInfoV13B4
		sc  Scene
		rp  RuntimePointers
		id  InitData
	)
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"ChannelState.WPtr", unsafe.Offsetof(cs.WPtr), 0x20},
		{"FWCtlChannelState.WPtr", unsafe.Offsetof(fcs.WPtr), 0x10},
		{"RunWorkQueueMsg.WorkQueue", unsafe.Offsetof(rwq.WorkQueue), 0x4},
		{"RunWorkQueueMsg.WPtr", unsafe.Offsetof(rwq.WPtr), 0xc},
		{"RunWorkQueueMsg.EventSlot", unsafe.Offsetof(rwq.EventSlot), 0x10},
		{"RunWorkQueueMsg.IsNew", unsafe.Offsetof(rwq.IsNew), 0x14},
		{"EventFlagMsg.Firing", unsafe.Offsetof(ef.Firing), 0x4},
		{"KTraceMsg.Args", unsafe.Offsetof(kt.Args), 0xc},
		{"KTraceMsg.Code", unsafe.Offsetof(kt.Code), 0x2c},
		{"Barrier.Stamp", unsafe.Offsetof(b.Stamp), 0x4},
		{"Barrier.WaitValue", unsafe.Offsetof(b.WaitValue), 0xc},
		{"Barrier.Event", unsafe.Offsetof(b.Event), 0x10},
		{"Barrier.StampSelf", unsafe.Offsetof(b.StampSelf), 0x14},
		{"Barrier.UUID", unsafe.Offsetof(b.UUID), 0x18},
		{"GPUContextData.Unk5", unsafe.Offsetof(gcd.Unk5), 0x5},
		{"GPUContextData.Unk1E", unsafe.Offsetof(gcd.Unk1E), 0x1e},
		{"GPUContextData.Unk23", unsafe.Offsetof(gcd.Unk23), 0x23},
		{"RingState.GPURPtr", unsafe.Offsetof(rs.GPURPtr), 0x30},
		{"RingState.CPUWPtr", unsafe.Offsetof(rs.CPUWPtr), 0x40},
		{"RingState.RBSize", unsafe.Offsetof(rs.RBSize), 0x50},
		{"QueueInfo.Ring", unsafe.Offsetof(qi.Ring), 0x8},
		{"QueueInfo.NotifierList", unsafe.Offsetof(qi.NotifierList), 0x10},
		{"QueueInfo.GPUBuf", unsafe.Offsetof(qi.GPUBuf), 0x18},
		{"QueueInfo.GPURPtr1", unsafe.Offsetof(qi.GPURPtr1), 0x20},
		{"QueueInfo.EventID", unsafe.Offsetof(qi.EventID), 0x2c},
		{"QueueInfo.Priority", unsafe.Offsetof(qi.Priority), 0x30},
		{"QueueInfo.Unk4C", unsafe.Offsetof(qi.Unk4C), 0x4c},
		{"QueueInfo.UUID", unsafe.Offsetof(qi.UUID), 0x50},
		{"QueueInfo.Unk58", unsafe.Offsetof(qi.Unk58), 0x58},
		{"QueueInfo.Busy", unsafe.Offsetof(qi.Busy), 0x60},
		{"QueueInfo.Unk84State", unsafe.Offsetof(qi.Unk84State), 0x84},
		{"QueueInfo.Pending", unsafe.Offsetof(qi.Pending), 0x98},
		{"QueueInfo.GPUContext", unsafe.Offsetof(qi.GPUContext), 0xa0},
		{"QueueInfo.UnkA8", unsafe.Offsetof(qi.UnkA8), 0xa8},
		{"RunVertexV13B4.VMSlot", unsafe.Offsetof(rv.VMSlot), 0xc},
		{"RunVertexV13B4.Unk154", unsafe.Offsetof(rv.Unk154), 0x154},
		{"RunFragment.Job", unsafe.Offsetof(rf.Job), 0x18},
		{"BufferInfo.PageList", unsafe.Offsetof(bi.PageList), 0x20},
		{"BufferInfo.Unk30", unsafe.Offsetof(bi.Unk30), 0x30},
		{"BufferInfo.BlockSize", unsafe.Offsetof(bi.BlockSize), 0x5c},
		{"BufferInfo.Counter", unsafe.Offsetof(bi.Counter), 0x68},
		{"BufferInfoV13B4.PageList", unsafe.Offsetof(bi2.PageList), 0x1c},
		{"Scene.UserBuffer", unsafe.Offsetof(sc.UserBuffer), 0x18},
		{"Scene.Stats", unsafe.Offsetof(sc.Stats), 0x24},
		{"RuntimePointers.DeviceControl", unsafe.Offsetof(rp.DeviceControl), 0xc0},
		{"RuntimePointers.EventStamps", unsafe.Offsetof(rp.EventStamps), 0x120},
		{"InitData.UATPageSize", unsafe.Offsetof(id.UATPageSize), 0x20},
	} {
		if tc.got != tc.want {
			t.Errorf("offsetof(%s) = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func TestPriorities(t *testing.T) {
	for i, p := range Priorities {
		if p.Index != uint32(i) {
			t.Errorf("Priorities[%d].Index = %d", i, p.Index)
		}
	}
	if got, want := Priorities[DefaultPriority].Mask.Get(), uint64(0xffff_0000_0000_0000); got != want {
		t.Errorf("default priority mask = %#x, want %#x", got, want)
	}
	if DefaultPriority == 0 {
		t.Errorf("default priority is the lowest")
	}
}

func TestGPUContextDataDefault(t *testing.T) {
	var g GPUContextData
	g.SetDefault()
	if g.Unk0 != 0xffff || g.Unk5 != 1 || g.Unk1E != 0xff || g.Unk1F != 0 || g.Unk23 != 2 {
		t.Errorf("SetDefault got %+v", g)
	}
}

func TestEventMsgViews(t *testing.T) {
	m := NewFlagMsg([4]uint32{0x1, 0, 0, 0x80000000})
	if m.Tag != EventFlag {
		t.Errorf("tag = %v, want %v", m.Tag, EventFlag)
	}
	f := m.Flag()
	if f.Firing[0] != 1 || f.Firing[3] != 0x80000000 {
		t.Errorf("firing = %#x", f.Firing)
	}
}

func TestFWLogText(t *testing.T) {
	var m FWLogMsg
	m.SetText("hello")
	if got := m.Text(); got != "hello" {
		t.Errorf("Text() = %q, want %q", got, "hello")
	}
	long := make([]byte, 0x200)
	for i := range long {
		long[i] = 'x'
	}
	m.SetText(string(long))
	if got, want := len(m.Text()), len(m.Msg)-1; got != want {
		t.Errorf("len(Text()) = %d, want %d", got, want)
	}
}

func TestStateSubChannels(t *testing.T) {
	var log FWLogChannelState
	for i := 0; i < FWLogSubChannels; i++ {
		log.WritePtr(i).Store(uint32(i + 1))
	}
	for i := 0; i < FWLogSubChannels; i++ {
		if got := log[i].WPtr.Load(); got != uint32(i+1) {
			t.Errorf("stream %d write pointer = %d, want %d", i, got, i+1)
		}
	}
	defer func() {
		if recover() == nil {
			t.Errorf("ReadPtr(1) on single stream state did not panic")
		}
	}()
	var cs ChannelState
	cs.ReadPtr(1)
}

func TestBind(t *testing.T) {
	b := StampBinding{Value: event.EventValue(0x300), Slot: 7, UUID: 9, Counter: 42}
	for _, c := range []Command{&RunVertex{}, &RunVertexV13B4{}, &RunFragment{}, &RunFragmentV13B4{}, &RunCompute{}, &RunComputeV13B4{}} {
		c.Bind(b)
		v := reflect.ValueOf(c).Elem().FieldByName("Job").Interface().(JobStamp)
		if v.StampValue != b.Value || v.EventSlot != b.Slot || v.UUID != b.UUID {
			t.Errorf("%T: Job = %+v after Bind(%+v)", c, v, b)
		}
	}
	var bar Barrier
	bar.Bind(b)
	if bar.StampSelf != b.Value || bar.Event != b.Slot {
		t.Errorf("barrier = %+v after Bind(%+v)", bar, b)
	}
	rv := &RunVertexV13B4{}
	rv.Bind(b)
	if rv.Counter.Get() != 42 {
		t.Errorf("counter = %d, want 42", rv.Counter.Get())
	}
}

func TestABI(t *testing.T) {
	for _, v := range SupportedVersions() {
		abi, err := Lookup(v)
		if err != nil {
			t.Fatalf("Lookup(%v): %v", v, err)
		}
		if abi.Version != v {
			t.Errorf("Lookup(%v).Version = %v", v, abi.Version)
		}
		for _, ct := range []CommandType{CommandRunVertex, CommandRunFragment, CommandRunCompute, CommandBarrier, CommandInitBufferManager} {
			l, ok := abi.Command(ct)
			if !ok {
				t.Errorf("%v: no layout for %v", v, ct)
				continue
			}
			if l.Size != uint64(l.Type.Size()) || l.StampOffset+4 > l.Size {
				t.Errorf("%v: bad layout for %v: %+v", v, ct, l)
			}
		}
	}

	old, _ := Lookup(fwconf.V12_3)
	cur, _ := Lookup(fwconf.V13_0B4)
	if got, want := old.BufferInfo.Size()-cur.BufferInfo.Size(), uintptr(4); got != want {
		t.Errorf("BufferInfo shrank by %d, want %d", got, want)
	}
	rvOld, _ := old.Command(CommandRunVertex)
	rvCur, _ := cur.Command(CommandRunVertex)
	if got, want := rvCur.StampOffset-rvOld.StampOffset, uint64(8); got != want {
		t.Errorf("RunVertex stamp moved by %d, want %d", got, want)
	}
	if cur.StatsMax <= old.StatsMax {
		t.Errorf("StatsMax %#x not above %#x", cur.StatsMax, old.StatsMax)
	}
	if Latest() != fwconf.V13_0B4 {
		t.Errorf("Latest() = %v, want %v", Latest(), fwconf.V13_0B4)
	}
	if _, err := Lookup(fwconf.NewVersion(11, 0, 0)); !linuxerr.Equals(linuxerr.ENOTSUP, err) {
		t.Errorf("Lookup(11.0) got err %v, want ENOTSUP", err)
	}
	if n := len(cur.Structs()); n == 0 {
		t.Errorf("no structs")
	}
}
