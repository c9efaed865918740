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

package channel

import (
	"testing"

	"agxfw.dev/agxfw/pkg/agx/agxtest"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"github.com/google/go-cmp/cmp"
)

type testHandler struct {
	flags    [][4]uint32
	faults   int
	timeouts []uint32
}

func (h *testHandler) OnFlag(firing [4]uint32) {
	h.flags = append(h.flags, firing)
}

func (h *testHandler) OnFault() {
	h.faults++
}

func (h *testHandler) OnTimeout(slot, counter uint32) {
	h.timeouts = append(h.timeouts, slot)
}

func TestEventDispatch(t *testing.T) {
	mem := agxtest.NewMemory(t, 0)
	var h testHandler
	c, err := NewEvent(mem.Shared, &h)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	defer c.Release()

	before := unknownTagsMetric.Value(string(KindEvent))
	fwPost(c.rx, 0, fw.NewFlagMsg([4]uint32{1 << 3, 0, 0, 1 << 31}))
	fwPost(c.rx, 0, fw.EventMsg{Tag: 0x77})
	var timeout fw.EventMsg
	timeout.Timeout().Tag = fw.EventTimeout
	timeout.Timeout().EventSlot = 9
	fwPost(c.rx, 0, timeout)
	fwPost(c.rx, 0, fw.EventMsg{Tag: fw.EventFault})

	if n := c.Poll(); n != 4 {
		t.Errorf("Poll got %d messages, want 4", n)
	}
	want := testHandler{
		flags:    [][4]uint32{{1 << 3, 0, 0, 1 << 31}},
		faults:   1,
		timeouts: []uint32{9},
	}
	if diff := cmp.Diff(want, h, cmp.AllowUnexported(testHandler{})); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if got := unknownTagsMetric.Value(string(KindEvent)) - before; got != 1 {
		t.Errorf("unknown tags got %d, want 1", got)
	}
	if n := c.Poll(); n != 0 {
		t.Errorf("second Poll got %d messages, want 0", n)
	}
}

func TestStatsMaxTag(t *testing.T) {
	mem := agxtest.NewMemory(t, 0)
	c, err := NewStats(mem.Shared, 0x17)
	if err != nil {
		t.Fatalf("NewStats failed: %v", err)
	}
	defer c.Release()

	before := unknownTagsMetric.Value(string(KindStats))
	for _, tag := range []uint32{3, 0x17, 0x18, 0x100} {
		msg := fw.StatsMsg{Tag: tag}
		msg.Data[0] = byte(tag)
		fwPost(c.rx, 0, msg)
	}
	if n := c.Poll(); n != 4 {
		t.Errorf("Poll got %d messages, want 4", n)
	}
	for _, tc := range []struct {
		tag uint32
		ok  bool
	}{
		{3, true},
		{0x17, true},
		{0x18, false},
		{0x100, false},
	} {
		msg, ok := c.Last(tc.tag)
		if ok != tc.ok {
			t.Errorf("Last(%#x) got ok %t, want %t", tc.tag, ok, tc.ok)
		}
		if ok && msg.Data[0] != byte(tc.tag) {
			t.Errorf("Last(%#x) got data %#x, want %#x", tc.tag, msg.Data[0], byte(tc.tag))
		}
	}
	if got := unknownTagsMetric.Value(string(KindStats)) - before; got != 2 {
		t.Errorf("unknown tags got %d, want 2", got)
	}
}

func TestLogChannels(t *testing.T) {
	mem := agxtest.NewMemory(t, 0)
	l, err := NewFWLog(mem.Shared)
	if err != nil {
		t.Fatalf("NewFWLog failed: %v", err)
	}
	defer l.Release()
	k, err := NewKTrace(mem.Shared)
	if err != nil {
		t.Fatalf("NewKTrace failed: %v", err)
	}
	defer k.Release()

	for sub := 0; sub < fw.FWLogSubChannels; sub++ {
		var msg fw.FWLogMsg
		msg.SetText("hello")
		fwPost(l.rx, sub, msg)
	}
	if n := l.Poll(); n != fw.FWLogSubChannels {
		t.Errorf("FWLog Poll got %d messages, want %d", n, fw.FWLogSubChannels)
	}
	if k.rx.Count() != fw.KTraceRingSize {
		t.Errorf("KTrace ring has %d entries, want %d", k.rx.Count(), fw.KTraceRingSize)
	}
	fwPost(k.rx, 0, fw.KTraceMsg{Code: 1})
	if n := k.Poll(); n != 1 {
		t.Errorf("KTrace Poll got %d messages, want 1", n)
	}
}

func TestPipeSetsType(t *testing.T) {
	mem := agxtest.NewMemory(t, 0)
	p, err := NewPipe(fw.PipeCompute, 2, mem.Shared, mem.Private, fastOpts)
	if err != nil {
		t.Fatalf("NewPipe failed: %v", err)
	}
	defer p.Release()
	if got, want := p.Name(), "pipe[2].compute"; got != want {
		t.Errorf("Name got %q, want %q", got, want)
	}
	if err := p.Send(t.Context(), &fw.RunWorkQueueMsg{WPtr: 5}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := p.slot(0, 0); got.PipeType != fw.PipeCompute || got.WPtr != 5 {
		t.Errorf("ring entry got %+v, want compute pipe with wptr 5", got)
	}
}
