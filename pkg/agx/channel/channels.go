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
	"context"
	"fmt"
	"time"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

// unknownLog reports messages the host does not understand.
var unknownLog = log.BasicRateLimitedLogger(time.Second)

// DeviceControlChannel carries device control requests.
type DeviceControlChannel struct {
	*TXChannel[fw.ChannelState, fw.DeviceControlMsg]
}

// NewDeviceControl allocates the device control channel.
func NewDeviceControl(shared, private alloc.Allocator, opts Options) (*DeviceControlChannel, error) {
	tx, err := NewTX[fw.ChannelState, fw.DeviceControlMsg](KindDeviceControl, "devctrl", fw.DeviceControlRingSize, shared, private, opts)
	if err != nil {
		return nil, err
	}
	return &DeviceControlChannel{tx}, nil
}

// Send queues msg.
func (c *DeviceControlChannel) Send(ctx context.Context, msg *fw.DeviceControlMsg) error {
	log.Debugf("DeviceControl: sending %#x", uint32(msg.Tag))
	_, err := c.Put(ctx, msg)
	return err
}

// PipeChannel tells firmware about work queues of one pipe type.
type PipeChannel struct {
	*TXChannel[fw.ChannelState, fw.RunWorkQueueMsg]
	pipeType fw.PipeType
	index    int
}

// NewPipe allocates pipe ring index of the given type.
func NewPipe(pipeType fw.PipeType, index int, shared, private alloc.Allocator, opts Options) (*PipeChannel, error) {
	name := fmt.Sprintf("pipe[%d].%v", index, pipeType)
	tx, err := NewTX[fw.ChannelState, fw.RunWorkQueueMsg](KindPipe, name, fw.PipeRingSize, shared, private, opts)
	if err != nil {
		return nil, err
	}
	return &PipeChannel{
		TXChannel: tx,
		pipeType:  pipeType,
		index:     index,
	}, nil
}

// PipeType returns the pipe type the channel serves.
func (c *PipeChannel) PipeType() fw.PipeType {
	return c.pipeType
}

// Index returns the pipe index.
func (c *PipeChannel) Index() int {
	return c.index
}

// Send queues msg.
func (c *PipeChannel) Send(ctx context.Context, msg *fw.RunWorkQueueMsg) error {
	msg.PipeType = c.pipeType
	_, err := c.Put(ctx, msg)
	return err
}

// FWCtlChannel carries firmware control requests.
type FWCtlChannel struct {
	*TXChannel[fw.FWCtlChannelState, fw.FWCtlMsg]
}

// NewFWCtl allocates the firmware control channel.
func NewFWCtl(shared, private alloc.Allocator, opts Options) (*FWCtlChannel, error) {
	tx, err := NewTX[fw.FWCtlChannelState, fw.FWCtlMsg](KindFWCtl, "fwctl", fw.FWCtlRingSize, shared, private, opts)
	if err != nil {
		return nil, err
	}
	return &FWCtlChannel{tx}, nil
}

// Send queues msg.
func (c *FWCtlChannel) Send(ctx context.Context, msg *fw.FWCtlMsg) error {
	_, err := c.Put(ctx, msg)
	return err
}

// EventHandler receives firmware event notifications. Its methods are
// called from the receive poller and must not block.
type EventHandler interface {
	// OnFlag is called with the firing bitmap of a flag message.
	OnFlag(firing [4]uint32)

	// OnFault is called when firmware reports a GPU fault.
	OnFault()

	// OnTimeout is called when a job on event slot misses its deadline.
	OnTimeout(slot, counter uint32)
}

// EventChannel carries completion and fault notifications.
type EventChannel struct {
	rx      *RXChannel[fw.ChannelState, fw.EventMsg]
	handler EventHandler
}

// NewEvent allocates the event channel. Messages are dispatched to handler.
func NewEvent(shared alloc.Allocator, handler EventHandler) (*EventChannel, error) {
	rx, err := NewRX[fw.ChannelState, fw.EventMsg](KindEvent, "event", fw.EventRingSize, shared)
	if err != nil {
		return nil, err
	}
	return &EventChannel{rx: rx, handler: handler}, nil
}

// ToRaw returns the firmware description of the channel.
func (c *EventChannel) ToRaw() fw.ChannelRing[fw.ChannelState, fw.EventMsg] {
	return c.rx.ToRaw()
}

// Release frees the channel.
func (c *EventChannel) Release() {
	c.rx.Release()
}

// Poll dispatches every pending message. It returns the number of messages
// consumed.
func (c *EventChannel) Poll() int {
	n := 0
	for {
		msg, ok := c.rx.Get(0)
		if !ok {
			return n
		}
		n++
		switch msg.Tag {
		case fw.EventFlag:
			c.handler.OnFlag(msg.Flag().Firing)
		case fw.EventFault:
			log.Warningf("Event: GPU fault reported")
			c.handler.OnFault()
		case fw.EventTimeout:
			t := msg.Timeout()
			log.Warningf("Event: timeout on slot %d, counter %#x", t.EventSlot, t.Counter)
			c.handler.OnTimeout(t.EventSlot, t.Counter)
		default:
			unknownTagsMetric.Increment(string(KindEvent))
			unknownLog.Warningf("Event: unknown message %v", msg.Tag)
		}
	}
}

// FWLogChannel carries the firmware's log streams.
type FWLogChannel struct {
	rx *RXChannel[fw.FWLogChannelState, fw.FWLogMsg]
}

// NewFWLog allocates the firmware log channel with all its streams.
func NewFWLog(shared alloc.Allocator) (*FWLogChannel, error) {
	rx, err := NewRX[fw.FWLogChannelState, fw.FWLogMsg](KindFWLog, "fwlog", fw.FWLogRingSize, shared)
	if err != nil {
		return nil, err
	}
	return &FWLogChannel{rx: rx}, nil
}

// ToRaw returns the firmware description of the channel.
func (c *FWLogChannel) ToRaw() fw.ChannelRing[fw.FWLogChannelState, fw.FWLogMsg] {
	return c.rx.ToRaw()
}

// Release frees the channel.
func (c *FWLogChannel) Release() {
	c.rx.Release()
}

// Poll logs every pending line of every stream.
func (c *FWLogChannel) Poll() int {
	n := 0
	for sub := 0; sub < fw.FWLogSubChannels; sub++ {
		for {
			msg, ok := c.rx.Get(sub)
			if !ok {
				break
			}
			n++
			log.Infof("FWLog[%d]: %d:%d %s", sub, msg.MsgType, msg.SeqNo, msg.Text())
		}
	}
	return n
}

// KTraceChannel carries firmware trace records.
type KTraceChannel struct {
	rx *RXChannel[fw.ChannelState, fw.KTraceMsg]
}

// NewKTrace allocates the trace channel.
func NewKTrace(shared alloc.Allocator) (*KTraceChannel, error) {
	rx, err := NewRX[fw.ChannelState, fw.KTraceMsg](KindKTrace, "ktrace", fw.KTraceRingSize, shared)
	if err != nil {
		return nil, err
	}
	return &KTraceChannel{rx: rx}, nil
}

// ToRaw returns the firmware description of the channel.
func (c *KTraceChannel) ToRaw() fw.ChannelRing[fw.ChannelState, fw.KTraceMsg] {
	return c.rx.ToRaw()
}

// Release frees the channel.
func (c *KTraceChannel) Release() {
	c.rx.Release()
}

// Poll logs every pending trace record at debug level.
func (c *KTraceChannel) Poll() int {
	n := 0
	for {
		msg, ok := c.rx.Get(0)
		if !ok {
			return n
		}
		n++
		if log.IsLogging(log.Debug) {
			log.Debugf("KTrace: [%d/%d] %v %v %v %v %v", msg.Channel, msg.Code, msg.Timestamp, msg.Args[0], msg.Args[1], msg.Args[2], msg.Args[3])
		}
	}
}

// StatsChannel carries firmware statistics.
type StatsChannel struct {
	rx       *RXChannel[fw.ChannelState, fw.StatsMsg]
	statsMax uint32

	// mu protects last.
	mu   sync.Mutex
	last map[uint32]fw.StatsMsg
}

// NewStats allocates the statistics channel. Records tagged above
// statsMax are dropped.
func NewStats(shared alloc.Allocator, statsMax uint32) (*StatsChannel, error) {
	rx, err := NewRX[fw.ChannelState, fw.StatsMsg](KindStats, "stats", fw.StatsRingSize, shared)
	if err != nil {
		return nil, err
	}
	return &StatsChannel{
		rx:       rx,
		statsMax: statsMax,
		last:     make(map[uint32]fw.StatsMsg),
	}, nil
}

// ToRaw returns the firmware description of the channel.
func (c *StatsChannel) ToRaw() fw.ChannelRing[fw.ChannelState, fw.StatsMsg] {
	return c.rx.ToRaw()
}

// Release frees the channel.
func (c *StatsChannel) Release() {
	c.rx.Release()
}

// Poll records every pending statistics message.
func (c *StatsChannel) Poll() int {
	n := 0
	for {
		msg, ok := c.rx.Get(0)
		if !ok {
			return n
		}
		n++
		if msg.Tag > c.statsMax {
			unknownTagsMetric.Increment(string(KindStats))
			unknownLog.Warningf("Stats: unknown tag %#x", msg.Tag)
			continue
		}
		c.mu.Lock()
		c.last[msg.Tag] = msg
		c.mu.Unlock()
	}
}

// Last returns the most recent record with the given tag.
func (c *StatsChannel) Last(tag uint32) (fw.StatsMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.last[tag]
	return m, ok
}
