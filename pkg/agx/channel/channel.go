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

// Package channel implements the ring channels shared with firmware.
//
// A channel is a state structure holding read/write pointer pairs plus a
// ring of fixed-size messages. Each direction has exactly one producer and
// one consumer. The ring is empty when the pointers are equal and full when
// advancing the write pointer would make it equal to the read pointer, so a
// ring of N entries holds at most N-1 messages.
//
// Receive channels are written by firmware and must live entirely in shared
// memory. Transmit channels are only read by firmware, so their rings may be
// allocated privately with only the pointer state shared.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/cleanup"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/metric"
	"agxfw.dev/agxfw/pkg/sync"
	"github.com/cenkalti/backoff"
)

// Kind names a class of channel in metrics.
type Kind string

// Channel kinds.
const (
	KindDeviceControl Kind = "devctrl"
	KindPipe          Kind = "pipe"
	KindFWCtl         Kind = "fwctl"
	KindEvent         Kind = "event"
	KindFWLog         Kind = "fwlog"
	KindKTrace        Kind = "ktrace"
	KindStats         Kind = "stats"
	KindWorkQueue     Kind = "workqueue"
)

var kindField = metric.NewField("channel", []string{
	string(KindDeviceControl),
	string(KindPipe),
	string(KindFWCtl),
	string(KindEvent),
	string(KindFWLog),
	string(KindKTrace),
	string(KindStats),
	string(KindWorkQueue),
})

var (
	ringFullMetric    = metric.MustCreateNewUint64Metric("/agx/ring_full", false, "Number of times a transmit ring was found full.", kindField)
	rxMessagesMetric  = metric.MustCreateNewUint64Metric("/agx/rx_messages", false, "Number of messages received from firmware.", kindField)
	txMessagesMetric  = metric.MustCreateNewUint64Metric("/agx/tx_messages", false, "Number of messages sent to firmware.", kindField)
	unknownTagsMetric = metric.MustCreateNewUint64Metric("/agx/unknown_tags", false, "Number of received messages with an unrecognized tag.", kindField)
	txTimeoutsMetric  = metric.MustCreateNewUint64Metric("/agx/tx_timeouts", false, "Number of transmit waits that timed out.", kindField)
	badPointersMetric = metric.MustCreateNewUint64Metric("/agx/bad_pointers", false, "Number of out of range firmware write pointers seen.", kindField)
)

// badPtrLog reports out of range pointers, which firmware can produce at
// a high rate once it goes wrong.
var badPtrLog = log.BasicRateLimitedLogger(time.Second)

// statePtr is satisfied by *S when *S implements fw.State.
type statePtr[S any] interface {
	*S
	fw.State
}

// Options bound transmit waits.
type Options struct {
	// PollInterval is how often a full ring is re-checked.
	PollInterval time.Duration

	// Timeout bounds a single wait. Zero means wait until the context
	// ends.
	Timeout time.Duration
}

// errFull is the retry signal while a ring is full. It never escapes.
var errFull = errors.New("ring full")

// WaitFor waits until ready returns true. It polls every opts.PollInterval
// and gives up after opts.Timeout with ETIMEDOUT, or with ctx.Err() if ctx
// ends first.
func WaitFor(ctx context.Context, opts Options, ready func() bool) error {
	if ready() {
		return nil
	}
	wctx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Millisecond
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(poll), wctx)
	op := func() error {
		if ready() {
			return nil
		}
		return errFull
	}
	if err := backoff.Retry(op, b); err == nil {
		return nil
	}
	// The backoff stops once less than one interval is left before the
	// deadline. Keep polling until wctx actually ends so that the error
	// names the deadline that expired.
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if ready() {
			return nil
		}
		select {
		case <-wctx.Done():
			// The ring may have drained just as the deadline passed.
			if ready() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("not ready after %v: %w", opts.Timeout, linuxerr.ETIMEDOUT)
		case <-t.C:
		}
	}
}

// WaitForSpace is WaitFor for a producer that found a ring of the given
// kind full. It accounts the wait in the channel metrics.
func WaitForSpace(ctx context.Context, kind Kind, opts Options, ready func() bool) error {
	if ready() {
		return nil
	}
	ringFullMetric.Increment(string(kind))
	log.Debugf("%s ring full, waiting", kind)
	err := WaitFor(ctx, opts, ready)
	if linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		txTimeoutsMetric.Increment(string(kind))
	}
	return err
}

// ring is the part common to both directions.
type ring[S, M any] struct {
	kind  Kind
	name  string
	count uint32

	state *object.Object[S, struct{}]
	ptrs  fw.State
	msgs  *object.Array[M]
}

func newRing[S any, M any, P statePtr[S]](kind Kind, name string, count int, stateAlloc, ringAlloc alloc.Allocator) (*ring[S, M], error) {
	if count < 2 {
		panic(fmt.Sprintf("channel %s: ring of %d entries", name, count))
	}
	state, err := alloc.NewDefault[S, struct{}](stateAlloc)
	if err != nil {
		return nil, fmt.Errorf("channel %s: allocating state: %w", name, err)
	}
	cu := cleanup.Make(state.Release)
	defer cu.Clean()

	var ptrs fw.State
	state.With(func(raw *S, _ *struct{}) {
		ptrs = P(raw)
	})
	msgs, err := alloc.NewArray[M](ringAlloc, count*ptrs.SubChannels())
	if err != nil {
		return nil, fmt.Errorf("channel %s: allocating ring: %w", name, err)
	}
	cu.Release()

	log.Debugf("Channel %s: state %#x, %d x %d messages at %#x", name, state.GPUAddress(), ptrs.SubChannels(), count, msgs.GPUAddress())
	return &ring[S, M]{
		kind:  kind,
		name:  name,
		count: uint32(count),
		state: state,
		ptrs:  ptrs,
		msgs:  msgs,
	}, nil
}

// Name returns the channel's name.
func (r *ring[S, M]) Name() string {
	return r.name
}

// Count returns the number of entries per sub-channel.
func (r *ring[S, M]) Count() int {
	return int(r.count)
}

// ToRaw returns the firmware description of the channel.
func (r *ring[S, M]) ToRaw() fw.ChannelRing[S, M] {
	return fw.ChannelRing[S, M]{
		State: r.state.WeakPointer(),
		Ring:  r.msgs.WeakPointer(),
	}
}

// Release frees the channel's memory. Firmware must no longer reference it.
func (r *ring[S, M]) Release() {
	r.msgs.Release()
	r.state.Release()
}

// slot returns the message at index i of sub-channel sub.
func (r *ring[S, M]) slot(sub int, i uint32) *M {
	return r.msgs.At(sub*int(r.count) + int(i))
}

// RXChannel is a ring firmware writes and the host reads.
type RXChannel[S, M any] struct {
	*ring[S, M]

	// mu protects rptr.
	mu   sync.Mutex
	rptr []uint32
}

// NewRX allocates a receive channel of count entries per sub-channel, all in
// a.
func NewRX[S any, M any, P statePtr[S]](kind Kind, name string, count int, a alloc.Allocator) (*RXChannel[S, M], error) {
	r, err := newRing[S, M, P](kind, name, count, a, a)
	if err != nil {
		return nil, err
	}
	return &RXChannel[S, M]{
		ring: r,
		rptr: make([]uint32, r.ptrs.SubChannels()),
	}, nil
}

// Get removes the oldest message of sub-channel sub. It returns false if
// the sub-channel is empty.
func (c *RXChannel[S, M]) Get(sub int) (M, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msg M
	wptr := c.ptrs.WritePtr(sub).Load()
	rptr := c.rptr[sub]
	if wptr >= c.count {
		badPointersMetric.Increment(string(c.kind))
		badPtrLog.Warningf("Channel %s[%d]: write pointer %#x out of range, ring has %#x entries", c.name, sub, wptr, c.count)
		return msg, false
	}
	if wptr == rptr {
		return msg, false
	}
	msg = *c.slot(sub, rptr)
	rptr = (rptr + 1) % c.count
	c.rptr[sub] = rptr
	c.ptrs.ReadPtr(sub).Store(rptr)
	rxMessagesMetric.Increment(string(c.kind))
	return msg, true
}

// TXChannel is a ring the host writes and firmware reads.
type TXChannel[S, M any] struct {
	*ring[S, M]
	opts Options

	// mu serializes producers and protects wptr.
	mu   sync.Mutex
	wptr uint32
}

// NewTX allocates a transmit channel of count entries. The pointer state is
// allocated from state and the ring from msgs.
func NewTX[S any, M any, P statePtr[S]](kind Kind, name string, count int, state, msgs alloc.Allocator, opts Options) (*TXChannel[S, M], error) {
	r, err := newRing[S, M, P](kind, name, count, state, msgs)
	if err != nil {
		return nil, err
	}
	if n := r.ptrs.SubChannels(); n != 1 {
		r.Release()
		panic(fmt.Sprintf("channel %s: transmit channel with %d sub-channels", name, n))
	}
	return &TXChannel[S, M]{
		ring: r,
		opts: opts,
	}, nil
}

// Put appends msg to the ring. If the ring is full, Put waits for firmware
// to consume an entry as bounded by the channel's Options. It returns the
// new write pointer.
func (c *TXChannel[S, M]) Put(ctx context.Context, msg *M) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := (c.wptr + 1) % c.count
	rptr := c.ptrs.ReadPtr(0)
	if err := WaitForSpace(ctx, c.kind, c.opts, func() bool { return rptr.Load() != next }); err != nil {
		return c.wptr, fmt.Errorf("channel %s: %w", c.name, err)
	}
	*c.slot(0, c.wptr) = *msg
	c.wptr = next
	c.ptrs.WritePtr(0).Store(next)
	txMessagesMetric.Increment(string(c.kind))
	return next, nil
}

// Pending returns the number of messages firmware has not consumed yet.
func (c *TXChannel[S, M]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rptr := c.ptrs.ReadPtr(0).Load()
	return int((c.wptr + c.count - rptr) % c.count)
}
