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

// Package workqueue implements firmware work queues.
//
// A work queue is a ring of command addresses that firmware walks on one
// pipe. Submitting appends the commands, stamps each with the next value of
// the queue's event, and publishes the new write pointer; the caller then
// tells firmware about the queue on a pipe channel. Firmware writes each
// command's stamp as it completes and flags the queue's event slot, at
// which point Signal retires the finished submissions.
//
// A queue holds an event slot only while it has work in flight.
//
// Lock order: submitMu before mu. mu is never held while waiting, so the
// receive poller can always call Signal.
package workqueue

import (
	"context"
	"fmt"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/channel"
	"agxfw.dev/agxfw/pkg/agx/event"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/agx/slotalloc"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/cleanup"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/metric"
	"agxfw.dev/agxfw/pkg/sync"
)

// DefaultRingSize is the number of entries of a work queue ring.
const DefaultRingSize = 0x500

// gpuBufSize is the size of the firmware's per-queue scratch buffer.
const gpuBufSize = 0x2c18

var pipeField = metric.NewField("pipe", []string{
	fw.PipeVertex.String(),
	fw.PipeFragment.String(),
	fw.PipeCompute.String(),
})

var (
	submissionsMetric = metric.MustCreateNewUint64Metric("/agx/submissions", false, "Number of commands submitted to work queues.", pipeField)
	completionsMetric = metric.MustCreateNewUint64Metric("/agx/completions", false, "Number of commands firmware completed.", pipeField)
)

// Params configures a work queue.
type Params struct {
	// Name identifies the queue in logs.
	Name string

	// PipeType is the pipe the queue feeds.
	PipeType fw.PipeType

	// Priority indexes fw.Priorities.
	Priority int

	// UUID identifies the queue in firmware traces.
	UUID uint32

	// RingSize is the number of ring entries. Zero means
	// DefaultRingSize.
	RingSize int

	// Options bound waits for ring space.
	Options channel.Options

	// SlotWait selects what Submit does when no event slot is free.
	SlotWait fwconf.SlotWait
}

// DefaultParams returns Params for a queue on pipe type t with the default
// priority.
func DefaultParams(name string, t fw.PipeType) Params {
	return Params{
		Name:     name,
		PipeType: t,
		Priority: fw.DefaultPriority,
	}
}

type notifierList struct {
	self object.WeakPointer[fw.NotifierList]
}

// queue holds the firmware objects QueueInfo points to.
type queue struct {
	state        *object.Object[fw.RingState, struct{}]
	ring         *object.Array[uint64]
	notifierList *object.Object[fw.NotifierList, notifierList]
	gpuBuf       *object.Array[byte]
	gpuContext   *object.Object[fw.GPUContextData, struct{}]
}

func (q *queue) release() {
	q.gpuContext.Release()
	q.gpuBuf.Release()
	q.notifierList.Release()
	q.ring.Release()
	q.state.Release()
}

// WorkQueue is a firmware work queue.
type WorkQueue struct {
	params Params
	abi    *fw.ABI
	events *event.Manager

	info      *object.Object[fw.QueueInfo, queue]
	raw       *fw.QueueInfo
	ringState *fw.RingState
	ring      *object.Array[uint64]
	notifier  *object.Object[fw.Notifier, struct{}]
	threshold *object.Object[fw.Threshold, struct{}]

	// submitMu serializes submissions and protects the fields below.
	submitMu sync.Mutex
	wptr     uint32
	counter  uint64
	last     event.EventValue

	// mu protects the fields below.
	mu sync.Mutex

	// ev is the held event slot, or nil if the queue is idle.
	ev *event.Event

	// token is the last slot held, to ask for it again.
	token slotalloc.Token

	// submitting is set while a submission may be using ev.
	submitting bool

	// inflight holds submissions firmware has not completed, oldest first.
	inflight []*Submission

	// pending is the number of commands in inflight.
	pending int
}

// New allocates a work queue. Firmware structures are allocated from
// shared; the ring and scratch memory only firmware touches from private.
func New(abi *fw.ABI, events *event.Manager, shared, private alloc.Allocator, p Params) (*WorkQueue, error) {
	if p.RingSize == 0 {
		p.RingSize = DefaultRingSize
	}
	if p.RingSize < 2 {
		return nil, fmt.Errorf("work queue %s: ring of %d entries: %w", p.Name, p.RingSize, linuxerr.EINVAL)
	}
	if p.Priority < 0 || p.Priority >= len(fw.Priorities) {
		return nil, fmt.Errorf("work queue %s: priority %d out of range: %w", p.Name, p.Priority, linuxerr.EINVAL)
	}
	if p.PipeType >= fw.NumPipeTypes {
		return nil, fmt.Errorf("work queue %s: bad pipe type %v: %w", p.Name, p.PipeType, linuxerr.EINVAL)
	}

	var (
		q   queue
		cu  cleanup.Cleanup
		err error
	)
	defer cu.Clean()

	q.state, err = alloc.NewInplace(shared, struct{}{}, func(_ *struct{}, raw *fw.RingState) (*fw.RingState, error) {
		raw.RBSize = uint32(p.RingSize)
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("work queue %s: allocating ring state: %w", p.Name, err)
	}
	cu.Add(q.state.Release)
	if q.ring, err = alloc.NewArray[uint64](private, p.RingSize); err != nil {
		return nil, fmt.Errorf("work queue %s: allocating ring: %w", p.Name, err)
	}
	cu.Add(q.ring.Release)
	q.notifierList, err = alloc.NewPrealloc(shared, func(self object.WeakPointer[fw.NotifierList]) (*notifierList, error) {
		return &notifierList{self: self}, nil
	}, func(inner *notifierList, raw *fw.NotifierList) (*fw.NotifierList, error) {
		raw.Prev = inner.self
		raw.Next = inner.self
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("work queue %s: allocating notifier list: %w", p.Name, err)
	}
	cu.Add(q.notifierList.Release)
	if q.gpuBuf, err = alloc.NewArray[byte](private, gpuBufSize); err != nil {
		return nil, fmt.Errorf("work queue %s: allocating scratch buffer: %w", p.Name, err)
	}
	cu.Add(q.gpuBuf.Release)
	if q.gpuContext, err = alloc.NewDefault[fw.GPUContextData, struct{}](shared); err != nil {
		return nil, fmt.Errorf("work queue %s: allocating context data: %w", p.Name, err)
	}
	cu.Add(q.gpuContext.Release)

	info, err := alloc.NewInplace(shared, q, func(inner *queue, raw *fw.QueueInfo) (*fw.QueueInfo, error) {
		raw.State = inner.state.WeakPointer()
		raw.Ring = inner.ring.WeakPointer()
		raw.NotifierList = inner.notifierList.WeakPointer()
		raw.GPUBuf = inner.gpuBuf.WeakPointer()
		raw.EventID.Store(-1)
		raw.Priority = fw.Priorities[p.Priority]
		raw.Unk4C = -1
		raw.UUID = p.UUID
		raw.Unk54 = -1
		raw.GPUContext = inner.gpuContext.WeakPointer()
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("work queue %s: allocating queue info: %w", p.Name, err)
	}
	cu.Add(info.Release)

	threshold, err := alloc.NewDefault[fw.Threshold, struct{}](shared)
	if err != nil {
		return nil, fmt.Errorf("work queue %s: allocating notifier threshold: %w", p.Name, err)
	}
	cu.Add(threshold.Release)
	notifier, err := alloc.NewInplace(shared, struct{}{}, func(_ *struct{}, raw *fw.Notifier) (*fw.Notifier, error) {
		raw.Threshold = threshold.WeakPointer()
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("work queue %s: allocating notifier: %w", p.Name, err)
	}
	cu.Release()

	w := &WorkQueue{
		params:    p,
		abi:       abi,
		events:    events,
		info:      info,
		ring:      q.ring,
		notifier:  notifier,
		threshold: threshold,
	}
	info.With(func(raw *fw.QueueInfo, inner *queue) {
		w.raw = raw
		inner.state.With(func(rs *fw.RingState, _ *struct{}) {
			w.ringState = rs
		})
	})
	log.Debugf("Work queue %s: %v pipe, priority %d, info at %#x", p.Name, p.PipeType, p.Priority, info.GPUAddress())
	return w, nil
}

// Name returns the queue's name.
func (w *WorkQueue) Name() string {
	return w.params.Name
}

// PipeType returns the pipe the queue feeds.
func (w *WorkQueue) PipeType() fw.PipeType {
	return w.params.PipeType
}

// Priority returns the queue's priority descriptor.
func (w *WorkQueue) Priority() fw.Priority {
	var p fw.Priority
	w.info.With(func(raw *fw.QueueInfo, _ *queue) {
		p = raw.Priority
	})
	return p
}

// InfoPointer returns the address of the queue's QueueInfo.
func (w *WorkQueue) InfoPointer() object.WeakPointer[fw.QueueInfo] {
	return w.info.WeakPointer()
}

// NotifierPointer returns the address of the notifier job commands signal.
func (w *WorkQueue) NotifierPointer() object.WeakPointer[fw.Notifier] {
	return w.notifier.WeakPointer()
}

// RingSize returns the number of ring entries.
func (w *WorkQueue) RingSize() int {
	return w.params.RingSize
}

// Pending returns the number of submitted commands firmware has not
// completed.
func (w *WorkQueue) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// EventSlot returns the held event slot, if any.
func (w *WorkQueue) EventSlot() (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ev == nil {
		return 0, false
	}
	return w.ev.Slot(), true
}

// Submit queues items, in order, and returns the submission covering them.
// The caller must then send the submission's message on a pipe of the
// queue's type.
//
// Submit waits for an event slot if the queue is idle and for ring space,
// as bounded by the queue's Params and ctx.
func (w *WorkQueue) Submit(ctx context.Context, items ...Item) (*Submission, error) {
	size := uint32(w.params.RingSize)
	n := uint32(len(items))
	if n == 0 || n >= size {
		return nil, fmt.Errorf("work queue %s: cannot submit %d commands to a ring of %d: %w", w.params.Name, n, size, linuxerr.EINVAL)
	}
	for _, it := range items {
		l, ok := w.abi.Command(it.Type())
		if !ok || l.Type != it.rawType() {
			return nil, fmt.Errorf("work queue %s: %v is not a firmware %v %v command: %w", w.params.Name, it.rawType(), w.abi.Version, it.Type(), linuxerr.EINVAL)
		}
	}

	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	ev, isNew, err := w.acquireEvent(ctx)
	if err != nil {
		return nil, err
	}
	space := func() bool {
		rptr := w.ringState.GPURPtr.Load()
		return (rptr+size-w.wptr-1)%size >= n
	}
	if err := channel.WaitForSpace(ctx, channel.KindWorkQueue, w.params.Options, space); err != nil {
		w.mu.Lock()
		w.submitting = false
		w.maybeIdleLocked()
		w.mu.Unlock()
		return nil, fmt.Errorf("work queue %s: %w", w.params.Name, err)
	}

	for _, it := range items {
		w.last.Increment()
		w.counter++
		it.bind(fw.StampBinding{
			Value:    w.last,
			Slot:     ev.Slot(),
			UUID:     w.params.UUID,
			Counter:  w.counter,
			Notifier: w.notifier.WeakPointer(),
		})
		*w.ring.At(int(w.wptr)) = it.GPUAddress()
		w.wptr = (w.wptr + 1) % size
	}
	s := &Submission{
		stamp:    w.last,
		stampPtr: ev.StampPointer(),
		items:    items,
		done:     make(chan struct{}),
		msg: fw.RunWorkQueueMsg{
			PipeType:  w.params.PipeType,
			WorkQueue: w.info.WeakPointer(),
			WPtr:      w.wptr,
			EventSlot: ev.Slot(),
			IsNew:     isNew,
		},
	}

	w.mu.Lock()
	w.inflight = append(w.inflight, s)
	w.pending += len(items)
	w.submitting = false
	w.raw.Pending.Store(uint32(w.pending))
	w.mu.Unlock()

	// Entries must be visible before the write pointer.
	w.ringState.CPUWPtr.Store(w.wptr)
	submissionsMetric.IncrementBy(uint64(n), w.params.PipeType.String())
	log.Debugf("Work queue %s: submitted %d commands, stamp %v, wptr %#x", w.params.Name, n, s.stamp, w.wptr)
	return s, nil
}

// acquireEvent returns the queue's event slot, acquiring one if the queue
// is idle. isNew is 1 if the slot was newly acquired.
//
// Preconditions: w.submitMu is locked.
func (w *WorkQueue) acquireEvent(ctx context.Context) (*event.Event, uint8, error) {
	w.mu.Lock()
	if ev := w.ev; ev != nil {
		w.submitting = true
		w.mu.Unlock()
		return ev, 0, nil
	}
	token := w.token
	w.mu.Unlock()

	var (
		ev  *event.Event
		err error
	)
	if w.params.SlotWait == fwconf.SlotWaitFail {
		ev, err = w.events.TryGet(token, w)
	} else {
		ev, err = w.events.Get(ctx, token, w)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("work queue %s: no event slot: %w", w.params.Name, err)
	}
	// The stamp continues from wherever the slot's last owner left it.
	w.last = ev.Current()
	w.raw.EventID.Store(int32(ev.Slot()))

	w.mu.Lock()
	w.ev = ev
	w.token = ev.Token()
	w.submitting = true
	w.mu.Unlock()
	log.Debugf("Work queue %s: using event %d from %v", w.params.Name, ev.Slot(), w.last)
	return ev, 1, nil
}

// Preconditions: w.mu is locked.
func (w *WorkQueue) maybeIdleLocked() {
	if w.ev == nil || w.submitting || len(w.inflight) != 0 {
		return
	}
	log.Debugf("Work queue %s: idle, releasing event %d", w.params.Name, w.ev.Slot())
	w.raw.EventID.Store(-1)
	w.ev.Release()
	w.ev = nil
}

// Signal implements event.Owner.Signal. It retires every submission whose
// stamp firmware has reached.
func (w *WorkQueue) Signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ev == nil {
		return
	}
	cur := w.ev.Current()
	done := 0
	for len(w.inflight) > 0 && cur.Reached(w.inflight[0].stamp) {
		s := w.inflight[0]
		w.inflight[0] = nil
		w.inflight = w.inflight[1:]
		done += len(s.items)
		s.complete()
	}
	if done == 0 {
		return
	}
	w.pending -= done
	w.raw.Pending.Store(uint32(w.pending))
	completionsMetric.IncrementBy(uint64(done), w.params.PipeType.String())
	log.Debugf("Work queue %s: %d commands done at %v, %d pending", w.params.Name, done, cur, w.pending)
	w.maybeIdleLocked()
}

// Release frees the queue. Firmware must no longer reference it or any
// command still in flight.
func (w *WorkQueue) Release() {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	w.mu.Lock()
	for _, s := range w.inflight {
		s.complete()
	}
	w.inflight = nil
	w.pending = 0
	if w.ev != nil {
		w.ev.Release()
		w.ev = nil
	}
	w.mu.Unlock()

	w.notifier.Release()
	w.threshold.Release()
	w.info.With(func(_ *fw.QueueInfo, inner *queue) { inner.release() })
	w.info.Release()
}

// Submission is a batch of commands submitted together.
type Submission struct {
	stamp    event.EventValue
	stampPtr object.WeakPointer[atomicbitops.Uint32]
	items    []Item
	msg      fw.RunWorkQueueMsg
	done     chan struct{}
}

// Stamp returns the stamp firmware writes when the last command completes.
func (s *Submission) Stamp() event.EventValue {
	return s.stamp
}

// StampPointer returns the address of the stamp cell.
func (s *Submission) StampPointer() object.WeakPointer[atomicbitops.Uint32] {
	return s.stampPtr
}

// Msg returns the pipe message announcing the submission.
func (s *Submission) Msg() fw.RunWorkQueueMsg {
	return s.msg
}

// Len returns the number of commands.
func (s *Submission) Len() int {
	return len(s.items)
}

// Done returns a channel that is closed when firmware has completed every
// command of the submission.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait waits until the submission completes or ctx ends.
func (s *Submission) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Submission) complete() {
	for _, it := range s.items {
		it.Release()
	}
	close(s.done)
}
