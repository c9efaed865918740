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

// Package fwsim simulates the GPU coprocessor firmware.
//
// A Sim attaches to the firmware end of an rtkit.Loopback and follows the
// addresses the host publishes in its init data, reading and writing the
// host's shared memory through the address space. It consumes the transmit
// rings, executes work queue commands by writing their completion stamps,
// and reports completions on the event channel. It can also post log,
// trace and stats messages, and can be paused to let host rings fill up.
package fwsim

import (
	"fmt"
	"time"
	"unsafe"

	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/gpu"
	"agxfw.dev/agxfw/pkg/agx/rtkit"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/bitmap"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/iova"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

// retryDelay is how long a pass waits to retry posting to a full ring.
const retryDelay = time.Millisecond

// view returns the object of type T at va.
func view[T any](vm *iova.Space, va uint64) (*T, error) {
	var zero T
	b, err := vm.Translate(va, uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&b[0])), nil
}

// slice returns the n objects of type T starting at va.
func slice[T any](vm *iova.Space, va uint64, n int) ([]T, error) {
	var zero T
	b, err := vm.Translate(va, uint64(n)*uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

// ring is a host channel seen from the firmware side.
type ring[M any] struct {
	name  string
	state fw.State
	msgs  []M
	count uint32
}

func resolve[S any, M any, P interface {
	*S
	fw.State
}](vm *iova.Space, name string, raw fw.ChannelRing[S, M], count int) (ring[M], error) {
	st, err := view[S](vm, raw.State.Addr())
	if err != nil {
		return ring[M]{}, fmt.Errorf("channel %s state: %w", name, err)
	}
	var p P = st
	msgs, err := slice[M](vm, raw.Ring.Addr(), count*p.SubChannels())
	if err != nil {
		return ring[M]{}, fmt.Errorf("channel %s ring: %w", name, err)
	}
	return ring[M]{name: name, state: p, msgs: msgs, count: uint32(count)}, nil
}

// consume calls fn for every message the host has written, and publishes
// the new read pointer.
func (r *ring[M]) consume(fn func(m *M)) int {
	n := 0
	rptr := r.state.ReadPtr(0).Load()
	for wptr := r.state.WritePtr(0).Load(); rptr != wptr; n++ {
		fn(&r.msgs[rptr])
		rptr = (rptr + 1) % r.count
	}
	r.state.ReadPtr(0).Store(rptr)
	return n
}

// post writes m to sub-channel sub. It fails with EAGAIN if the host has
// not drained the sub-channel.
func (r *ring[M]) post(sub int, m *M) error {
	wptr := r.state.WritePtr(sub).Load()
	next := (wptr + 1) % r.count
	if next == r.state.ReadPtr(sub).Load() {
		return fmt.Errorf("channel %s[%d] full: %w", r.name, sub, linuxerr.EAGAIN)
	}
	r.msgs[uint32(sub)*r.count+wptr] = *m
	r.state.WritePtr(sub).Store(next)
	return nil
}

// Sim is a simulated firmware instance.
type Sim struct {
	abi *fw.ABI
	vm  *iova.Space
	ep  rtkit.Transport

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	// mu protects the fields below.
	mu      sync.Mutex
	booted  bool
	halted  bool
	paused  bool
	status  *fw.FWStatus
	stamps  []atomicbitops.Uint32
	devctrl ring[fw.DeviceControlMsg]
	fwctl   ring[fw.FWCtlMsg]
	pipes   [fw.NumPipes][fw.NumPipeTypes]ring[fw.RunWorkQueueMsg]
	event   ring[fw.EventMsg]
	fwlog   ring[fw.FWLogMsg]
	ktrace  ring[fw.KTraceMsg]
	stats   ring[fw.StatsMsg]

	// queues are the work queues announced on the pipe rings since the
	// last pass, in order. targets holds the write pointers announced for
	// each. A queue is forgotten once its announced entries have run, so
	// the host may free it as soon as it sees them complete.
	queues  []uint64
	targets map[uint64][]uint32
	seen    map[uint64]struct{}

	devctrlMsgs []fw.DeviceControlMsg
	fwctlMsgs   []fw.FWCtlMsg
	completed   uint64
	errs        []error

	// unflagged are the event slots with completions not yet reported.
	unflagged [4]uint32
}

// New attaches a simulator for the firmware described by abi to ep. Host
// memory is reached through vm.
func New(abi *fw.ABI, vm *iova.Space, ep rtkit.Transport) *Sim {
	s := &Sim{
		abi:      abi,
		vm:       vm,
		ep:       ep,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		targets:  make(map[uint64][]uint32),
		seen:     make(map[uint64]struct{}),
	}
	s.wg.Add(1)
	go s.run()
	ep.SetHandler(s)
	return s
}

// HandleMessage implements rtkit.Handler.HandleMessage.
func (s *Sim) HandleMessage(ep uint8, msg uint64) {
	switch typ := gpu.MsgType(msg); {
	case ep == rtkit.EPFirmware && typ == gpu.MsgInit:
		addr := msg&gpu.InitAddrMask | s.vm.Base()&^uint64(gpu.InitAddrMask)
		if err := s.boot(addr); err != nil {
			s.fail(fmt.Errorf("boot: %w", err))
		}
	case ep == rtkit.EPFirmware && typ == gpu.MsgHalt:
		s.halt()
	case ep == rtkit.EPDoorbell && (typ == gpu.MsgTXDoorbell || typ == gpu.MsgFWCtl):
		s.Kick()
	default:
		s.fail(fmt.Errorf("unexpected message %#016x on endpoint %#x", msg, ep))
	}
}

func (s *Sim) boot(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.booted {
		return fmt.Errorf("init data %#x after boot: %w", addr, linuxerr.EEXIST)
	}
	init, err := view[fw.InitData](s.vm, addr)
	if err != nil {
		return fmt.Errorf("init data: %w", err)
	}
	if init.UATPageSize != gpuarch.PageSize {
		return fmt.Errorf("init data page size %#x, want %#x: %w", init.UATPageSize, gpuarch.PageSize, linuxerr.EINVAL)
	}
	if s.status, err = view[fw.FWStatus](s.vm, init.FWStatus.Addr()); err != nil {
		return fmt.Errorf("firmware status: %w", err)
	}
	rp, err := view[fw.RuntimePointers](s.vm, init.RuntimePointers.Addr())
	if err != nil {
		return fmt.Errorf("runtime pointers: %w", err)
	}
	if s.stamps, err = slice[atomicbitops.Uint32](s.vm, rp.EventStamps.Addr(), int(rp.NumEvents)); err != nil {
		return fmt.Errorf("event stamps: %w", err)
	}
	if s.devctrl, err = resolve[fw.ChannelState, fw.DeviceControlMsg](s.vm, "devctrl", rp.DeviceControl, fw.DeviceControlRingSize); err != nil {
		return err
	}
	if s.fwctl, err = resolve[fw.FWCtlChannelState, fw.FWCtlMsg](s.vm, "fwctl", rp.FWCtl, fw.FWCtlRingSize); err != nil {
		return err
	}
	for i := range s.pipes {
		for t := range s.pipes[i] {
			name := fmt.Sprintf("pipe[%d].%v", i, fw.PipeType(t))
			if s.pipes[i][t], err = resolve[fw.ChannelState, fw.RunWorkQueueMsg](s.vm, name, rp.Pipes[i][t], fw.PipeRingSize); err != nil {
				return err
			}
		}
	}
	if s.event, err = resolve[fw.ChannelState, fw.EventMsg](s.vm, "event", rp.Event, fw.EventRingSize); err != nil {
		return err
	}
	if s.fwlog, err = resolve[fw.FWLogChannelState, fw.FWLogMsg](s.vm, "fwlog", rp.FWLog, fw.FWLogRingSize); err != nil {
		return err
	}
	if s.ktrace, err = resolve[fw.ChannelState, fw.KTraceMsg](s.vm, "ktrace", rp.KTrace, fw.KTraceRingSize); err != nil {
		return err
	}
	if s.stats, err = resolve[fw.ChannelState, fw.StatsMsg](s.vm, "stats", rp.Stats, fw.StatsRingSize); err != nil {
		return err
	}
	s.booted = true
	log.Infof("fwsim: booted firmware %v from init data %#x", s.abi.Version, addr)
	return nil
}

func (s *Sim) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		s.status.Halted.Store(1)
	}
	s.halted = true
	log.Infof("fwsim: halted after %d commands", s.completed)
}

func (s *Sim) fail(err error) {
	log.Warningf("fwsim: %v", err)
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Kick schedules a pass over the transmit rings.
func (s *Sim) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sim) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.kick:
			s.Step()
		case <-s.stop:
			return
		}
	}
}

// Step runs one pass over the transmit rings and work queues, unless the
// simulator is paused, halted or not booted. It returns the number of
// commands executed.
func (s *Sim) Step() int {
	s.mu.Lock()
	if !s.booted || s.halted || s.paused {
		s.mu.Unlock()
		return 0
	}
	s.devctrl.consume(func(m *fw.DeviceControlMsg) {
		s.devctrlMsgs = append(s.devctrlMsgs, *m)
	})
	s.fwctl.consume(func(m *fw.FWCtlMsg) {
		s.fwctlMsgs = append(s.fwctlMsgs, *m)
	})
	for i := range s.pipes {
		for t := range s.pipes[i] {
			s.pipes[i][t].consume(func(m *fw.RunWorkQueueMsg) {
				s.announce(m)
			})
		}
	}

	fired := bitmap.FromWords(s.unflagged[:])
	n := 0
	for _, addr := range s.queues {
		done, slot, err := s.execute(addr, s.targets[addr])
		if err != nil {
			s.errs = append(s.errs, err)
			log.Warningf("fwsim: %v", err)
		}
		if done > 0 {
			n += done
			fired.Add(slot)
		}
	}
	s.queues = s.queues[:0]
	clear(s.targets)
	copy(s.unflagged[:], fired.Words())
	posted, retry := false, false
	if !fired.IsEmpty() {
		// A full event ring keeps the flags for the next pass.
		msg := fw.NewFlagMsg(s.unflagged)
		if err := s.event.post(0, &msg); err == nil {
			s.unflagged = [4]uint32{}
			posted = true
		} else {
			retry = true
		}
	}
	s.mu.Unlock()

	if posted {
		s.doorbell()
	}
	if retry {
		time.AfterFunc(retryDelay, s.Kick)
	}
	return n
}

// announce records the work queue of m.
//
// Preconditions: s.mu is locked.
func (s *Sim) announce(m *fw.RunWorkQueueMsg) {
	addr := m.WorkQueue.Addr()
	if _, ok := s.targets[addr]; !ok {
		s.queues = append(s.queues, addr)
	}
	s.targets[addr] = append(s.targets[addr], m.WPtr)
	if _, ok := s.seen[addr]; !ok {
		s.seen[addr] = struct{}{}
		log.Debugf("fwsim: new %v work queue %#x on slot %d", m.PipeType, addr, m.EventSlot)
	}
}

// execute runs the commands of the work queue at addr up to the farthest of
// the announced write pointers. It returns the number executed and the event
// slot they completed on.
//
// Preconditions: s.mu is locked.
func (s *Sim) execute(addr uint64, targets []uint32) (int, uint32, error) {
	info, err := view[fw.QueueInfo](s.vm, addr)
	if err != nil {
		return 0, 0, fmt.Errorf("work queue %#x: %w", addr, err)
	}
	rs, err := view[fw.RingState](s.vm, info.State.Addr())
	if err != nil {
		return 0, 0, fmt.Errorf("work queue %#x state: %w", addr, err)
	}
	size := rs.RBSize
	if size == 0 {
		return 0, 0, fmt.Errorf("work queue %#x: empty ring: %w", addr, linuxerr.EINVAL)
	}
	entries, err := slice[uint64](s.vm, info.Ring.Addr(), int(size))
	if err != nil {
		return 0, 0, fmt.Errorf("work queue %#x ring: %w", addr, err)
	}
	id := info.EventID.Load()
	rptr := rs.GPURPtr.Load()
	ahead := func(p uint32) uint32 {
		return (p + size - rptr) % size
	}
	// Announcements that were overtaken by a later one, or that point
	// past the published write pointer, are ignored.
	limit := ahead(rs.CPUWPtr.Load())
	wptr := rptr
	for _, t := range targets {
		if t >= size {
			return 0, 0, fmt.Errorf("work queue %#x: announced write pointer %d outside ring of %d", addr, t, size)
		}
		if d := ahead(t); d <= limit && d > ahead(wptr) {
			wptr = t
		}
	}
	if rptr == wptr {
		return 0, 0, nil
	}
	if id < 0 || int(id) >= len(s.stamps) {
		return 0, 0, fmt.Errorf("work queue %#x: %d commands pending without an event slot (%d)", addr, ahead(wptr), id)
	}
	slot := uint32(id)

	n := 0
	for ; rptr != wptr; rptr = (rptr + 1) % size {
		cmd := entries[rptr]
		tag, err := view[uint32](s.vm, cmd)
		if err != nil {
			return n, slot, fmt.Errorf("work queue %#x entry %d: %w", addr, rptr, err)
		}
		l, ok := s.abi.Command(fw.CommandType(*tag))
		if !ok {
			return n, slot, fmt.Errorf("work queue %#x entry %d: unknown command %#x", addr, rptr, *tag)
		}
		stamp, err := view[uint32](s.vm, cmd+l.StampOffset)
		if err != nil {
			return n, slot, fmt.Errorf("work queue %#x entry %d stamp: %w", addr, rptr, err)
		}
		s.stamps[slot].Store(*stamp)
		next := (rptr + 1) % size
		rs.GPURPtr.Store(next)
		rs.GPUDonePtr.Store(next)
		s.completed++
		n++
	}
	return n, slot, nil
}

func (s *Sim) doorbell() {
	if err := s.ep.Send(rtkit.EPDoorbell, gpu.MsgRXDoorbell); err != nil {
		log.Debugf("fwsim: RX doorbell: %v", err)
	}
}

// postRX posts a message with fn and rings the host.
func (s *Sim) postRX(fn func() error) error {
	s.mu.Lock()
	if !s.booted || s.halted {
		s.mu.Unlock()
		return fmt.Errorf("fwsim: not running: %w", linuxerr.ENODEV)
	}
	err := fn()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fwsim: %w", err)
	}
	s.doorbell()
	return nil
}

// PostLog posts text on firmware log stream sub.
func (s *Sim) PostLog(sub int, text string) error {
	return s.postRX(func() error {
		var m fw.FWLogMsg
		m.SeqNo = uint32(s.completed)
		m.SetText(text)
		return s.fwlog.post(sub, &m)
	})
}

// PostTrace posts a kernel trace record.
func (s *Sim) PostTrace(code uint8, args [4]uint64) error {
	return s.postRX(func() error {
		m := fw.KTraceMsg{Code: code}
		for i, a := range args {
			m.Args[i].Set(a)
		}
		return s.ktrace.post(0, &m)
	})
}

// PostStats posts a stats message. Tags beyond the release's maximum are
// posted as is.
func (s *Sim) PostStats(tag uint32) error {
	return s.postRX(func() error {
		m := fw.StatsMsg{Tag: tag}
		return s.stats.post(0, &m)
	})
}

// PostEvent posts an arbitrary event channel message.
func (s *Sim) PostEvent(m fw.EventMsg) error {
	return s.postRX(func() error {
		return s.event.post(0, &m)
	})
}

// Pause stops command execution and ring consumption until Resume.
func (s *Sim) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts a paused simulator.
func (s *Sim) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.Kick()
}

// Booted returns true once the host has sent its init data.
func (s *Sim) Booted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booted
}

// Halted returns true once the host has halted the firmware.
func (s *Sim) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Completed returns the number of commands executed.
func (s *Sim) Completed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Queues returns the number of work queues announced to the simulator.
func (s *Sim) Queues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// DeviceControl returns the device control requests received so far.
func (s *Sim) DeviceControl() []fw.DeviceControlMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fw.DeviceControlMsg(nil), s.devctrlMsgs...)
}

// FWCtl returns the firmware control requests received so far.
func (s *Sim) FWCtl() []fw.FWCtlMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fw.FWCtlMsg(nil), s.fwctlMsgs...)
}

// Errors returns the protocol errors the simulator has seen.
func (s *Sim) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Close stops the simulator's worker. The transport is left open.
func (s *Sim) Close() {
	close(s.stop)
	s.wg.Wait()
}
