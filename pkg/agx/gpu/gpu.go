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

// Package gpu implements the device manager that brings up the GPU
// coprocessor firmware and routes work to it.
//
// A Manager owns the firmware's runtime structures: every channel, the event
// stamps, and the init data that points at them. Work queues created by the
// manager are announced to firmware through the pipe rings, followed by a
// doorbell on the transport.
package gpu

import (
	"context"
	"fmt"

	"agxfw.dev/agxfw/pkg/agx/alloc"
	"agxfw.dev/agxfw/pkg/agx/buffer"
	"agxfw.dev/agxfw/pkg/agx/channel"
	"agxfw.dev/agxfw/pkg/agx/event"
	"agxfw.dev/agxfw/pkg/agx/fw"
	"agxfw.dev/agxfw/pkg/agx/fwconf"
	"agxfw.dev/agxfw/pkg/agx/object"
	"agxfw.dev/agxfw/pkg/agx/rtkit"
	"agxfw.dev/agxfw/pkg/agx/slotalloc"
	"agxfw.dev/agxfw/pkg/agx/workqueue"
	"agxfw.dev/agxfw/pkg/atomicbitops"
	"agxfw.dev/agxfw/pkg/cleanup"
	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/eventchannel"
	"agxfw.dev/agxfw/pkg/gpuarch"
	"agxfw.dev/agxfw/pkg/iova"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/memfile"
	"agxfw.dev/agxfw/pkg/metric"
	"agxfw.dev/agxfw/pkg/sync"
)

// Mailbox messages. The message type occupies the top bits.
const (
	MsgTypeShift = 48

	// MsgInit carries the init data address on rtkit.EPFirmware.
	MsgInit uint64 = 0x81 << MsgTypeShift

	// MsgTXDoorbell rings a transmit channel's doorbell.
	MsgTXDoorbell uint64 = 0x83 << MsgTypeShift

	// MsgFWCtl rings the firmware control doorbell.
	MsgFWCtl uint64 = 0x84 << MsgTypeShift

	// MsgHalt asks firmware to stop.
	MsgHalt uint64 = 0x85 << MsgTypeShift

	// MsgRXDoorbell is sent by firmware when receive channels have data.
	MsgRXDoorbell uint64 = 0x42 << MsgTypeShift

	// InitAddrMask masks the init data address in MsgInit.
	InitAddrMask = 1<<44 - 1

	// DoorbellDevCtrl is the device control channel's doorbell.
	DoorbellDevCtrl = 0x11

	// gpuMinAlign is the minimum alignment of GPU-visible allocations.
	gpuMinAlign = 0x20
)

// MsgType returns the type bits of msg.
func MsgType(msg uint64) uint64 {
	return msg &^ (1<<MsgTypeShift - 1)
}

// PipeDoorbell returns the MsgTXDoorbell for pipe ring index of type t.
func PipeDoorbell(t fw.PipeType, index int) uint64 {
	return MsgTXDoorbell | uint64(t) | uint64(index)<<2
}

var (
	deviceHangsMetric    = metric.MustCreateNewUint64Metric("/agx/device_hangs", false, "Number of times the device was declared hung.")
	inboxCoalescedMetric = metric.MustCreateNewUint64Metric("/agx/inbox_coalesced", false, "Number of firmware notifications merged into one already queued.")
)

// AllocatorKind selects the mapping of a new allocator.
type AllocatorKind int

// Allocator kinds.
const (
	// AllocPrivate memory is visible to firmware only.
	AllocPrivate AllocatorKind = iota

	// AllocShared memory is shared by firmware and the host.
	AllocShared

	// AllocGPU memory is also visible to the GPU.
	AllocGPU
)

// String implements fmt.Stringer.
func (k AllocatorKind) String() string {
	switch k {
	case AllocPrivate:
		return "private"
	case AllocShared:
		return "shared"
	case AllocGPU:
		return "gpu"
	default:
		return fmt.Sprintf("AllocatorKind(%d)", int(k))
	}
}

// pipe is a pipe ring and the lock that serializes its users.
type pipe struct {
	mu sync.Mutex
	ch *channel.PipeChannel
}

// Manager is one GPU device.
type Manager struct {
	cfg       *fwconf.Config
	abi       *fw.ABI
	file      *memfile.File
	vm        *iova.Space
	transport rtkit.Transport
	opts      channel.Options

	private *alloc.SimpleAllocator
	shared  *alloc.SimpleAllocator
	gpu     *alloc.SimpleAllocator

	events  *event.Manager
	devctrl *channel.DeviceControlChannel
	fwctl   *channel.FWCtlChannel
	pipes   [fw.NumPipes][fw.NumPipeTypes]pipe
	event   *channel.EventChannel
	fwlog   *channel.FWLogChannel
	ktrace  *channel.KTraceChannel
	stats   *channel.StatsChannel

	runtime  *object.Object[fw.RuntimePointers, struct{}]
	status   *object.Object[fw.FWStatus, struct{}]
	initData *object.Object[fw.InitData, struct{}]

	// devctrlMu serializes device control sends with their doorbell.
	devctrlMu sync.Mutex

	// fwctlMu serializes firmware control sends with their doorbell.
	fwctlMu sync.Mutex

	// rxMu serializes draining of the receive channels.
	rxMu sync.Mutex

	// inbox queues firmware notifications for the poller. A notification
	// that finds the inbox full is merged into those already queued.
	inbox chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	timeouts atomicbitops.Uint32
	hung     atomicbitops.Bool
	nextUUID atomicbitops.Uint32

	// running is set between a successful Init and Close.
	running atomicbitops.Bool

	// mu protects the fields below.
	mu          sync.Mutex
	polling     bool
	initialized bool
	closed      bool
}

// New builds a manager for the firmware described by cfg. Memory comes from
// file and is mapped into vm. The manager takes over transport's handler.
func New(cfg *fwconf.Config, file *memfile.File, vm *iova.Space, transport rtkit.Transport) (*Manager, error) {
	abi, err := fw.Lookup(cfg.FirmwareVersion)
	if err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	m := &Manager{
		cfg:       cfg.Copy(),
		abi:       abi,
		file:      file,
		vm:        vm,
		transport: transport,
		opts: channel.Options{
			PollInterval: cfg.TXPollInterval,
			Timeout:      cfg.TXTimeout,
		},
		inbox: make(chan struct{}, max(cfg.InboxDepth, 1)),
		stop:  make(chan struct{}),
	}
	m.private = m.NewAllocator(AllocPrivate)
	m.shared = m.NewAllocator(AllocShared)
	m.gpu = m.NewAllocator(AllocGPU)

	var cu cleanup.Cleanup
	defer cu.Clean()

	if m.events, err = event.NewManager(m.shared, m.private); err != nil {
		return nil, fmt.Errorf("gpu: allocating events: %w", err)
	}
	cu.Add(m.events.Release)
	if m.devctrl, err = channel.NewDeviceControl(m.shared, m.private, m.opts); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.devctrl.Release)
	if m.fwctl, err = channel.NewFWCtl(m.shared, m.private, m.opts); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.fwctl.Release)
	for i := range m.pipes {
		for t := range m.pipes[i] {
			p, err := channel.NewPipe(fw.PipeType(t), i, m.shared, m.private, m.opts)
			if err != nil {
				return nil, fmt.Errorf("gpu: %w", err)
			}
			cu.Add(p.Release)
			m.pipes[i][t].ch = p
		}
	}
	if m.event, err = channel.NewEvent(m.shared, eventHandler{m}); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.event.Release)
	if m.fwlog, err = channel.NewFWLog(m.shared); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.fwlog.Release)
	if m.ktrace, err = channel.NewKTrace(m.shared); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.ktrace.Release)
	if m.stats, err = channel.NewStats(m.shared, abi.StatsMax); err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	cu.Add(m.stats.Release)

	if m.runtime, err = alloc.NewObject(m.shared, struct{}{}, m.runtimePointers); err != nil {
		return nil, fmt.Errorf("gpu: allocating runtime pointers: %w", err)
	}
	cu.Add(m.runtime.Release)
	if m.status, err = alloc.NewDefault[fw.FWStatus, struct{}](m.shared); err != nil {
		return nil, fmt.Errorf("gpu: allocating firmware status: %w", err)
	}
	cu.Add(m.status.Release)
	m.initData, err = alloc.NewObject(m.shared, struct{}{}, func(*struct{}) fw.InitData {
		return fw.InitData{
			RuntimePointers: m.runtime.WeakPointer(),
			FWStatus:        m.status.WeakPointer(),
			UATPageSize:     gpuarch.PageSize,
			UATPageBits:     gpuarch.PageShift,
			UATNumLevels:    3,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: allocating init data: %w", err)
	}
	cu.Add(m.initData.Release)

	cu.Release()
	log.Infof("GPU: firmware %v, init data at %#x", abi.Version, m.initData.GPUAddress())
	return m, nil
}

func (m *Manager) runtimePointers(*struct{}) fw.RuntimePointers {
	rp := fw.RuntimePointers{
		DeviceControl: m.devctrl.ToRaw(),
		Event:         m.event.ToRaw(),
		FWLog:         m.fwlog.ToRaw(),
		KTrace:        m.ktrace.ToRaw(),
		Stats:         m.stats.ToRaw(),
		FWCtl:         m.fwctl.ToRaw(),
		EventStamps:   m.events.StampsPointer(),
		NumEvents:     event.NumEvents,
	}
	for i := range m.pipes {
		for t := range m.pipes[i] {
			rp.Pipes[i][t] = m.pipes[i][t].ch.ToRaw()
		}
	}
	return rp
}

// ABI returns the firmware ABI the manager speaks.
func (m *Manager) ABI() *fw.ABI {
	return m.abi
}

// Events returns the event slot manager.
func (m *Manager) Events() *event.Manager {
	return m.events
}

// InitDataAddr returns the GPU address of the init data.
func (m *Manager) InitDataAddr() uint64 {
	return m.initData.GPUAddress()
}

// NewAllocator returns a new allocator of the given kind over the manager's
// memory.
func (m *Manager) NewAllocator(kind AllocatorKind) *alloc.SimpleAllocator {
	switch kind {
	case AllocPrivate:
		return alloc.NewSimple("private", m.file, m.vm, iova.ProtFWPrivRW, 0)
	case AllocShared:
		return alloc.NewSimple("shared", m.file, m.vm, iova.ProtFWSharedRW, 0)
	case AllocGPU:
		return alloc.NewSimple("gpu", m.file, m.vm, iova.ProtGPUFWSharedRW, gpuMinAlign)
	default:
		panic(fmt.Sprintf("gpu: unknown allocator kind %v", kind))
	}
}

// Init boots the firmware: it hands over the init data, then sends the
// device control initialize request.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("gpu: init after close: %w", linuxerr.ENODEV)
	}
	if m.initialized {
		return fmt.Errorf("gpu: already initialized: %w", linuxerr.EEXIST)
	}

	if !m.polling {
		m.polling = true
		m.transport.SetHandler(msgHandler{m})
		m.wg.Add(1)
		go m.poller()
	}

	addr := m.initData.GPUAddress() & InitAddrMask
	if err := m.transport.Send(rtkit.EPFirmware, MsgInit|addr); err != nil {
		return fmt.Errorf("gpu: sending init: %w", err)
	}
	msg := fw.DeviceControlMsg{Tag: fw.DeviceControlInitialize}
	if err := m.sendDeviceControl(ctx, &msg); err != nil {
		return fmt.Errorf("gpu: initializing device: %w", err)
	}
	m.initialized = true
	m.running.Store(true)
	log.Infof("GPU: initialized")
	return nil
}

func (m *Manager) sendDeviceControl(ctx context.Context, msg *fw.DeviceControlMsg) error {
	m.devctrlMu.Lock()
	defer m.devctrlMu.Unlock()
	err := m.devctrl.Send(ctx, msg)
	m.noteTX(err)
	if err != nil {
		return err
	}
	return m.transport.Send(rtkit.EPDoorbell, MsgTXDoorbell|DoorbellDevCtrl)
}

// SendFWCtl sends a firmware control request.
func (m *Manager) SendFWCtl(ctx context.Context, msg *fw.FWCtlMsg) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.fwctlMu.Lock()
	defer m.fwctlMu.Unlock()
	err := m.fwctl.Send(ctx, msg)
	m.noteTX(err)
	if err != nil {
		return fmt.Errorf("gpu: %w", err)
	}
	return m.transport.Send(rtkit.EPDoorbell, MsgFWCtl)
}

// checkRunning returns ENODEV unless the firmware has been initialized and
// not yet halted, and EIO once the device is hung.
func (m *Manager) checkRunning() error {
	if !m.running.Load() {
		return fmt.Errorf("gpu: firmware not running: %w", linuxerr.ENODEV)
	}
	return m.checkAlive()
}

// checkAlive returns EIO once the device is hung.
func (m *Manager) checkAlive() error {
	if m.hung.Load() {
		return fmt.Errorf("gpu: device is hung: %w", linuxerr.EIO)
	}
	return nil
}

// Hung returns true if the device has been declared hung.
func (m *Manager) Hung() bool {
	return m.hung.Load()
}

// noteTX records the outcome of a transmit. Consecutive timeouts beyond
// the configured threshold mark the device hung.
func (m *Manager) noteTX(err error) {
	if err == nil {
		m.timeouts.Store(0)
		return
	}
	if !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		return
	}
	n := m.timeouts.Add(1)
	if int(n) < m.cfg.HangThreshold || m.hung.Swap(true) {
		return
	}
	deviceHangsMetric.Increment()
	log.Warningf("GPU: %d consecutive transmit timeouts, declaring device hung", n)
	ev, perr := eventchannel.NewEvent("device_hang", map[string]any{
		"firmware": m.abi.Version.String(),
		"timeouts": float64(n),
		"error":    err.Error(),
	})
	if perr != nil {
		log.Warningf("GPU: building hang event: %v", perr)
		return
	}
	if perr := eventchannel.Emit(ev); perr != nil {
		log.Warningf("GPU: emitting hang event: %v", perr)
	}
}

// NewWorkQueue creates a work queue. The queue's flow control options,
// slot policy and UUID come from the manager.
func (m *Manager) NewWorkQueue(p workqueue.Params) (*workqueue.WorkQueue, error) {
	if err := m.checkAlive(); err != nil {
		return nil, err
	}
	p.Options = m.opts
	p.SlotWait = m.cfg.SlotWait
	p.UUID = m.nextUUID.Add(1)
	return workqueue.New(m.abi, m.events, m.shared, m.private, p)
}

// NewBuffer creates a tiled vertex buffer manager.
func (m *Manager) NewBuffer(p buffer.Params) (*buffer.Buffer, error) {
	if err := m.checkAlive(); err != nil {
		return nil, err
	}
	return buffer.New(m.abi, m.shared, m.gpu, p)
}

// SubmitBatch submits items to wq and tells firmware about them through a
// pipe ring of the queue's type.
func (m *Manager) SubmitBatch(ctx context.Context, wq *workqueue.WorkQueue, items ...workqueue.Item) (*workqueue.Submission, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	s, err := wq.Submit(ctx, items...)
	m.noteTX(err)
	if err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}

	p, index := m.lockPipe(wq.PipeType())
	defer p.mu.Unlock()
	msg := s.Msg()
	err = p.ch.Send(ctx, &msg)
	m.noteTX(err)
	if err != nil {
		return s, fmt.Errorf("gpu: announcing %s: %w", wq.Name(), err)
	}
	if err := m.transport.Send(rtkit.EPDoorbell, PipeDoorbell(wq.PipeType(), index)); err != nil {
		return s, fmt.Errorf("gpu: ringing %s doorbell: %w", p.ch.Name(), err)
	}
	return s, nil
}

// lockPipe locks a pipe ring of type t, preferring one no other submitter
// holds.
func (m *Manager) lockPipe(t fw.PipeType) (*pipe, int) {
	for i := range m.pipes {
		if p := &m.pipes[i][t]; p.mu.TryLock() {
			return p, i
		}
	}
	p := &m.pipes[0][t]
	p.mu.Lock()
	return p, 0
}

// NewEventSlot claims an event slot outside of any work queue. owner may be
// nil.
func (m *Manager) NewEventSlot(ctx context.Context, owner event.Owner) (*event.Event, error) {
	if m.cfg.SlotWait == fwconf.SlotWaitFail {
		return m.events.TryGet(slotalloc.Token{}, owner)
	}
	return m.events.Get(ctx, slotalloc.Token{}, owner)
}

// ReleaseEventSlot returns ev to the manager.
func (m *Manager) ReleaseEventSlot(ev *event.Event) {
	ev.Release()
}

// Poll drains every receive channel.
func (m *Manager) Poll() {
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	m.event.Poll()
	m.fwlog.Poll()
	m.ktrace.Poll()
	m.stats.Poll()
}

// LastStats returns the most recent stats message with the given tag.
func (m *Manager) LastStats(tag uint32) (fw.StatsMsg, bool) {
	m.rxMu.Lock()
	defer m.rxMu.Unlock()
	return m.stats.Last(tag)
}

// notify queues a poll.
func (m *Manager) notify() {
	select {
	case m.inbox <- struct{}{}:
	default:
		inboxCoalescedMetric.Increment()
	}
}

func (m *Manager) poller() {
	defer m.wg.Done()
	for {
		select {
		case <-m.inbox:
			m.Poll()
		case <-m.stop:
			return
		}
	}
}

// Close halts the firmware if it was initialized and frees the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.running.Store(false)
	polling, initialized := m.polling, m.initialized
	m.mu.Unlock()

	if initialized {
		m.halt()
	}
	if polling {
		close(m.stop)
		m.wg.Wait()
	}

	m.initData.Release()
	m.status.Release()
	m.runtime.Release()
	m.stats.Release()
	m.ktrace.Release()
	m.fwlog.Release()
	m.event.Release()
	for i := range m.pipes {
		for t := range m.pipes[i] {
			m.pipes[i][t].ch.Release()
		}
	}
	m.fwctl.Release()
	m.devctrl.Release()
	m.events.Release()
	log.Infof("GPU: closed")
}

// halt stops the firmware and waits for it to acknowledge. Once it has,
// firmware no longer touches shared memory.
func (m *Manager) halt() {
	if err := m.transport.Send(rtkit.EPFirmware, MsgHalt); err != nil {
		log.Warningf("GPU: sending halt: %v", err)
		return
	}
	halted := func() bool {
		var ok bool
		m.status.With(func(raw *fw.FWStatus, _ *struct{}) {
			ok = raw.Halted.Load() != 0
		})
		return ok
	}
	if err := channel.WaitFor(context.Background(), m.opts, halted); err != nil {
		log.Warningf("GPU: firmware did not acknowledge halt: %v", err)
	}
}

// msgHandler receives mailbox messages.
type msgHandler struct {
	m *Manager
}

// HandleMessage implements rtkit.Handler.HandleMessage.
func (h msgHandler) HandleMessage(ep uint8, msg uint64) {
	switch {
	case ep == rtkit.EPDoorbell && MsgType(msg) == MsgRXDoorbell:
		h.m.notify()
	default:
		log.Debugf("GPU: ignoring message %#016x on endpoint %#x", msg, ep)
	}
}

// eventHandler receives event channel messages.
type eventHandler struct {
	m *Manager
}

// OnFlag implements channel.EventHandler.OnFlag.
func (h eventHandler) OnFlag(firing [4]uint32) {
	h.m.events.Flag(firing)
}

// OnFault implements channel.EventHandler.OnFault.
func (h eventHandler) OnFault() {
	ev, err := eventchannel.NewEvent("gpu_fault", map[string]any{
		"firmware": h.m.abi.Version.String(),
	})
	if err == nil {
		err = eventchannel.Emit(ev)
	}
	if err != nil {
		log.Warningf("GPU: emitting fault event: %v", err)
	}
}

// OnTimeout implements channel.EventHandler.OnTimeout.
func (h eventHandler) OnTimeout(slot, counter uint32) {
	h.m.events.Signal(slot)
}
