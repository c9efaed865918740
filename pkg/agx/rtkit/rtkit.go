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

// Package rtkit defines the mailbox transport between the host and the GPU
// coprocessor, and a loopback implementation of it.
//
// Messages are 64-bit words addressed to an endpoint. Delivery is
// asynchronous: Send returns once the message is queued, and the peer's
// Handler runs on a dispatch goroutine.
package rtkit

import (
	"fmt"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
)

// Well known endpoints.
const (
	// EPFirmware carries firmware lifecycle messages.
	EPFirmware uint8 = 0x20

	// EPDoorbell carries channel doorbells.
	EPDoorbell uint8 = 0x21
)

// Handler receives messages.
type Handler interface {
	// HandleMessage is called for every message received on ep. Calls are
	// serialized.
	HandleMessage(ep uint8, msg uint64)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ep uint8, msg uint64)

// HandleMessage implements Handler.HandleMessage.
func (f HandlerFunc) HandleMessage(ep uint8, msg uint64) {
	f(ep, msg)
}

// Transport sends messages to the coprocessor and delivers its replies.
type Transport interface {
	// Send queues msg for ep. It may block while the transport is full.
	Send(ep uint8, msg uint64) error

	// SetHandler sets the handler for incoming messages. Messages that
	// arrive before a handler is set are held until one is.
	SetHandler(h Handler)
}

// Message is a message in flight.
type Message struct {
	EP  uint8
	Msg uint64
}

// String implements fmt.Stringer.
func (m Message) String() string {
	return fmt.Sprintf("ep %#x msg %#016x", m.EP, m.Msg)
}

// link is the state shared by both ends of a Loopback.
type link struct {
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Endpoint is one end of a Loopback. It implements Transport.
type Endpoint struct {
	name string
	link *link
	in   chan Message
	out  chan Message

	// mu protects the fields below.
	mu      sync.Mutex
	handler Handler
	running bool
}

var _ Transport = (*Endpoint)(nil)

// NewLoopback returns two connected endpoints. Each direction holds up to
// depth undelivered messages.
func NewLoopback(depth int) (host, firmware *Endpoint) {
	if depth < 1 {
		panic(fmt.Sprintf("rtkit: bad loopback depth %d", depth))
	}
	l := &link{done: make(chan struct{})}
	toFirmware := make(chan Message, depth)
	toHost := make(chan Message, depth)
	host = &Endpoint{name: "host", link: l, in: toHost, out: toFirmware}
	firmware = &Endpoint{name: "firmware", link: l, in: toFirmware, out: toHost}
	return host, firmware
}

// Send implements Transport.Send. It fails with ENODEV once the loopback
// is closed.
func (e *Endpoint) Send(ep uint8, msg uint64) error {
	m := Message{EP: ep, Msg: msg}
	select {
	case <-e.link.done:
		return fmt.Errorf("rtkit %s: sending %v: %w", e.name, m, linuxerr.ENODEV)
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.link.done:
		return fmt.Errorf("rtkit %s: sending %v: %w", e.name, m, linuxerr.ENODEV)
	}
}

// SetHandler implements Transport.SetHandler.
func (e *Endpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
	if e.running || h == nil {
		return
	}
	select {
	case <-e.link.done:
		return
	default:
	}
	e.running = true
	e.link.wg.Add(1)
	go e.dispatch()
}

func (e *Endpoint) dispatch() {
	defer e.link.wg.Done()
	for {
		select {
		case m := <-e.in:
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h == nil {
				log.Warningf("rtkit %s: dropping %v, no handler", e.name, m)
				continue
			}
			h.HandleMessage(m.EP, m.Msg)
		case <-e.link.done:
			return
		}
	}
}

// Pending returns the number of messages queued for this endpoint.
func (e *Endpoint) Pending() int {
	return len(e.in)
}

// Close shuts down both ends of the loopback and waits for their handlers
// to return. Undelivered messages are dropped. It must not be called from
// a handler.
func (e *Endpoint) Close() {
	e.link.closeOnce.Do(func() {
		close(e.link.done)
	})
	e.link.wg.Wait()
}
