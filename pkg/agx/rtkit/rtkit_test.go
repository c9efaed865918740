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

package rtkit

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"agxfw.dev/agxfw/pkg/errors/linuxerr"
)

type recorder struct {
	c chan Message
}

func newRecorder() *recorder {
	return &recorder{c: make(chan Message, 16)}
}

func (r *recorder) HandleMessage(ep uint8, msg uint64) {
	r.c <- Message{EP: ep, Msg: msg}
}

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.c:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
		return Message{}
	}
}

func TestLoopbackBothWays(t *testing.T) {
	host, fw := NewLoopback(4)
	defer host.Close()
	hr, fr := newRecorder(), newRecorder()
	host.SetHandler(hr)
	fw.SetHandler(fr)

	if err := host.Send(EPFirmware, 0x81); err != nil {
		t.Fatalf("host Send failed: %v", err)
	}
	if err := fw.Send(EPDoorbell, 0x42); err != nil {
		t.Fatalf("firmware Send failed: %v", err)
	}
	if got, want := fr.next(t), (Message{EP: EPFirmware, Msg: 0x81}); got != want {
		t.Errorf("firmware received %v, want %v", got, want)
	}
	if got, want := hr.next(t), (Message{EP: EPDoorbell, Msg: 0x42}); got != want {
		t.Errorf("host received %v, want %v", got, want)
	}
}

func TestLoopbackOrder(t *testing.T) {
	host, fw := NewLoopback(8)
	defer host.Close()
	fr := newRecorder()
	fw.SetHandler(fr)

	var want []Message
	for i := uint64(0); i < 8; i++ {
		want = append(want, Message{EP: EPDoorbell, Msg: i})
		if err := host.Send(EPDoorbell, i); err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
	}
	var got []Message
	for range want {
		got = append(got, fr.next(t))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLoopbackHeldUntilHandler(t *testing.T) {
	host, fw := NewLoopback(1)
	defer host.Close()
	if err := host.Send(EPFirmware, 1); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := fw.Pending(); got != 1 {
		t.Errorf("Pending: got %d, want 1", got)
	}

	// The queue is full, so the second send waits for the handler.
	var g errgroup.Group
	g.Go(func() error {
		return host.Send(EPFirmware, 2)
	})
	fr := newRecorder()
	fw.SetHandler(fr)
	if err := g.Wait(); err != nil {
		t.Fatalf("blocked Send failed: %v", err)
	}
	for i := uint64(1); i <= 2; i++ {
		if got, want := fr.next(t), (Message{EP: EPFirmware, Msg: i}); got != want {
			t.Errorf("received %v, want %v", got, want)
		}
	}
}

func TestLoopbackClose(t *testing.T) {
	host, fw := NewLoopback(1)
	if err := host.Send(EPFirmware, 1); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		// Blocks on the full queue until Close.
		return host.Send(EPFirmware, 2)
	})
	fw.Close()
	if err := g.Wait(); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("Send blocked across Close: got %v, want ENODEV", err)
	}
	if err := fw.Send(EPDoorbell, 3); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("Send after Close: got %v, want ENODEV", err)
	}
	// Closing again is a no-op.
	host.Close()
}

func TestHandlerFunc(t *testing.T) {
	host, fw := NewLoopback(1)
	defer host.Close()
	got := make(chan uint64, 1)
	fw.SetHandler(HandlerFunc(func(_ uint8, msg uint64) {
		got <- msg
	}))
	if err := host.Send(EPDoorbell, 7); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case m := <-got:
		if m != 7 {
			t.Errorf("got %d, want 7", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not called")
	}
}
