// Copyright 2018 The gVisor Authors.
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

// Package eventchannel contains functionality for emitting protobuf events
// about the device to an external consumer.
//
// The wire format is a uvarint length followed by a binary protobuf.Any
// message.
package eventchannel

import (
	"bufio"
	"fmt"
	"io"

	"agxfw.dev/agxfw/pkg/log"
	"agxfw.dev/agxfw/pkg/sync"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Emitter emits a proto message.
type Emitter interface {
	// Emit writes a single eventchannel message to an emitter. Emit should
	// return hangup = true to indicate an emitter has "hung up" and no further
	// messages should be directed to it.
	Emit(msg proto.Message) (hangup bool, err error)

	// Close closes this emitter. Emit cannot be used after Close is called.
	Close() error
}

// DefaultEmitter is the default emitter. Calls to Emit and AddEmitter are sent
// to this Emitter.
var DefaultEmitter = &multiEmitter{}

// Emit is a helper method that calls DefaultEmitter.Emit.
func Emit(msg proto.Message) error {
	_, err := DefaultEmitter.Emit(msg)
	return err
}

// AddEmitter is a helper method that calls DefaultEmitter.AddEmitter.
func AddEmitter(e Emitter) {
	DefaultEmitter.AddEmitter(e)
}

// NewEvent returns a named event carrying fields. Field values must be
// accepted by structpb.NewValue.
func NewEvent(name string, fields map[string]any) (*structpb.Struct, error) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["event"] = name
	return structpb.NewStruct(m)
}

// EventName returns the name of an event built by NewEvent.
func EventName(s *structpb.Struct) string {
	return s.GetFields()["event"].GetStringValue()
}

// multiEmitter is an Emitter that forwards messages to multiple Emitters.
type multiEmitter struct {
	// mu protects emitters.
	mu sync.Mutex
	// emitters is initialized lazily in AddEmitter.
	emitters map[Emitter]struct{}
}

// Emit emits a message using all added emitters.
func (me *multiEmitter) Emit(msg proto.Message) (bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	var err error
	for e := range me.emitters {
		hangup, eerr := e.Emit(msg)
		if eerr != nil {
			if err == nil {
				err = fmt.Errorf("error emitting %v: on %v: %v", msg, e, eerr)
			} else {
				err = fmt.Errorf("%v; on %v: %v", err, e, eerr)
			}

			// Log as well, since most callers ignore the error.
			log.Warningf("Error emitting %v on %v: %v", msg, e, eerr)
		}
		if hangup {
			log.Infof("Hangup on eventchannel emitter %v.", e)
			delete(me.emitters, e)
		}
	}

	return false, err
}

// AddEmitter adds a new emitter.
func (me *multiEmitter) AddEmitter(e Emitter) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.emitters == nil {
		me.emitters = make(map[Emitter]struct{})
	}
	me.emitters[e] = struct{}{}
}

// Close closes all emitters. If any Close call errors, it returns the first
// one encountered.
func (me *multiEmitter) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	var err error
	for e := range me.emitters {
		if eerr := e.Close(); err == nil && eerr != nil {
			err = eerr
		}
		delete(me.emitters, e)
	}
	return err
}

func marshal(msg proto.Message) ([]byte, error) {
	anymsg, err := anypb.New(msg)
	if err != nil {
		return nil, err
	}

	// Wire format is uvarint message length followed by binary proto.
	bufMsg, err := proto.Marshal(anymsg)
	if err != nil {
		return nil, err
	}
	p := protowire.AppendVarint(nil, uint64(len(bufMsg)))
	return append(p, bufMsg...), nil
}

// ReadMessage reads one message in the wire format from r.
func ReadMessage(r *bufio.Reader) (proto.Message, error) {
	var hdr []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(hdr) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		hdr = append(hdr, b)
		if b < 0x80 {
			break
		}
	}
	size, n := protowire.ConsumeVarint(hdr)
	if n < 0 {
		return nil, fmt.Errorf("bad message length: %w", protowire.ParseError(n))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var anymsg anypb.Any
	if err := proto.Unmarshal(buf, &anymsg); err != nil {
		return nil, err
	}
	return anymsg.UnmarshalNew()
}

// writerEmitter emits proto messages on an io.WriteCloser.
type writerEmitter struct {
	// mu serializes writes so messages are not interleaved.
	mu sync.Mutex
	w  io.WriteCloser
}

// WriterEmitter creates a new event channel writing to w.
//
// WriterEmitter takes ownership of w.
func WriterEmitter(w io.WriteCloser) Emitter {
	return &writerEmitter{w: w}
}

// Emit implements Emitter.Emit.
func (s *writerEmitter) Emit(msg proto.Message) (bool, error) {
	p, err := marshal(msg)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(p); err != nil {
		return err == io.ErrClosedPipe, err
	}
	return false, nil
}

// Close implements Emitter.Close.
func (s *writerEmitter) Close() error {
	return s.w.Close()
}

// debugEmitter wraps an emitter to emit stringified event messages. This is
// useful for debugging -- when the messages are intended for humans.
type debugEmitter struct {
	inner Emitter
}

// DebugEmitterFrom creates a new event channel emitter by wrapping an existing
// raw emitter.
func DebugEmitterFrom(inner Emitter) Emitter {
	return &debugEmitter{
		inner: inner,
	}
}

func (d *debugEmitter) Emit(msg proto.Message) (bool, error) {
	ev, err := NewEvent("debug", map[string]any{
		"name": string(proto.MessageName(msg)),
		"text": prototext.Format(msg),
	})
	if err != nil {
		return false, err
	}
	return d.inner.Emit(ev)
}

func (d *debugEmitter) Close() error {
	return d.inner.Close()
}

// logEmitter writes events to the debug log.
type logEmitter struct{}

// LogEmitter returns an emitter that logs every event at Info.
func LogEmitter() Emitter {
	return logEmitter{}
}

// Emit implements Emitter.Emit.
func (logEmitter) Emit(msg proto.Message) (bool, error) {
	log.Infof("Event: %s", prototext.Format(msg))
	return false, nil
}

// Close implements Emitter.Close.
func (logEmitter) Close() error {
	return nil
}
