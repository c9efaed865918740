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

// Package fwconf holds the configuration of the firmware coordination core.
//
// A Config is assembled from flag defaults, an optional TOML file, and flags
// given explicitly on the command line, in increasing order of precedence.
// The firmware version it names selects the raw layouts used for the life
// of the device.
package fwconf

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// SlotWait selects what happens when no event slot is free.
type SlotWait int

const (
	// SlotWaitBlock makes submissions wait for a slot to be released.
	SlotWaitBlock SlotWait = iota
	// SlotWaitFail makes submissions fail with EBUSY.
	SlotWaitFail
)

// String implements fmt.Stringer.
func (s SlotWait) String() string {
	switch s {
	case SlotWaitBlock:
		return "block"
	case SlotWaitFail:
		return "fail"
	default:
		return fmt.Sprintf("SlotWait(%d)", int(s))
	}
}

// Set implements flag.Value.
func (s *SlotWait) Set(v string) error {
	switch v {
	case "block":
		*s = SlotWaitBlock
	case "fail":
		*s = SlotWaitFail
	default:
		return fmt.Errorf("invalid slot wait policy %q, want block or fail", v)
	}
	return nil
}

// Get implements flag.Getter.
func (s *SlotWait) Get() any {
	return *s
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SlotWait) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// MarshalText implements encoding.TextMarshaler.
func (s SlotWait) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the configuration of one GPU device.
type Config struct {
	// FirmwareVersion is the version of the firmware the device runs.
	FirmwareVersion Version `flag:"fw-version" toml:"fw_version"`

	// TXPollInterval is how often a full transmit ring is re-checked.
	TXPollInterval time.Duration `flag:"tx-poll-interval" toml:"tx_poll_interval"`

	// TXTimeout bounds how long a single transmit waits for ring space.
	TXTimeout time.Duration `flag:"tx-timeout" toml:"tx_timeout"`

	// HangThreshold is the number of consecutive transmit timeouts after
	// which the device is considered hung.
	HangThreshold int `flag:"hang-threshold" toml:"hang_threshold"`

	// SlotWait is the event slot exhaustion policy.
	SlotWait SlotWait `flag:"slot-wait" toml:"slot_wait"`

	// InboxDepth is the number of firmware notifications that may be
	// queued before new ones are coalesced.
	InboxDepth int `flag:"inbox-depth" toml:"inbox_depth"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format, text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// EventLog is the file fatal device events are written to, if any.
	EventLog string `flag:"event-log" toml:"event_log"`
}

// Default returns a Config with the default values of all flags.
func Default() *Config {
	return &Config{
		FirmwareVersion: V12_3,
		TXPollInterval:  8 * time.Millisecond,
		TXTimeout:       time.Second,
		HangThreshold:   3,
		SlotWait:        SlotWaitBlock,
		InboxDepth:      16,
		LogFormat:       "text",
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// LoadFile overlays the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.FirmwareVersion.IsZero() {
		return fmt.Errorf("firmware version must be set")
	}
	if c.TXPollInterval <= 0 {
		return fmt.Errorf("tx-poll-interval must be positive, got %v", c.TXPollInterval)
	}
	if c.TXTimeout < c.TXPollInterval {
		return fmt.Errorf("tx-timeout (%v) must not be shorter than tx-poll-interval (%v)", c.TXTimeout, c.TXPollInterval)
	}
	if c.HangThreshold < 1 {
		return fmt.Errorf("hang-threshold must be at least 1, got %d", c.HangThreshold)
	}
	if c.InboxDepth < 1 {
		return fmt.Errorf("inbox-depth must be at least 1, got %d", c.InboxDepth)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, want text or json", c.LogFormat)
	}
	return nil
}
